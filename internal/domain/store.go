package domain

import "context"

// ScanFilter restricts a registry scan to one merchant and, optionally, one user.
// Cursor is the continuation token from the previous page ("" for the first page).
type ScanFilter struct {
	MerchantID string
	UserID     string
	Cursor     string
	Limit      int
}

// ScanPage is one page of a registry scan. An empty Next means the scan is complete.
type ScanPage struct {
	Registrations []Registration
	Next          string
}

// RegistryStore is the persistence capability behind the connection registry.
// Every operation is atomic for the single row it touches.
type RegistryStore interface {
	Put(ctx context.Context, reg Registration) error
	Scan(ctx context.Context, filter ScanFilter) (ScanPage, error)
	Delete(ctx context.Context, connectionID string) error
	Ping(ctx context.Context) error
}

// Transport delivers text frames to live connections.
// Send returns ErrDisconnected when the connection no longer exists.
type Transport interface {
	Send(ctx context.Context, connectionID, text string) error
}
