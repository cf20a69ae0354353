package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidScope is returned when a registrant event lacks merchant or user id.
	ErrInvalidScope = errors.New("merchant_id and user_id are required")
	// ErrBroadcastScope is returned when a broadcaster event lacks merchant or audience.
	ErrBroadcastScope = errors.New("merchant_id and audience are required")
	// ErrDisconnected is returned by a transport when the target connection is gone.
	ErrDisconnected = errors.New("connection is gone")
	// ErrMalformedMessage is returned when an inbound frame cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownRole is returned for an envelope whose id.type is not a known role.
	ErrUnknownRole = errors.New("unknown role")
	// ErrUnexpectedRole is returned when an endpoint receives a role it does not serve.
	ErrUnexpectedRole = errors.New("unexpected role")
)

// StoreError wraps a registry store failure with the operation that caused it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("registry store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err as a StoreError for op. Returns nil for a nil err.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
