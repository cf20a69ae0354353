// Package memory provides a process-local registry store for single-instance
// deployments and tests.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/maddy1092/ottu-ws/internal/domain"
)

const defaultScanLimit = 100

// RegistryStore keeps registrations in a map guarded by a mutex.
// Scans page through matching rows in connection id order.
type RegistryStore struct {
	mu   sync.RWMutex
	rows map[string]domain.Registration
}

func NewRegistryStore() *RegistryStore {
	return &RegistryStore{rows: make(map[string]domain.Registration)}
}

func (s *RegistryStore) Put(_ context.Context, reg domain.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[reg.ConnectionID] = reg
	return nil
}

func (s *RegistryStore) Delete(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, connectionID)
	return nil
}

func (s *RegistryStore) Scan(_ context.Context, filter domain.ScanFilter) (domain.ScanPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultScanLimit
	}

	s.mu.RLock()
	var matched []domain.Registration
	for id, reg := range s.rows {
		if filter.Cursor != "" && id <= filter.Cursor {
			continue
		}
		if reg.MerchantID != filter.MerchantID {
			continue
		}
		if filter.UserID != "" && reg.UserID != filter.UserID {
			continue
		}
		matched = append(matched, reg)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b domain.Registration) int {
		return strings.Compare(a.ConnectionID, b.ConnectionID)
	})

	if len(matched) <= limit {
		return domain.ScanPage{Registrations: matched}, nil
	}
	page := matched[:limit]
	return domain.ScanPage{Registrations: page, Next: page[len(page)-1].ConnectionID}, nil
}

func (s *RegistryStore) Ping(context.Context) error { return nil }

// Get returns the registration for connectionID, if any.
func (s *RegistryStore) Get(connectionID string) (domain.Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.rows[connectionID]
	return reg, ok
}

// Len returns the number of stored registrations.
func (s *RegistryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
