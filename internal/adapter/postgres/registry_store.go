package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/sony/gobreaker"
)

const defaultScanLimit = 100

const upsertRegistrationSQL = `
INSERT INTO registrations (namespace, connection_id, merchant_id, user_id, expiration_time, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (namespace, connection_id) DO UPDATE
SET merchant_id = EXCLUDED.merchant_id,
    user_id = EXCLUDED.user_id,
    expiration_time = EXCLUDED.expiration_time,
    updated_at = now()`

const deleteRegistrationSQL = `DELETE FROM registrations WHERE namespace = $1 AND connection_id = $2`

const scanRegistrationsSQL = `
SELECT connection_id, merchant_id, user_id, expiration_time
FROM registrations
WHERE namespace = $1
  AND merchant_id = $2
  AND ($3::text = '' OR user_id = $3)
  AND connection_id > $4
ORDER BY connection_id
LIMIT $5`

// RegistryStore keeps registrations in one table, keyed by namespace and
// connection id. Scans use keyset pagination on connection_id. All calls pass
// through a circuit breaker.
type RegistryStore struct {
	pool      *pgxpool.Pool
	namespace string
	cb        *gobreaker.CircuitBreaker
}

func NewRegistryStore(pool *pgxpool.Pool, namespace string, m *metrics.StoreMetrics) *RegistryStore {
	m.CircuitState.WithLabelValues(backendName).Set(stateToFloat(gobreaker.StateClosed))
	return &RegistryStore{
		pool:      pool,
		namespace: namespace,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        backendName,
			MaxRequests: 1,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
				m.CircuitStateChanges.WithLabelValues(backendName, to.String()).Inc()
				m.CircuitState.WithLabelValues(backendName).Set(stateToFloat(to))
			},
		}),
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (s *RegistryStore) exec(op string, fn func() error) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return domain.NewStoreError(op, err)
}

func (s *RegistryStore) Put(ctx context.Context, reg domain.Registration) error {
	var expiration *time.Time
	if !reg.ExpirationTime.IsZero() {
		ts := reg.ExpirationTime.UTC()
		expiration = &ts
	}
	return s.exec("put", func() error {
		_, err := s.pool.Exec(ctx, upsertRegistrationSQL, s.namespace, reg.ConnectionID, reg.MerchantID, reg.UserID, expiration)
		return err
	})
}

func (s *RegistryStore) Delete(ctx context.Context, connectionID string) error {
	return s.exec("delete", func() error {
		_, err := s.pool.Exec(ctx, deleteRegistrationSQL, s.namespace, connectionID)
		return err
	})
}

// Scan returns up to Limit matching rows after Cursor. Next is the last
// connection id of a full page.
func (s *RegistryStore) Scan(ctx context.Context, filter domain.ScanFilter) (domain.ScanPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultScanLimit
	}

	var page domain.ScanPage
	err := s.exec("scan", func() error {
		rows, err := s.pool.Query(ctx, scanRegistrationsSQL,
			s.namespace, filter.MerchantID, filter.UserID, filter.Cursor, limit+1)
		if err != nil {
			return err
		}
		regs, err := pgx.CollectRows(rows, scanRegistration)
		if err != nil {
			return err
		}

		if len(regs) > limit {
			regs = regs[:limit]
			page.Next = regs[len(regs)-1].ConnectionID
		}
		page.Registrations = regs
		return nil
	})
	if err != nil {
		return domain.ScanPage{}, err
	}
	return page, nil
}

func scanRegistration(row pgx.CollectableRow) (domain.Registration, error) {
	var (
		reg        domain.Registration
		expiration *time.Time
	)
	if err := row.Scan(&reg.ConnectionID, &reg.MerchantID, &reg.UserID, &expiration); err != nil {
		return domain.Registration{}, err
	}
	if expiration != nil {
		reg.ExpirationTime = expiration.UTC()
	}
	return reg, nil
}

func (s *RegistryStore) Ping(ctx context.Context) error {
	return s.exec("ping", func() error {
		return s.pool.Ping(ctx)
	})
}

// State returns the current breaker state.
func (s *RegistryStore) State() gobreaker.State {
	return s.cb.State()
}
