package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	"github.com/maddy1092/ottu-ws/internal/domain"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPageSize     = 100
	defaultMaxScanPages = 1000
	defaultTTL          = 2 * time.Hour

	// resolveTimeout bounds a shared resolve, which runs detached from any
	// single caller.
	resolveTimeout = 30 * time.Second
)

// Config tunes registration expiry and scan paging.
type Config struct {
	RegistrationTTL time.Duration
	PageSize        int
	MaxScanPages    int
}

// Registry is the connection registry over an injected store.
type Registry struct {
	store        domain.RegistryStore
	clock        clockwork.Clock
	metrics      *metrics.RelayMetrics
	resolveGroup singleflight.Group
	ttl          time.Duration
	pageSize     int
	maxPages     int
}

// New creates a Registry. Zero values in cfg fall back to defaults.
func New(store domain.RegistryStore, clock clockwork.Clock, m *metrics.RelayMetrics, cfg Config) *Registry {
	r := &Registry{
		store:    store,
		clock:    clock,
		metrics:  m,
		ttl:      cfg.RegistrationTTL,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxScanPages,
	}
	if r.ttl <= 0 {
		r.ttl = defaultTTL
	}
	if r.pageSize <= 0 {
		r.pageSize = defaultPageSize
	}
	if r.maxPages <= 0 {
		r.maxPages = defaultMaxScanPages
	}
	return r
}

// CreateStub is called when a transport session opens. Registration only
// happens on the first frontend message, so nothing is written here.
func (r *Registry) CreateStub(ctx context.Context, connectionID string) {
	slog.InfoContext(ctx, "Connection opened", "connection_id", connectionID)
}

// Register binds connectionID to a merchant/user scope, overwriting any earlier
// registration of the same connection.
func (r *Registry) Register(ctx context.Context, connectionID, merchantID, userID string, ts time.Time) (string, error) {
	if merchantID == "" || userID == "" {
		r.metrics.Registrations.WithLabelValues("invalid").Inc()
		return connectionID, domain.ErrInvalidScope
	}

	reg := domain.Registration{
		ConnectionID:   connectionID,
		MerchantID:     merchantID,
		UserID:         userID,
		ExpirationTime: ts.Add(r.ttl).UTC(),
	}
	if err := r.store.Put(ctx, reg); err != nil {
		r.metrics.Registrations.WithLabelValues("store_error").Inc()
		slog.ErrorContext(ctx, "Failed to store registration",
			"connection_id", connectionID,
			"merchant_id", merchantID,
			"user_id", userID,
			"error", err,
		)
		return connectionID, nil
	}

	r.metrics.Registrations.WithLabelValues("ok").Inc()
	slog.DebugContext(ctx, "Connection registered", "connection_id", connectionID, "merchant_id", merchantID, "user_id", userID)
	return connectionID, nil
}

// Unregister removes the registration of connectionID. Unknown ids are a no-op.
func (r *Registry) Unregister(ctx context.Context, connectionID string) string {
	slog.InfoContext(ctx, "Removing connection", "connection_id", connectionID)
	if connectionID == "" {
		return connectionID
	}

	if err := r.store.Delete(ctx, connectionID); err != nil {
		r.metrics.Unregistrations.WithLabelValues("store_error").Inc()
		slog.ErrorContext(ctx, "Failed to delete registration", "connection_id", connectionID, "error", err)
		return connectionID
	}

	r.metrics.Unregistrations.WithLabelValues("ok").Inc()
	return connectionID
}

// Resolve returns the broadcast targets for a merchant and user selector.
// It never fails; an empty slice is returned when nothing matches.
func (r *Registry) Resolve(ctx context.Context, merchantID string, selector domain.Selector) []domain.Target {
	if merchantID == "" || selector.Empty() {
		return []domain.Target{}
	}

	if ctx.Err() != nil {
		return []domain.Target{}
	}

	start := r.clock.Now()
	key := merchantID + "\x01" + selector.Key()
	ch := r.resolveGroup.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return r.resolve(shared, merchantID, selector), nil
	})

	var shared []domain.Target
	select {
	case res := <-ch:
		shared = res.Val.([]domain.Target)
	case <-ctx.Done():
		slog.DebugContext(ctx, "Resolve abandoned by caller", "merchant_id", merchantID, "error", ctx.Err())
		return []domain.Target{}
	}

	targets := make([]domain.Target, len(shared))
	copy(targets, shared)

	r.metrics.ResolveDuration.Observe(r.clock.Since(start).Seconds())
	r.metrics.ResolveTargets.Observe(float64(len(targets)))
	return targets
}

func (r *Registry) resolve(ctx context.Context, merchantID string, selector domain.Selector) []domain.Target {
	targets := []domain.Target{}

	if selector.All() {
		found, err := r.scan(ctx, merchantID, "")
		if err != nil {
			slog.ErrorContext(ctx, "Failed to resolve broadcast targets", "merchant_id", merchantID, "error", err)
			return []domain.Target{}
		}
		return append(targets, found...)
	}

	for _, userID := range selector.UserIDs() {
		found, err := r.scan(ctx, merchantID, userID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to resolve broadcast targets",
				"merchant_id", merchantID,
				"user_id", userID,
				"error", err,
			)
			return []domain.Target{}
		}
		targets = append(targets, found...)
	}
	return targets
}

// scan pages through the store for one predicate. A connection yielded twice by
// the store within the same scan is reported once.
func (r *Registry) scan(ctx context.Context, merchantID, userID string) ([]domain.Target, error) {
	var targets []domain.Target
	seen := make(map[string]struct{})
	filter := domain.ScanFilter{MerchantID: merchantID, UserID: userID, Limit: r.pageSize}

	for page := 0; ; page++ {
		if page == r.maxPages {
			r.metrics.ScanLimitHits.Inc()
			slog.WarnContext(ctx, "Registry scan truncated",
				"merchant_id", merchantID,
				"user_id", userID,
				"pages", page,
			)
			return targets, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := r.store.Scan(ctx, filter)
		if err != nil {
			return nil, err
		}

		for _, reg := range result.Registrations {
			if reg.MerchantID != merchantID || (userID != "" && reg.UserID != userID) {
				continue
			}
			if _, dup := seen[reg.ConnectionID]; dup {
				continue
			}
			seen[reg.ConnectionID] = struct{}{}
			targets = append(targets, domain.Target{ConnectionID: reg.ConnectionID, UserID: reg.UserID})
		}

		if result.Next == "" {
			return targets, nil
		}
		filter.Cursor = result.Next
	}
}
