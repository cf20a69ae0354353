// Command registry-dump prints the registrations of one merchant as JSON lines
// and can purge those whose advisory expiration has passed. It reads the Redis
// or Postgres registry store, chosen with -backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	"github.com/maddy1092/ottu-ws/internal/adapter/postgres"
	"github.com/maddy1092/ottu-ws/internal/adapter/redis"
	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/maddy1092/ottu-ws/internal/platform/config"
)

const scanCount = 100

type options struct {
	merchantID   string
	userID       string
	purgeExpired bool
	dryRun       bool
}

type summary struct {
	scanned int
	expired int
	purged  int
}

type storeOptions struct {
	backend     string
	redisURL    string
	databaseURL string
	namespace   string
}

var errMissingURL = errors.New("store URL required")

func main() {
	var (
		backend      = flag.String("backend", envOr("REGISTRY_BACKEND", config.BackendRedis), "Registry backend: redis or postgres")
		redisURL     = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		databaseURL  = flag.String("database", os.Getenv("DATABASE_URL"), "Postgres URL (or set DATABASE_URL env)")
		namespace    = flag.String("namespace", envOr("REGISTRY_NAMESPACE", "OttuWsNotify"), "Registry key namespace")
		merchantID   = flag.String("merchant", "", "Merchant id to dump (required)")
		userID       = flag.String("user", "", "Restrict to one user id")
		purgeExpired = flag.Bool("purge-expired", false, "Delete registrations whose expiration time has passed")
		dryRun       = flag.Bool("dry-run", false, "Report what -purge-expired would delete without deleting")
		verbose      = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *merchantID == "" {
		log.Fatal("Merchant id required (--merchant)")
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, storeOptions{
		backend:     *backend,
		redisURL:    *redisURL,
		databaseURL: *databaseURL,
		namespace:   *namespace,
	})
	if err != nil {
		log.Fatalf("Failed to open registry store: %v", err)
	}
	defer closeStore()

	opts := options{merchantID: *merchantID, userID: *userID, purgeExpired: *purgeExpired, dryRun: *dryRun}

	start := time.Now()
	sum, err := dump(ctx, store, opts, time.Now(), os.Stdout)
	if err != nil {
		log.Fatalf("Dump failed: %v", err)
	}
	slog.Info("Dump summary",
		"scanned", sum.scanned,
		"expired", sum.expired,
		"purged", sum.purged,
		"dry_run", opts.dryRun,
		"duration_ms", time.Since(start).Milliseconds())
}

// openStore connects to the registry store named by o.backend. Postgres is
// read as-is: the tool never runs migrations.
func openStore(ctx context.Context, o storeOptions) (domain.RegistryStore, func(), error) {
	switch o.backend {
	case config.BackendRedis:
		if o.redisURL == "" {
			return nil, nil, fmt.Errorf("%w: --redis or REDIS_URL", errMissingURL)
		}
		rdb, err := redis.NewClient(ctx, o.redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		slog.Info("Connected to Redis", "url", sanitizeURL(o.redisURL), "namespace", o.namespace)
		return redis.NewRegistryStore(rdb, o.namespace), func() { _ = rdb.Close() }, nil

	case config.BackendPostgres:
		if o.databaseURL == "" {
			return nil, nil, fmt.Errorf("%w: --database or DATABASE_URL", errMissingURL)
		}
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{URL: o.databaseURL, InstanceID: "registry-dump", MaxConns: 2})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		slog.Info("Connected to Postgres", "url", sanitizeURL(o.databaseURL), "namespace", o.namespace)
		storeMetrics := metrics.NewStoreMetrics(metrics.NewRegistry())
		return postgres.NewRegistryStore(pool, o.namespace, storeMetrics), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported backend %q: want %s or %s", o.backend, config.BackendRedis, config.BackendPostgres)
	}
}

// dump writes every registration matching opts to w, one JSON object per line.
// A connection the store yields on more than one page is written once.
func dump(ctx context.Context, store domain.RegistryStore, opts options, now time.Time, w io.Writer) (summary, error) {
	var sum summary
	enc := json.NewEncoder(w)
	seen := make(map[string]struct{})
	filter := domain.ScanFilter{MerchantID: opts.merchantID, UserID: opts.userID, Limit: scanCount}

	for {
		page, err := store.Scan(ctx, filter)
		if err != nil {
			return sum, fmt.Errorf("scan failed: %w", err)
		}

		for _, reg := range page.Registrations {
			if _, dup := seen[reg.ConnectionID]; dup {
				continue
			}
			seen[reg.ConnectionID] = struct{}{}
			sum.scanned++

			expired := !reg.ExpirationTime.IsZero() && reg.ExpirationTime.Before(now)
			if err := enc.Encode(newRecord(reg, expired)); err != nil {
				return sum, fmt.Errorf("failed to write record: %w", err)
			}
			if !expired {
				continue
			}
			sum.expired++

			if !opts.purgeExpired || opts.dryRun {
				continue
			}
			if err := store.Delete(ctx, reg.ConnectionID); err != nil {
				return sum, fmt.Errorf("delete %s: %w", reg.ConnectionID, err)
			}
			slog.Debug("Purged expired registration", "connection_id", reg.ConnectionID)
			sum.purged++
		}

		if page.Next == "" {
			return sum, nil
		}
		filter.Cursor = page.Next
	}
}

type record struct {
	ConnectionID   string     `json:"cid"`
	MerchantID     string     `json:"merchant_id"`
	UserID         string     `json:"user_id"`
	ExpirationTime *time.Time `json:"expiration_time,omitempty"`
	Expired        bool       `json:"expired"`
}

func newRecord(reg domain.Registration, expired bool) record {
	r := record{
		ConnectionID: reg.ConnectionID,
		MerchantID:   reg.MerchantID,
		UserID:       reg.UserID,
		Expired:      expired,
	}
	if !reg.ExpirationTime.IsZero() {
		ts := reg.ExpirationTime.UTC()
		r.ExpirationTime = &ts
	}
	return r
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "xxx")
	}
	return u.String()
}
