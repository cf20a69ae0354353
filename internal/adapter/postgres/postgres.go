// Package postgres stores connection registrations in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	applicationName    = "ottu-ws"
	schemaVersionTable = "public.ottu_ws_schema_version"
)

// PoolConfig describes the relay's connection pool.
type PoolConfig struct {
	URL string
	// InstanceID is appended to application_name so sessions in
	// pg_stat_activity can be matched to a relay instance.
	InstanceID string
	// MaxConns overrides the pool size when positive.
	MaxConns int32
	Tracer   pgx.QueryTracer
}

func (c PoolConfig) applicationName() string {
	if c.InstanceID == "" {
		return applicationName
	}
	return applicationName + "/" + c.InstanceID
}

// Connect opens a pool for the registry store and verifies it with a ping.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.applicationName()
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.Tracer != nil {
		poolCfg.ConnConfig.Tracer = cfg.Tracer
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Registry database connected",
		"application_name", cfg.applicationName(),
		"sslmode", extractSSLMode(cfg.URL),
		"max_conns", poolCfg.MaxConns,
	)
	return pool, nil
}

func extractSSLMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "unknown"
	}
	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "" {
		return "prefer (default)"
	}
	return mode
}

const (
	// migrationLockID is the advisory lock held while migrating.
	// Value: 0x6f7474757773 ("ottuws" in ASCII hex)
	migrationLockID             = 0x6f7474757773
	migrationLockReleaseTimeout = 5 * time.Second
)

// Migrate brings the registrations schema up to date while holding an
// advisory lock, so instances starting together migrate once. It returns the
// resulting schema version.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int32, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return 0, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), migrationLockReleaseTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			slog.Error("Failed to release migration lock", "error", err)
		}
	}()

	migrator, err := newMigrator(ctx, conn.Conn())
	if err != nil {
		return 0, err
	}

	from, err := migrator.GetCurrentVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return 0, fmt.Errorf("failed to migrate registry schema: %w", err)
	}
	to, err := migrator.GetCurrentVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	if from != to {
		slog.Info("Registry schema migrated", "from", from, "to", to)
	} else {
		slog.Debug("Registry schema up to date", "version", to)
	}
	return to, nil
}

func newMigrator(ctx context.Context, conn *pgx.Conn) (*migrate.Migrator, error) {
	migrationFS, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	migrator, err := migrate.NewMigrator(ctx, conn, schemaVersionTable)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := migrator.LoadMigrations(migrationFS); err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	migrator.OnStart = func(sequence int32, name, direction, _ string) {
		slog.Info("Applying registry migration", "sequence", sequence, "name", name, "direction", direction)
	}
	return migrator, nil
}
