package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/maddy1092/ottu-ws/internal/adapter/httpserver"
	"github.com/maddy1092/ottu-ws/internal/adapter/memory"
	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	"github.com/maddy1092/ottu-ws/internal/adapter/postgres"
	"github.com/maddy1092/ottu-ws/internal/adapter/redis"
	"github.com/maddy1092/ottu-ws/internal/adapter/websocket"
	"github.com/maddy1092/ottu-ws/internal/app"
	"github.com/maddy1092/ottu-ws/internal/dispatch"
	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/maddy1092/ottu-ws/internal/platform/config"
	"github.com/maddy1092/ottu-ws/internal/platform/logging"
	"github.com/maddy1092/ottu-ws/internal/platform/retry"
	"github.com/maddy1092/ottu-ws/internal/platform/version"
	"github.com/maddy1092/ottu-ws/internal/registry"
	"github.com/maddy1092/ottu-ws/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func connectPolicy(clock clockwork.Clock, what string) retry.Policy {
	return retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Clock:          clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Connection attempt failed, retrying", "target", what, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

type storeResult struct {
	store domain.RegistryStore
	// redis is set for the redis backend only.
	redis *goredis.Client
	close func()
}

// setupStore connects the configured registry backend.
func setupStore(cfg *config.Config, clock clockwork.Clock, reg prometheus.Registerer) storeResult {
	ctx, cancel := context.WithTimeout(context.Background(), 3*connectTimeout)
	defer cancel()

	storeMetrics := metrics.NewStoreMetrics(reg)

	switch cfg.RegistryBackend {
	case config.BackendRedis:
		breaker := redis.NewCircuitBreakerHook(storeMetrics, redis.CircuitBreakerConfig{})
		client, err := retry.Do(ctx, connectPolicy(clock, "redis"), nil, func(ctx context.Context) (*goredis.Client, error) {
			return redis.NewClient(ctx, cfg.RedisURL, redis.NewMetricsHook(storeMetrics), breaker)
		})
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("Registry store ready", "backend", cfg.RegistryBackend, "namespace", cfg.RegistryNamespace)
		return storeResult{
			store: redis.NewRegistryStore(client, cfg.RegistryNamespace),
			redis: client,
			close: func() { _ = client.Close() },
		}

	case config.BackendPostgres:
		pool, err := retry.Do(ctx, connectPolicy(clock, "postgres"), nil, func(ctx context.Context) (*pgxpool.Pool, error) {
			return postgres.Connect(ctx, postgres.PoolConfig{
				URL:        cfg.DatabaseURL,
				InstanceID: cfg.InstanceID,
				Tracer:     postgres.NewMetricsTracer(storeMetrics),
			})
		})
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		if _, err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("Registry store ready", "backend", cfg.RegistryBackend, "namespace", cfg.RegistryNamespace)
		return storeResult{store: postgres.NewRegistryStore(pool, cfg.RegistryNamespace, storeMetrics), close: pool.Close}

	default:
		slog.Warn("Using in-memory registry store; registrations are lost on restart and not shared between instances")
		return storeResult{store: memory.NewRegistryStore(), close: func() {}}
	}
}

func runGracefulShutdown(srv *httpserver.Server, hub *websocket.Hub, wsHandler *websocket.Handler) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Close sockets first so their disconnect handlers run while the
		// store is still reachable.
		hub.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		// Hijacked sockets are not tracked by the server; wait for their
		// disconnect callbacks before the store is closed.
		if err := wsHandler.Wait(shutdownCtx); err != nil {
			slog.Warn("Timed out waiting for WebSocket disconnect handlers", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Get().String(), "env", cfg.AppEnv, "port", cfg.Port, "backend", cfg.RegistryBackend)

	promRegistry := metrics.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(promRegistry)
	wsMetrics := metrics.NewWebSocketMetrics(promRegistry)
	httpMetrics := metrics.NewHTTPMetrics(promRegistry)

	st := setupStore(cfg, clock, promRegistry)
	defer st.close()

	reg := registry.New(st.store, clock, relayMetrics, registry.Config{
		RegistrationTTL: cfg.RegistrationTTL,
		PageSize:        cfg.ScanPageSize,
		MaxScanPages:    cfg.MaxScanPages,
	})

	hub := websocket.NewHub(clock, wsMetrics)

	var (
		transport    domain.Transport = hub
		newID        func() string
		healthChecks = []httpserver.HealthCheck{
			{Name: "registry_store", Check: st.store.Ping},
		}
	)
	if cfg.RelayBus {
		bus := redis.NewRelayBus(st.redis, cfg.RegistryNamespace, cfg.InstanceID, hub, cfg.SendTimeout)
		bus.OnGone(func(ctx context.Context, connectionID string) {
			reg.Unregister(ctx, connectionID)
		})
		busCtx, stopBus := context.WithCancel(context.Background())
		defer stopBus()
		go func() {
			if err := bus.Run(busCtx); err != nil {
				slog.Error("Relay bus stopped", "error", err)
			}
		}()
		transport = bus
		newID = bus.NewConnectionID
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "relay_bus", Check: bus.Ping})
		slog.Info("Relay bus enabled", "instance_id", bus.InstanceID())
	}

	dispatcher := dispatch.New(transport, reg, clock, relayMetrics, dispatch.Config{
		SendTimeout: cfg.SendTimeout,
		Concurrency: cfg.BroadcastConcurrency,
	})
	msgRouter := router.New(reg, dispatcher, clock, relayMetrics)
	relay := app.NewRelay(reg, msgRouter)

	wsHandler := websocket.NewHandler(hub, relay, websocket.HandlerConfig{
		AllowedOrigins: cfg.Origins(),
		IsDevelopment:  cfg.IsDevelopment(),
		MaxConnections: int64(cfg.MaxWebSocketConnections),
		NewID:          newID,
	})

	srv := httpserver.NewServer(cfg, msgRouter, wsHandler, metrics.Handler(promRegistry), httpMetrics, healthChecks)

	done := runGracefulShutdown(srv, hub, wsHandler)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
