package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Registry backends.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	RegistryBackend   string `env:"REGISTRY_BACKEND" default:"redis"`
	RedisURL          string `env:"REDIS_URL"`
	DatabaseURL       string `env:"DATABASE_URL"`
	RegistryNamespace string `env:"REGISTRY_NAMESPACE" default:"OttuWsNotify"`
	RelayBus          bool   `env:"RELAY_BUS" default:"false"`
	InstanceID        string `env:"INSTANCE_ID"`

	RegistrationTTL      time.Duration `env:"REGISTRATION_TTL" default:"2h"`
	SendTimeout          time.Duration `env:"SEND_TIMEOUT" default:"5s"`
	BroadcastConcurrency int           `env:"BROADCAST_CONCURRENCY" default:"1"`
	ScanPageSize         int           `env:"SCAN_PAGE_SIZE" default:"100"`
	MaxScanPages         int           `env:"MAX_SCAN_PAGES" default:"1000"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	WSRateLimit             float64 `env:"WS_RATE_LIMIT" default:"10"`
	WSRateBurst             int     `env:"WS_RATE_BURST" default:"20"`
	AllowedOrigins          string  `env:"ALLOWED_ORIGINS"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Origins returns ALLOWED_ORIGINS split on commas, with blanks dropped.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func validate(cfg *Config) error {
	switch cfg.RegistryBackend {
	case BackendRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("REGISTRY_BACKEND must be one of redis, postgres, memory, got %q", cfg.RegistryBackend)
	}

	if cfg.RegistryNamespace == "" {
		return errors.New("REGISTRY_NAMESPACE must not be empty")
	}
	if cfg.RelayBus && cfg.RegistryBackend != BackendRedis {
		return errors.New("RELAY_BUS requires REGISTRY_BACKEND=redis")
	}
	if strings.Contains(cfg.InstanceID, ".") {
		return errors.New("INSTANCE_ID must not contain '.'")
	}
	if cfg.RegistrationTTL <= 0 {
		return errors.New("REGISTRATION_TTL must be positive")
	}
	if cfg.SendTimeout <= 0 {
		return errors.New("SEND_TIMEOUT must be positive")
	}
	if cfg.BroadcastConcurrency < 1 {
		return errors.New("BROADCAST_CONCURRENCY must be at least 1")
	}
	if cfg.ScanPageSize < 1 || cfg.ScanPageSize > 1000 {
		return errors.New("SCAN_PAGE_SIZE must be between 1 and 1000")
	}
	if cfg.MaxScanPages < 1 {
		return errors.New("MAX_SCAN_PAGES must be at least 1")
	}
	if cfg.MaxWebSocketConnections < 1 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be at least 1")
	}
	if cfg.WSRateLimit <= 0 || cfg.WSRateBurst < 1 {
		return errors.New("WS_RATE_LIMIT and WS_RATE_BURST must be positive")
	}

	return nil
}
