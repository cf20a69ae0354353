package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// CircuitBreakerHook fails Redis calls fast while Redis is unhealthy. Registry
// operations already degrade to safe defaults, so an open circuit only saves the
// caller from waiting on timeouts.
type CircuitBreakerHook struct {
	cb circuitbreaker.CircuitBreaker[any]
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// CircuitBreakerConfig tunes the breaker. Zero values use the defaults:
// 60% failures over at least 5 calls in 10s opens, 30s delay before half-open.
type CircuitBreakerConfig struct {
	FailureRate      float64
	MinExecutions    uint
	FailurePeriod    time.Duration
	Delay            time.Duration
	SuccessThreshold uint
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureRate <= 0 {
		c.FailureRate = 0.6
	}
	if c.MinExecutions == 0 {
		c.MinExecutions = 5
	}
	if c.FailurePeriod <= 0 {
		c.FailurePeriod = 10 * time.Second
	}
	if c.Delay <= 0 {
		c.Delay = 30 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	return c
}

func NewCircuitBreakerHook(m *metrics.StoreMetrics, cfg CircuitBreakerConfig) *CircuitBreakerHook {
	cfg = cfg.withDefaults()
	m.CircuitState.WithLabelValues(backendName).Set(stateToFloat(circuitbreaker.ClosedState))

	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(cfg.FailureRate, cfg.MinExecutions, cfg.FailurePeriod).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(cfg.SuccessThreshold).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", backendName,
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			m.CircuitStateChanges.WithLabelValues(backendName, e.NewState.String()).Inc()
			m.CircuitState.WithLabelValues(backendName).Set(stateToFloat(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{cb: cb}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, err
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, goredis.Nil) && !isScriptMiss(err) {
			h.cb.RecordError(err)
		} else {
			h.cb.RecordSuccess()
		}
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return err
		}
		h.cb.RecordSuccess()
		return err
	}
}

// isScriptMiss reports the NOSCRIPT reply that Script.Run answers by falling
// back to EVAL. It is not a sign of an unhealthy server.
func isScriptMiss(err error) bool {
	return goredis.HasErrorPrefix(err, "NOSCRIPT")
}

// State returns the current breaker state.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
