package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	"github.com/maddy1092/ottu-ws/internal/domain"
	"golang.org/x/sync/errgroup"
)

const defaultSendTimeout = 5 * time.Second

// Unregisterer removes dead connections from the registry.
type Unregisterer interface {
	Unregister(ctx context.Context, connectionID string) string
}

// Config tunes delivery.
type Config struct {
	SendTimeout time.Duration
	Concurrency int
}

// Dispatcher sends redacted payloads over a transport.
type Dispatcher struct {
	transport   domain.Transport
	registry    Unregisterer
	clock       clockwork.Clock
	metrics     *metrics.RelayMetrics
	sendTimeout time.Duration
	concurrency int
}

// New creates a Dispatcher. Zero values in cfg fall back to a 5s send timeout and
// sequential delivery.
func New(transport domain.Transport, registry Unregisterer, clock clockwork.Clock, m *metrics.RelayMetrics, cfg Config) *Dispatcher {
	d := &Dispatcher{
		transport:   transport,
		registry:    registry,
		clock:       clock,
		metrics:     m,
		sendTimeout: cfg.SendTimeout,
		concurrency: cfg.Concurrency,
	}
	if d.sendTimeout <= 0 {
		d.sendTimeout = defaultSendTimeout
	}
	if d.concurrency < 1 {
		d.concurrency = 1
	}
	return d
}

// Send hands text to the transport. A disconnected or timed out connection is
// unregistered. Errors are logged and never returned.
func (d *Dispatcher) Send(ctx context.Context, connectionID, text string) {
	d.deliver(ctx, connectionID, text, "full")
}

// Broadcast sends payload to every target, redacting content.message for users
// outside the allow-list. Every target gets exactly one send attempt.
func (d *Dispatcher) Broadcast(ctx context.Context, targets []domain.Target, payload domain.Payload) []domain.Target {
	if len(targets) == 0 {
		return targets
	}

	if d.concurrency == 1 {
		for _, target := range targets {
			d.broadcastOne(ctx, target, payload)
		}
		return targets
	}

	// Workers never return an error, so one failed target cannot cancel the rest.
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, target := range targets {
		g.Go(func() error {
			d.broadcastOne(ctx, target, payload)
			return nil
		})
	}
	_ = g.Wait()
	return targets
}

func (d *Dispatcher) broadcastOne(ctx context.Context, target domain.Target, payload domain.Payload) {
	allowed := payload.Allowed(target.UserID)
	text, err := payload.Redact(allowed).Encode()
	if err != nil {
		d.metrics.Deliveries.WithLabelValues("error").Inc()
		slog.ErrorContext(ctx, "Failed to encode payload", "connection_id", target.ConnectionID, "error", err)
		return
	}

	outcome := "redacted"
	if allowed {
		outcome = "full"
	}
	d.deliver(ctx, target.ConnectionID, text, outcome)
}

func (d *Dispatcher) deliver(ctx context.Context, connectionID, text, outcome string) {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	start := d.clock.Now()
	err := d.transport.Send(sendCtx, connectionID, text)
	d.metrics.SendDuration.Observe(d.clock.Since(start).Seconds())

	switch {
	case err == nil:
		d.metrics.Deliveries.WithLabelValues(outcome).Inc()

	case errors.Is(err, domain.ErrDisconnected):
		d.metrics.Deliveries.WithLabelValues("disconnected").Inc()
		slog.InfoContext(ctx, "Connection gone, removing", "connection_id", connectionID)
		d.registry.Unregister(context.WithoutCancel(ctx), connectionID)

	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		d.metrics.Deliveries.WithLabelValues("timeout").Inc()
		slog.WarnContext(ctx, "Send timed out, removing connection",
			"connection_id", connectionID,
			"timeout", d.sendTimeout,
		)
		d.registry.Unregister(context.WithoutCancel(ctx), connectionID)

	default:
		d.metrics.Deliveries.WithLabelValues("error").Inc()
		slog.ErrorContext(ctx, "Failed to send message", "connection_id", connectionID, "error", err)
	}
}
