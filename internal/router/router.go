// Package router classifies inbound envelopes by role and drives the registry
// and dispatcher. It holds no state of its own.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/maddy1092/ottu-ws/internal/platform/correlation"
)

const pong = "pong"

type connectionRegistry interface {
	Register(ctx context.Context, connectionID, merchantID, userID string, ts time.Time) (string, error)
	Resolve(ctx context.Context, merchantID string, selector domain.Selector) []domain.Target
}

type dispatcher interface {
	Send(ctx context.Context, connectionID, text string)
	Broadcast(ctx context.Context, targets []domain.Target, payload domain.Payload) []domain.Target
}

// Router turns inbound envelopes into registry updates, broadcasts and pongs.
type Router struct {
	registry   connectionRegistry
	dispatcher dispatcher
	clock      clockwork.Clock
	metrics    *metrics.RelayMetrics
}

// New creates a Router over the connection registry and dispatcher.
func New(registry connectionRegistry, dispatcher dispatcher, clock clockwork.Clock, m *metrics.RelayMetrics) *Router {
	return &Router{
		registry:   registry,
		dispatcher: dispatcher,
		clock:      clock,
		metrics:    m,
	}
}

// Handle processes one inbound text frame from connectionID.
// Only domain.ErrInvalidScope is returned; every other problem is logged.
func (r *Router) Handle(ctx context.Context, connectionID, raw string) error {
	ctx = correlation.ForMessage(ctx, connectionID)

	if strings.TrimSpace(raw) == "" {
		r.count("empty")
		slog.InfoContext(ctx, "Empty message ignored")
		return nil
	}

	ev, err := domain.ParseEvent([]byte(raw))
	switch {
	case errors.Is(err, domain.ErrMalformedMessage):
		r.count("malformed")
		slog.WarnContext(ctx, "Malformed message ignored", "error", err)
		return nil
	case errors.Is(err, domain.ErrUnknownRole):
		r.count("unknown")
		slog.WarnContext(ctx, "Message with unknown role ignored", "error", err)
		return nil
	}

	switch e := ev.(type) {
	case domain.RegisterEvent:
		r.count(string(domain.RoleFrontend))
		if err != nil {
			slog.InfoContext(ctx, "Registration rejected", "merchant_id", e.MerchantID, "user_id", e.UserID, "error", err)
			return err
		}
		_, err := r.registry.Register(ctx, connectionID, e.MerchantID, e.UserID, r.clock.Now())
		return err

	case domain.BroadcastEvent:
		r.count(string(domain.RoleBackend))
		if err != nil {
			slog.WarnContext(ctx, "Broadcast skipped", "merchant_id", e.MerchantID, "error", err)
			return nil
		}
		r.broadcast(ctx, e)
		return nil

	case domain.PingEvent:
		r.count(string(domain.RolePing))
		r.dispatcher.Send(ctx, connectionID, pong)
		return nil
	}

	return nil
}

// Broadcast accepts a backend envelope from a non-socket ingress and returns the
// resolved target set. Invalid envelopes are reported to the caller.
func (r *Router) Broadcast(ctx context.Context, raw []byte) ([]domain.Target, error) {
	if _, ok := correlation.ID(ctx); !ok {
		ctx = correlation.WithID(ctx, correlation.NewID())
	}

	ev, err := domain.ParseEvent(raw)
	if err != nil && !errors.Is(err, domain.ErrBroadcastScope) {
		r.count("rejected")
		return nil, err
	}

	e, ok := ev.(domain.BroadcastEvent)
	if !ok {
		r.count("rejected")
		return nil, domain.ErrUnexpectedRole
	}
	r.count(string(domain.RoleBackend))
	if err != nil {
		return nil, err
	}

	return r.broadcast(ctx, e), nil
}

func (r *Router) broadcast(ctx context.Context, e domain.BroadcastEvent) []domain.Target {
	targets := r.registry.Resolve(ctx, e.MerchantID, e.Audience)
	if len(targets) == 0 {
		slog.DebugContext(ctx, "No targets for broadcast", "merchant_id", e.MerchantID)
		return targets
	}

	slog.DebugContext(ctx, "Broadcasting", "merchant_id", e.MerchantID, "targets", len(targets))
	return r.dispatcher.Broadcast(ctx, targets, e.Payload)
}

func (r *Router) count(kind string) {
	r.metrics.MessagesHandled.WithLabelValues(kind).Inc()
}
