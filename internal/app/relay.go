package app

import (
	"context"
	"time"
)

type connectionRegistry interface {
	CreateStub(ctx context.Context, connectionID string)
	Unregister(ctx context.Context, connectionID string) string
}

type messageRouter interface {
	Handle(ctx context.Context, connectionID, raw string) error
}

// unregisterTimeout bounds cleanup after the transport's own context is gone.
const unregisterTimeout = 5 * time.Second

// Relay implements the transport's event callbacks.
type Relay struct {
	registry connectionRegistry
	router   messageRouter
}

func NewRelay(registry connectionRegistry, router messageRouter) *Relay {
	return &Relay{registry: registry, router: router}
}

func (r *Relay) OnConnect(ctx context.Context, connectionID string) {
	r.registry.CreateStub(ctx, connectionID)
}

// OnDisconnect removes the connection's registration. It runs even when ctx is
// already cancelled, since a closing socket usually cancels its request context.
func (r *Relay) OnDisconnect(ctx context.Context, connectionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unregisterTimeout)
	defer cancel()
	r.registry.Unregister(ctx, connectionID)
}

func (r *Relay) OnMessage(ctx context.Context, connectionID, body string) error {
	return r.router.Handle(ctx, connectionID, body)
}
