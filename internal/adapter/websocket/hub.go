package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	"github.com/maddy1092/ottu-ws/internal/domain"
)

var errHubStopped = errors.New("websocket hub stopped")

// --- Command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	connectionID string
	writer       *clientWriter
	errCh        chan error
}

func (cmdRegister) hubCmd() {}

type cmdUnregister struct {
	connectionID string
	writer       *clientWriter
	reason       string
}

func (cmdUnregister) hubCmd() {}

type cmdLookup struct {
	connectionID string
	replyCh      chan *clientWriter
}

func (cmdLookup) hubCmd() {}

type cmdCount struct {
	replyCh chan int
}

func (cmdCount) hubCmd() {}

type cmdStop struct {
	doneCh chan struct{}
}

func (cmdStop) hubCmd() {}

// --- Hub ---

// Hub owns the table of live connections. The table is only touched by the run
// goroutine; every other goroutine talks to it through cmdCh.
type Hub struct {
	cmdCh     chan hubCmd
	stoppedCh chan struct{}
	clients   map[string]*clientWriter
	clock     clockwork.Clock
	metrics   *metrics.WebSocketMetrics
}

func NewHub(clock clockwork.Clock, m *metrics.WebSocketMetrics) *Hub {
	hub := &Hub{
		cmdCh:     make(chan hubCmd, 256),
		stoppedCh: make(chan struct{}),
		clients:   make(map[string]*clientWriter),
		clock:     clock,
		metrics:   m,
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdRegister:
			h.handleRegister(c)
		case cmdUnregister:
			h.handleUnregister(c)
		case cmdLookup:
			c.replyCh <- h.clients[c.connectionID]
		case cmdCount:
			c.replyCh <- len(h.clients)
		case cmdStop:
			h.handleStop()
			close(h.stoppedCh)
			close(c.doneCh)
			return
		}
	}
}

func (h *Hub) handleRegister(c cmdRegister) {
	if existing, ok := h.clients[c.connectionID]; ok {
		// Ids are random UUIDs, so this only happens on a programming error.
		slog.Error("Duplicate connection id, closing previous socket", "connection_id", c.connectionID)
		existing.stop()
		h.metrics.ActiveConnections.Dec()
	}
	h.clients[c.connectionID] = c.writer
	h.metrics.ActiveConnections.Inc()
	c.errCh <- nil
}

func (h *Hub) handleUnregister(c cmdUnregister) {
	cw, ok := h.clients[c.connectionID]
	if !ok || (c.writer != nil && cw != c.writer) {
		return
	}
	delete(h.clients, c.connectionID)
	h.metrics.ActiveConnections.Dec()

	if c.reason != "" {
		// Stopping may wait on a blocked socket write; keep the actor responsive.
		go cw.stopGraceful(c.reason)
	} else {
		go cw.stop()
	}
	slog.Debug("Connection removed from hub", "connection_id", c.connectionID, "remaining", len(h.clients))
}

func (h *Hub) handleStop() {
	var wg sync.WaitGroup
	for id, cw := range h.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cw.stopGraceful("server shutting down")
		}()
		delete(h.clients, id)
		h.metrics.ActiveConnections.Dec()
	}
	wg.Wait()
}

// submit hands cmd to the actor unless the hub is stopped or ctx is done.
func (h *Hub) submit(ctx context.Context, cmd hubCmd) error {
	select {
	case <-h.stoppedCh:
		return errHubStopped
	default:
	}

	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.stoppedCh:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Public API ---

func (h *Hub) register(ctx context.Context, connectionID string, conn *websocket.Conn) (*clientWriter, error) {
	cw := newClientWriter(conn, h.clock, h.metrics)
	errCh := make(chan error, 1)
	if err := h.submit(ctx, cmdRegister{connectionID: connectionID, writer: cw, errCh: errCh}); err != nil {
		cw.stop()
		return nil, err
	}
	select {
	case err := <-errCh:
		return cw, err
	case <-h.stoppedCh:
		cw.stop()
		return nil, errHubStopped
	}
}

func (h *Hub) unregister(connectionID string, cw *clientWriter) {
	if err := h.submit(context.Background(), cmdUnregister{connectionID: connectionID, writer: cw}); err != nil {
		cw.stop()
	}
}

func (h *Hub) lookup(ctx context.Context, connectionID string) (*clientWriter, error) {
	replyCh := make(chan *clientWriter, 1)
	if err := h.submit(ctx, cmdLookup{connectionID: connectionID, replyCh: replyCh}); err != nil {
		return nil, err
	}
	select {
	case cw := <-replyCh:
		return cw, nil
	case <-h.stoppedCh:
		return nil, errHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send queues text for connectionID. It returns domain.ErrDisconnected when the
// connection is unknown or closing, and blocks until the frame is queued or ctx
// is done. A client whose queue stays full past ctx's deadline is evicted.
func (h *Hub) Send(ctx context.Context, connectionID, text string) error {
	cw, err := h.lookup(ctx, connectionID)
	if errors.Is(err, errHubStopped) {
		return domain.ErrDisconnected
	}
	if err != nil {
		return err
	}
	if cw == nil {
		return domain.ErrDisconnected
	}

	err = cw.enqueue(ctx, []byte(text))
	if errors.Is(err, context.DeadlineExceeded) {
		h.metrics.SlowClientsEvicted.Inc()
		slog.WarnContext(ctx, "Evicting slow client", "connection_id", connectionID)
		_ = h.submit(context.Background(), cmdUnregister{connectionID: connectionID, writer: cw, reason: "send buffer full"})
	}
	return err
}

// Disconnect closes a connection from the server side.
func (h *Hub) Disconnect(ctx context.Context, connectionID, reason string) error {
	return h.submit(ctx, cmdUnregister{connectionID: connectionID, reason: reason})
}

// Count returns the number of live connections.
func (h *Hub) Count(ctx context.Context) int {
	replyCh := make(chan int, 1)
	if err := h.submit(ctx, cmdCount{replyCh: replyCh}); err != nil {
		return 0
	}
	select {
	case n := <-replyCh:
		return n
	case <-h.stoppedCh:
		return 0
	case <-ctx.Done():
		return 0
	}
}

// Stop closes every connection with a going-away frame and stops the actor.
func (h *Hub) Stop() {
	doneCh := make(chan struct{})
	if err := h.submit(context.Background(), cmdStop{doneCh: doneCh}); err != nil {
		return
	}
	select {
	case <-doneCh:
	case <-h.stoppedCh:
	}
}
