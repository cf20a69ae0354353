package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/maddy1092/ottu-ws/internal/domain"
	apperrors "github.com/maddy1092/ottu-ws/internal/platform/errors"
)

// Events receives the lifecycle of every connection accepted by the Handler.
type Events interface {
	OnConnect(ctx context.Context, connectionID string)
	OnDisconnect(ctx context.Context, connectionID string)
	OnMessage(ctx context.Context, connectionID, body string) error
}

// HandlerConfig configures the upgrade endpoint.
type HandlerConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
	MaxConnections int64
	// NewID assigns connection ids; uuid.NewString when nil.
	NewID func() string
}

// Handler upgrades HTTP requests to WebSocket connections, registers them with
// the Hub and feeds their text frames to Events.
type Handler struct {
	hub      *Hub
	events   Events
	limiter  *ConnectionLimiter
	upgrader websocket.Upgrader
	newID    func() string
	active   sync.WaitGroup
}

func NewHandler(hub *Hub, events Events, cfg HandlerConfig) *Handler {
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Handler{
		newID:   newID,
		hub:     hub,
		events:  events,
		limiter: NewConnectionLimiter(cfg.MaxConnections),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     NewCheckOrigin(cfg.AllowedOrigins, cfg.IsDevelopment),
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Acquire() {
		h.hub.metrics.RejectedConnections.WithLabelValues("capacity").Inc()
		slog.Warn("WebSocket connection rejected: at capacity", "max", h.limiter.Max(), "remote_addr", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer h.limiter.Release()
	h.active.Add(1)
	defer h.active.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.hub.metrics.RejectedConnections.WithLabelValues("upgrade").Inc()
		slog.Debug("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	// Detached from the request so server shutdown does not cancel cleanup.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	connectionID := h.newID()
	cw, err := h.hub.register(ctx, connectionID, conn)
	if err != nil {
		slog.Error("Failed to register connection", "error", err)
		_ = conn.Close()
		return
	}

	h.events.OnConnect(ctx, connectionID)
	h.readLoop(ctx, connectionID, cw)
	h.hub.unregister(connectionID, cw)
	h.events.OnDisconnect(ctx, connectionID)
}

// Wait blocks until every accepted connection has finished its disconnect
// callback, or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) readLoop(ctx context.Context, connectionID string, cw *clientWriter) {
	for {
		messageType, data, err := cw.connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("WebSocket read failed", "connection_id", connectionID, "error", err)
			}
			return
		}
		cw.updateReadDeadline()

		if messageType != websocket.TextMessage {
			continue
		}
		h.hub.metrics.FramesReceived.Inc()

		err = h.events.OnMessage(ctx, connectionID, string(data))
		if errors.Is(err, domain.ErrInvalidScope) {
			h.sendErrorFrame(ctx, connectionID, cw, err)
		} else if err != nil {
			slog.Error("Message handling failed", "connection_id", connectionID, "error", err)
		}
	}
}

func (h *Handler) sendErrorFrame(ctx context.Context, connectionID string, cw *clientWriter, cause error) {
	frame, err := json.Marshal(apperrors.AsStructuredError(cause).ToResponse())
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()
	if err := cw.enqueue(ctx, frame); err != nil {
		slog.Debug("Failed to send error frame", "connection_id", connectionID, "error", err)
	}
}
