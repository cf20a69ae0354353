// Package httpserver exposes the relay over HTTP: the WebSocket upgrade route,
// the event ingress API, health probes, build info and metrics.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/maddy1092/ottu-ws/internal/platform/config"
)

type broadcaster interface {
	Broadcast(ctx context.Context, raw []byte) ([]domain.Target, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	broadcaster      broadcaster
	websocketHandler http.Handler
	metricsHandler   http.Handler
	httpMetrics      *metrics.HTTPMetrics

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, broadcaster broadcaster, websocketHandler, metricsHandler http.Handler, httpMetrics *metrics.HTTPMetrics, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	srv := &Server{
		echo:             e,
		config:           cfg,
		broadcaster:      broadcaster,
		websocketHandler: websocketHandler,
		metricsHandler:   metricsHandler,
		httpMetrics:      httpMetrics,
		healthChecks:     healthChecks,
		startTime:        time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP lets tests drive the full middleware stack without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// httpErrorHandler renders errors that reach echo, such as unknown routes and
// oversized bodies, in the structured error shape.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		_ = HandleError(c, err)
		return
	}

	apiErr := WrapHTTPError(httpErr)
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(apiErr.HTTPStatus())
		return
	}
	_ = c.JSON(httpErr.Code, apiErr.ToResponse())
}
