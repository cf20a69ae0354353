package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/maddy1092/ottu-ws/internal/platform/version"
)

const (
	startupCheckTimeout   = 2 * time.Second
	readinessCheckTimeout = 5 * time.Second
)

// HealthCheck is a named dependency check run by the startup and readiness
// endpoints.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupCheckTimeout)
	defer cancel()

	return s.runHealthChecks(c, ctx)
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}

	return nil
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessCheckTimeout)
	defer cancel()

	return s.runHealthChecks(c, ctx)
}

type checkResult struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

type healthReport struct {
	Status       string                 `json:"status"`
	FailedChecks []string               `json:"failed_checks,omitempty"`
	Checks       map[string]checkResult `json:"checks"`
}

// runHealthChecks runs every check so one report shows all failing
// dependencies, not just the first.
func (s *Server) runHealthChecks(c echo.Context, ctx context.Context) error {
	report := healthReport{Status: "ready", Checks: make(map[string]checkResult, len(s.healthChecks))}

	for _, hc := range s.healthChecks {
		start := time.Now()
		err := hc.Check(ctx)
		result := checkResult{Status: "ok", LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
		if err != nil {
			slog.WarnContext(ctx, "Health check failed", "check", hc.Name, "error", err)
			result.Status = "error"
			result.Error = err.Error()
			report.Status = "unhealthy"
			report.FailedChecks = append(report.FailedChecks, hc.Name)
		}
		report.Checks[hc.Name] = result
	}

	status := http.StatusOK
	if report.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	if err := c.JSON(status, report); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
