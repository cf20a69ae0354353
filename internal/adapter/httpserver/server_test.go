package httpserver

import (
	"context"
	"net/http"
	"testing"

	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/maddy1092/ottu-ws/internal/platform/config"
)

type fakeBroadcaster struct {
	targets []domain.Target
	err     error
	got     [][]byte
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, raw []byte) ([]domain.Target, error) {
	f.got = append(f.got, raw)
	return f.targets, f.err
}

type serverOption func(*serverDeps)

type serverDeps struct {
	cfg          *config.Config
	broadcaster  broadcaster
	websocket    http.Handler
	metrics      http.Handler
	httpMetrics  *metrics.HTTPMetrics
	healthChecks []HealthCheck
}

func withHealthChecks(checks ...HealthCheck) serverOption {
	return func(d *serverDeps) { d.healthChecks = checks }
}

func withBroadcaster(b broadcaster) serverOption {
	return func(d *serverDeps) { d.broadcaster = b }
}

func withWebSocket(h http.Handler) serverOption {
	return func(d *serverDeps) { d.websocket = h }
}

func withMetricsHandler(h http.Handler) serverOption {
	return func(d *serverDeps) { d.metrics = h }
}

func withHTTPMetrics(m *metrics.HTTPMetrics) serverOption {
	return func(d *serverDeps) { d.httpMetrics = m }
}

func withRateLimit(ratePerSecond float64, burst int) serverOption {
	return func(d *serverDeps) {
		d.cfg.WSRateLimit = ratePerSecond
		d.cfg.WSRateBurst = burst
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *Server {
	t.Helper()
	deps := &serverDeps{
		cfg: &config.Config{
			AppEnv:      "test",
			Port:        "0",
			WSRateLimit: 100,
			WSRateBurst: 100,
		},
		broadcaster: &fakeBroadcaster{},
		websocket: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusSwitchingProtocols)
		}),
	}
	for _, opt := range opts {
		opt(deps)
	}
	return NewServer(deps.cfg, deps.broadcaster, deps.websocket, deps.metrics, deps.httpMetrics, deps.healthChecks)
}
