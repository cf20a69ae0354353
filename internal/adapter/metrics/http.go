package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Routes the HTTP metrics track. Health checks, build info and the scrape endpoint
// are left out.
const (
	RouteEvents    = "/api/events"
	RouteWebSocket = "/ws"
)

// HTTPMetrics holds Prometheus metrics for the event ingress API and the
// WebSocket upgrade endpoint.
type HTTPMetrics struct {
	EventRequests     *prometheus.CounterVec
	EventDuration     prometheus.Histogram
	EventsInFlight    prometheus.Gauge
	WebSocketUpgrades *prometheus.CounterVec
	NotFoundRequests  prometheus.Counter
}

// NewHTTPMetrics creates and registers HTTP metrics on the given registry.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		EventRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "event_requests_total",
			Help:      "Total number of POST /api/events requests, by status code.",
		}, []string{"status_code"}),
		EventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "event_request_duration_seconds",
			Help:      "Duration of POST /api/events requests, including resolve and fan-out.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		EventsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "event_requests_in_flight",
			Help:      "Number of event ingress requests currently being broadcast.",
		}),
		WebSocketUpgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "websocket_upgrades_total",
			Help:      "Total number of WebSocket upgrade attempts, by outcome.",
		}, []string{"outcome"}),
		NotFoundRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "not_found_requests_total",
			Help:      "Total number of requests answered with 404.",
		}),
	}

	reg.MustRegister(m.EventRequests, m.EventDuration, m.EventsInFlight, m.WebSocketUpgrades, m.NotFoundRequests)
	return m
}

// Middleware returns an Echo middleware that records ingress and upgrade
// metrics. The upgrade handler blocks for the socket's lifetime, so /ws is
// counted by outcome only.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			switch c.Path() {
			case RouteEvents:
				return m.observeEvent(c, next)
			case RouteWebSocket:
				err := next(c)
				m.WebSocketUpgrades.WithLabelValues(upgradeOutcome(statusOf(c, err))).Inc()
				return err
			}
			err := next(c)
			if statusOf(c, err) == http.StatusNotFound {
				m.NotFoundRequests.Inc()
			}
			return err
		}
	}
}

func (m *HTTPMetrics) observeEvent(c echo.Context, next echo.HandlerFunc) error {
	m.EventsInFlight.Inc()
	defer m.EventsInFlight.Dec()

	timer := prometheus.NewTimer(m.EventDuration)
	err := next(c)
	timer.ObserveDuration()

	m.EventRequests.WithLabelValues(strconv.Itoa(statusOf(c, err))).Inc()
	return err
}

// statusOf returns the status the client will see. A handler error has not been
// rendered yet when the middleware runs.
func statusOf(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		if !c.Response().Committed {
			return http.StatusInternalServerError
		}
	}
	return c.Response().Status
}

func upgradeOutcome(status int) string {
	switch {
	case status < http.StatusMultipleChoices:
		// A hijacked connection never reports 101 through the echo response.
		return "upgraded"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusServiceUnavailable:
		return "capacity"
	case status == http.StatusForbidden:
		return "origin_rejected"
	default:
		return "rejected"
	}
}
