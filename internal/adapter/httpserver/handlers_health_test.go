package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/maddy1092/ottu-ws/internal/adapter/memory"
	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableStore is a registry store whose backend is down.
type unreachableStore struct {
	domain.RegistryStore
}

func (unreachableStore) Ping(context.Context) error {
	return domain.NewStoreError("ping", errors.New("connection refused"))
}

func registryCheck(store domain.RegistryStore) HealthCheck {
	return HealthCheck{Name: "registry_store", Check: store.Ping}
}

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) healthReport {
	t.Helper()
	var report healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	return report
}

func serveHealth(t *testing.T, srv *Server, handler func(*Server, echo.Context) error, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, path, nil), rec)
	require.NoError(t, handler(srv, c))
	return rec
}

func TestHandleStartup_RegistryStoreReachable(t *testing.T) {
	srv := newTestServer(t, withHealthChecks(registryCheck(memory.NewRegistryStore())))

	rec := serveHealth(t, srv, (*Server).handleStartup, "/health/startup")

	assert.Equal(t, http.StatusOK, rec.Code)
	report := decodeReport(t, rec)
	assert.Equal(t, "ready", report.Status)
	assert.Empty(t, report.FailedChecks)
	assert.Equal(t, "ok", report.Checks["registry_store"].Status)
}

func TestHandleStartup_RegistryStoreDown(t *testing.T) {
	srv := newTestServer(t, withHealthChecks(registryCheck(unreachableStore{})))

	rec := serveHealth(t, srv, (*Server).handleStartup, "/health/startup")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	report := decodeReport(t, rec)
	assert.Equal(t, "unhealthy", report.Status)
	assert.Equal(t, []string{"registry_store"}, report.FailedChecks)
	assert.Contains(t, report.Checks["registry_store"].Error, "connection refused")
}

func TestHandleReadiness_ReportsEveryFailingCheck(t *testing.T) {
	relayBusRan := false
	srv := newTestServer(t, withHealthChecks(
		registryCheck(unreachableStore{}),
		HealthCheck{Name: "relay_bus", Check: func(context.Context) error {
			relayBusRan = true
			return errors.New("subscription lost")
		}},
	))

	rec := serveHealth(t, srv, (*Server).handleReadiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, relayBusRan)
	report := decodeReport(t, rec)
	assert.Equal(t, []string{"registry_store", "relay_bus"}, report.FailedChecks)
	assert.Equal(t, "subscription lost", report.Checks["relay_bus"].Error)
}

func TestHandleReadiness_PassesDeadlineToChecks(t *testing.T) {
	var hadDeadline bool
	srv := newTestServer(t, withHealthChecks(HealthCheck{Name: "registry_store", Check: func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	}}))

	rec := serveHealth(t, srv, (*Server).handleReadiness, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, hadDeadline)
}

func TestHandleReadiness_NoChecksIsReady(t *testing.T) {
	srv := newTestServer(t)

	rec := serveHealth(t, srv, (*Server).handleReadiness, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{}}`, rec.Body.String())
}

func TestHandleLiveness_IgnoresDependencies(t *testing.T) {
	srv := newTestServer(t, withHealthChecks(registryCheck(unreachableStore{})))

	rec := serveHealth(t, srv, (*Server).handleLiveness, "/health/live")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"uptime"`)
}

func TestHandleVersion(t *testing.T) {
	srv := newTestServer(t)

	rec := serveHealth(t, srv, (*Server).handleVersion, "/version")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"version"`)
	assert.Contains(t, body, `"commit"`)
	assert.Contains(t, body, `"service":"ottu-ws"`)
}

func TestHealthRoutesThroughRouter(t *testing.T) {
	srv := newTestServer(t, withHealthChecks(registryCheck(memory.NewRegistryStore())))

	for _, path := range []string{"/health/live", "/health/ready", "/health/startup", "/version"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
