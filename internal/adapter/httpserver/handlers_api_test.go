package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maddy1092/ottu-ws/internal/domain"
	apperrors "github.com/maddy1092/ottu-ws/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const backendEnvelope = `{"id":{"type":"backend","merchant_id":"staging.ottu.dev"},"audience":{"data":"__all__","message":[72]},"content":{"message":"paid"}}`

func postEvent(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHandleEvent_ReturnsTargets(t *testing.T) {
	b := &fakeBroadcaster{targets: []domain.Target{
		{ConnectionID: "1092", UserID: "72"},
		{ConnectionID: "1093", UserID: "99"},
	}}
	srv := newTestServer(t, withBroadcaster(b))

	rec := postEvent(t, srv, backendEnvelope)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"targets":[{"cid":"1092","user_id":"72"},{"cid":"1093","user_id":"99"}],"count":2}`, rec.Body.String())
	require.Len(t, b.got, 1)
	assert.Equal(t, backendEnvelope, string(b.got[0]))
}

func TestHandleEvent_NoTargetsIsEmptyArray(t *testing.T) {
	srv := newTestServer(t, withBroadcaster(&fakeBroadcaster{}))

	rec := postEvent(t, srv, backendEnvelope)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"targets":[],"count":0}`, rec.Body.String())
}

func TestHandleEvent_RejectsInvalidEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"missing scope", domain.ErrBroadcastScope},
		{"malformed", domain.ErrMalformedMessage},
		{"unknown role", domain.ErrUnknownRole},
		{"wrong role", domain.ErrUnexpectedRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, withBroadcaster(&fakeBroadcaster{err: tt.err}))

			rec := postEvent(t, srv, backendEnvelope)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, apperrors.TypeValidation, resp.Type)
			assert.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}

func TestHandleEvent_EmptyBody(t *testing.T) {
	b := &fakeBroadcaster{}
	srv := newTestServer(t, withBroadcaster(b))

	rec := postEvent(t, srv, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, b.got)
}

func TestHandleEvent_BodyTooLarge(t *testing.T) {
	b := &fakeBroadcaster{}
	srv := newTestServer(t, withBroadcaster(b))

	rec := postEvent(t, srv, `{"pad":"`+strings.Repeat("x", 200*1024)+`"}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.TypeValidation, resp.Type)
	assert.Empty(t, b.got)
}

func TestHandleEvent_UnexpectedFailure(t *testing.T) {
	srv := newTestServer(t, withBroadcaster(&fakeBroadcaster{err: errors.New("boom")}))

	rec := postEvent(t, srv, backendEnvelope)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"internal"`)
}

func TestUnknownRouteIsStructured(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"not_found"`)
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "abc12345")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, "abc12345", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}

func TestMetricsRoute(t *testing.T) {
	srv := newTestServer(t, withMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ottu_ws_up 1\n"))
	})))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ottu_ws_up 1")
}
