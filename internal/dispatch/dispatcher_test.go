package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Test doubles ---

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, connectionID, text string) error {
	args := m.Called(ctx, connectionID, text)
	return args.Error(0)
}

type recordingRegistry struct {
	mu      sync.Mutex
	removed []string
}

func (r *recordingRegistry) Unregister(_ context.Context, connectionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, connectionID)
	return connectionID
}

func (r *recordingRegistry) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

// --- Helpers ---

func newTestDispatcher(t *testing.T, transport domain.Transport, cfg Config) (*Dispatcher, *recordingRegistry, *metrics.RelayMetrics) {
	t.Helper()
	reg := &recordingRegistry{}
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	return New(transport, reg, clockwork.NewRealClock(), m, cfg), reg, m
}

func reportPayload(t *testing.T) domain.Payload {
	t.Helper()
	ev, err := domain.ParseEvent([]byte(`{
		"id": {"type": "backend", "merchant_id": "staging.ottu.dev"},
		"audience": {"data": "__all__", "message": [72]},
		"content": {"message": "Payment captured", "amount": "10.000"},
		"order_no": "A-1"
	}`))
	require.NoError(t, err)
	return ev.(domain.BroadcastEvent).Payload
}

func decode(t *testing.T, text string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

// --- Send ---

func TestSend_Delivers(t *testing.T) {
	transport := new(mockTransport)
	transport.On("Send", mock.Anything, "1092", "pong").Return(nil).Once()
	d, reg, m := newTestDispatcher(t, transport, Config{})

	d.Send(context.Background(), "1092", "pong")

	transport.AssertExpectations(t)
	assert.Empty(t, reg.Removed())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("full")))
}

func TestSend_DisconnectedUnregisters(t *testing.T) {
	transport := new(mockTransport)
	transport.On("Send", mock.Anything, "gone", "pong").Return(fmt.Errorf("post: %w", domain.ErrDisconnected))
	d, reg, m := newTestDispatcher(t, transport, Config{})

	d.Send(context.Background(), "gone", "pong")

	assert.Equal(t, []string{"gone"}, reg.Removed())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("disconnected")))
}

func TestSend_TimeoutUnregisters(t *testing.T) {
	transport := new(mockTransport)
	transport.On("Send", mock.Anything, "stuck", "pong").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.DeadlineExceeded)
	d, reg, m := newTestDispatcher(t, transport, Config{SendTimeout: 20 * time.Millisecond})

	d.Send(context.Background(), "stuck", "pong")

	assert.Equal(t, []string{"stuck"}, reg.Removed())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("timeout")))
}

func TestSend_CallerCancellationDoesNotUnregister(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	transport := new(mockTransport)
	transport.On("Send", mock.Anything, "1092", "pong").Return(context.DeadlineExceeded)
	d, reg, m := newTestDispatcher(t, transport, Config{})

	d.Send(ctx, "1092", "pong")

	assert.Empty(t, reg.Removed())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("error")))
}

func TestSend_OtherErrorIsSwallowed(t *testing.T) {
	transport := new(mockTransport)
	transport.On("Send", mock.Anything, "1092", "pong").Return(errors.New("throttled"))
	d, reg, m := newTestDispatcher(t, transport, Config{})

	d.Send(context.Background(), "1092", "pong")

	assert.Empty(t, reg.Removed())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("error")))
}

// --- Broadcast ---

func TestBroadcast_RedactsPerRecipient(t *testing.T) {
	payload := reportPayload(t)
	sent := map[string]string{}
	transport := new(mockTransport)
	transport.On("Send", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent[args.String(1)] = args.String(2) }).
		Return(nil)
	d, _, m := newTestDispatcher(t, transport, Config{})

	targets := []domain.Target{
		{ConnectionID: "a", UserID: "72"},
		{ConnectionID: "b", UserID: "99"},
	}
	got := d.Broadcast(context.Background(), targets, payload)

	assert.Equal(t, targets, got)
	require.Len(t, sent, 2)

	full := decode(t, sent["a"])
	redacted := decode(t, sent["b"])
	assert.Equal(t, "Payment captured", full["content"].(map[string]any)["message"])
	assert.NotContains(t, redacted["content"].(map[string]any), "message")

	delete(full["content"].(map[string]any), "message")
	assert.Equal(t, full, redacted)

	assert.Equal(t, "Payment captured", payload["content"].(map[string]any)["message"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("redacted")))
}

func TestBroadcast_FailureIsolated(t *testing.T) {
	transport := new(mockTransport)
	transport.On("Send", mock.Anything, "a", mock.Anything).Return(domain.ErrDisconnected).Once()
	transport.On("Send", mock.Anything, "b", mock.Anything).Return(errors.New("boom")).Once()
	transport.On("Send", mock.Anything, "c", mock.Anything).Return(nil).Once()
	d, reg, _ := newTestDispatcher(t, transport, Config{})

	d.Broadcast(context.Background(), []domain.Target{
		{ConnectionID: "a", UserID: "72"},
		{ConnectionID: "b", UserID: "72"},
		{ConnectionID: "c", UserID: "72"},
	}, reportPayload(t))

	transport.AssertExpectations(t)
	assert.Equal(t, []string{"a"}, reg.Removed())
}

func TestBroadcast_DuplicateConnectionsAllReceive(t *testing.T) {
	transport := new(mockTransport)
	transport.On("Send", mock.Anything, "a", mock.Anything).Return(nil).Twice()
	d, _, _ := newTestDispatcher(t, transport, Config{})

	d.Broadcast(context.Background(), []domain.Target{
		{ConnectionID: "a", UserID: "72"},
		{ConnectionID: "a", UserID: "72"},
	}, reportPayload(t))

	transport.AssertExpectations(t)
}

func TestBroadcast_Empty(t *testing.T) {
	transport := new(mockTransport)
	d, _, _ := newTestDispatcher(t, transport, Config{})

	assert.Empty(t, d.Broadcast(context.Background(), nil, reportPayload(t)))
	transport.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestBroadcast_Concurrent(t *testing.T) {
	const n = 50
	payload := reportPayload(t)

	var mu sync.Mutex
	counts := map[string]int{}
	transport := new(mockTransport)
	transport.On("Send", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			counts[args.String(1)]++
			mu.Unlock()
		}).
		Return(nil)
	d, _, m := newTestDispatcher(t, transport, Config{Concurrency: 8})

	targets := make([]domain.Target, n)
	for i := range targets {
		user := "99"
		if i%2 == 0 {
			user = "72"
		}
		targets[i] = domain.Target{ConnectionID: fmt.Sprintf("conn-%d", i), UserID: user}
	}

	d.Broadcast(context.Background(), targets, payload)

	require.Len(t, counts, n)
	for id, c := range counts {
		assert.Equal(t, 1, c, id)
	}
	assert.Equal(t, float64(n/2), testutil.ToFloat64(m.Deliveries.WithLabelValues("full")))
	assert.Equal(t, float64(n/2), testutil.ToFloat64(m.Deliveries.WithLabelValues("redacted")))
	assert.Equal(t, "Payment captured", payload["content"].(map[string]any)["message"])
}
