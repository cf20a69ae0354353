package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cause := errors.New("dial tcp: refused")

	tests := []struct {
		name       string
		err        *Error
		wantType   ErrorType
		wantStatus int
	}{
		{"validation", ValidationError("bad envelope"), TypeValidation, http.StatusBadRequest},
		{"not found", NotFoundError("no route"), TypeNotFound, http.StatusNotFound},
		{"unavailable", UnavailableError("store down", cause), TypeUnavailable, http.StatusServiceUnavailable},
		{"internal", InternalError("boom", cause), TypeInternal, http.StatusInternalServerError},
		{"rate limited", &Error{Type: TypeRateLimited, Message: "slow down"}, TypeRateLimited, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus())
			assert.Contains(t, tt.err.Error(), string(tt.wantType))
		})
	}
}

func TestError_CauseChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := InternalError("failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal: failed: connection reset", err.Error())
	assert.Equal(t, "validation: plain", ValidationError("plain").Error())
}

func TestWithField(t *testing.T) {
	err := ValidationError("bad").WithField("merchant_id", "m1").WithField("count", 2)

	assert.Equal(t, map[string]any{"merchant_id": "m1", "count": 2}, err.Context)
}

func TestToResponse_JSON(t *testing.T) {
	data, err := json.Marshal(ValidationError("merchant_id and user_id are required").ToResponse())
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"merchant_id and user_id are required","type":"validation"}`, string(data))

	data, err = json.Marshal(NotFoundError("x").WithField("path", "/y").ToResponse())
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"x","type":"not_found","context":{"path":"/y"}}`, string(data))
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	structured := NotFoundError("gone")
	assert.Same(t, structured, AsStructuredError(fmt.Errorf("wrapped: %w", structured)))

	for _, domainErr := range []error{
		domain.ErrInvalidScope,
		domain.ErrBroadcastScope,
		domain.ErrMalformedMessage,
		domain.ErrUnexpectedRole,
		fmt.Errorf("%w: %q", domain.ErrUnknownRole, "admin"),
	} {
		got := AsStructuredError(domainErr)
		assert.Equal(t, TypeValidation, got.Type, domainErr.Error())
		assert.Equal(t, domainErr.Error(), got.Message)
	}

	storeErr := AsStructuredError(domain.NewStoreError("scan", errors.New("timeout")))
	assert.Equal(t, TypeUnavailable, storeErr.Type)
	assert.Equal(t, "scan", storeErr.Context["operation"])

	internal := AsStructuredError(errors.New("unexpected"))
	assert.Equal(t, TypeInternal, internal.Type)
	assert.Equal(t, "internal server error", internal.Message)
}
