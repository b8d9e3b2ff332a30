package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{ValidationError("bad"), http.StatusBadRequest},
		{UnauthorizedError("who"), http.StatusUnauthorized},
		{ForbiddenError("no"), http.StatusForbidden},
		{NotFoundError("gone"), http.StatusNotFound},
		{ConflictError("taken"), http.StatusConflict},
		{RetryableError("busy", nil), http.StatusServiceUnavailable},
		{InternalError("boom", nil), http.StatusInternalServerError},
		{ExternalError("upstream", nil), http.StatusBadGateway},
		{&Error{Type: "mystery"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
		})
	}
}

func TestError_MessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := InternalError("failed to load queue", cause)

	assert.Equal(t, "internal: failed to load queue: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestToResponse_HidesCause(t *testing.T) {
	err := RetryableError("try again", errors.New("lock timeout on queue_entries")).
		WithCode("admission_conflict").
		WithField("provider_id", "p-1")

	resp := err.ToResponse()

	assert.Equal(t, "try again", resp.Error)
	assert.Equal(t, TypeRetryable, resp.Type)
	assert.Equal(t, "admission_conflict", resp.Code)
	assert.True(t, resp.Retryable)
	assert.Equal(t, "p-1", resp.Context["provider_id"])
	assert.NotContains(t, fmt.Sprintf("%+v", resp), "lock timeout")
}

func TestDefaultCodeIsType(t *testing.T) {
	assert.Equal(t, "not_found", NotFoundError("x").Code)
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := ConflictError("taken")
	wrapped := fmt.Errorf("handler: %w", original)
	assert.Same(t, original, AsStructuredError(wrapped))

	plain := errors.New("plain")
	structured := AsStructuredError(plain)
	require.NotNil(t, structured)
	assert.Equal(t, TypeInternal, structured.Type)
	assert.ErrorIs(t, structured, plain)
}

func TestWithField_NilContext(t *testing.T) {
	err := (&Error{Type: TypeValidation}).WithField("field", "start")
	assert.Equal(t, "start", err.Context["field"])
}
