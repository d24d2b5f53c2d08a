package errors

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusFromCode(t *testing.T) {
	tests := map[string]int{
		CodeInvalidInput:       http.StatusBadRequest,
		CodeValidationFailed:   http.StatusBadRequest,
		CodeNotFound:           http.StatusNotFound,
		CodeConflict:           http.StatusConflict,
		CodeRateLimited:        http.StatusTooManyRequests,
		CodePlatformRejected:   http.StatusUnprocessableEntity,
		CodeExternalService:    http.StatusBadGateway,
		CodeServiceUnavailable: http.StatusServiceUnavailable,
		CodeTimeout:            http.StatusGatewayTimeout,
		CodeDatabase:           http.StatusInternalServerError,
		"SOMETHING_ELSE":       http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, HTTPStatusFromCode(code), code)
	}
}

func TestNewRateLimitedErrorContext(t *testing.T) {
	retryAt := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	envelope := NewRateLimitedError("held", "twitter", retryAt)
	assert.Equal(t, CodeRateLimited, envelope.Code)
	assert.Equal(t, "twitter", envelope.Context["platform"])
	assert.Equal(t, "2026-03-01T12:15:00Z", envelope.Context["retry_at"])

	bare := NewRateLimitedError("held", "", time.Time{})
	assert.Empty(t, bare.Context)
}

func TestWrapConflictCarriesCause(t *testing.T) {
	envelope := WrapConflict(context.Background(), stderrors.New("post is already being published"), "Post is busy")
	assert.Equal(t, CodeConflict, envelope.Code)
	assert.NotEmpty(t, envelope.CorrelationID)
	assert.Equal(t, "post is already being published", envelope.Context["wrapped_error"])
}

func TestRespondWithErrorWritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/posts/p1/publish", nil)

	RespondWithError(rec, req, NewRateLimitedError("held", "linkedin", time.Time{}))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"RATE_LIMITED"`)
	assert.Contains(t, rec.Body.String(), `"platform":"linkedin"`)
}
