package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "vm %s not found", "v1")))

	// kind survives fmt wrapping
	wrapped := fmt.Errorf("lookup: %w", New(KindConflict, "duplicate name"))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindUpstream, cause, "push command to node %s", "n1")

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "push command to node n1")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindInvalidInput, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindResourceExhausted, http.StatusServiceUnavailable},
		{KindUpstream, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
		{KindAttestationFailing, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(New(tt.kind, "x")), string(tt.kind))
	}
}

func TestCodeOverride(t *testing.T) {
	assert.Equal(t, "INVALID_INPUT", Code(New(KindInvalidInput, "bad field")))

	err := NewCoded(KindInvalidInput, "INVALID_NAME", "vm name must not be empty")
	assert.Equal(t, "INVALID_NAME", Code(err))
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))

	// the explicit code survives fmt wrapping too
	wrapped := fmt.Errorf("create: %w", err)
	assert.Equal(t, "INVALID_NAME", Code(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindUpstream, "rpc down")))
	assert.True(t, Retryable(New(KindResourceExhausted, "no candidates")))
	assert.False(t, Retryable(New(KindInvalidInput, "bad name")))
	assert.False(t, Retryable(nil))
}
