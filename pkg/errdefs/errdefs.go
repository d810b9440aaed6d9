// Package errdefs defines the error taxonomy shared by all components and
// its mapping to HTTP statuses. Components return errors tagged with a Kind;
// the API layer maps Kind to status and background tickers use Kind to decide
// between retry and terminal failure.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindInvalidInput       Kind = "invalid-input"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not-found"
	KindConflict           Kind = "conflict"
	KindResourceExhausted  Kind = "resource-exhausted"
	KindUpstream           Kind = "upstream"
	KindAttestationFailing Kind = "attestation-failing"
	KindInternal           Kind = "internal"
)

// E is an error carrying a Kind, a user-safe message and an optional cause.
// Code, when set, overrides the kind-derived client code.
type E struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *E) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *E) Unwrap() error {
	return e.Cause
}

// New creates an error with the given kind and formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewCoded creates an error whose client code is more specific than the
// kind's default, e.g. INVALID_NAME instead of INVALID_INPUT.
func NewCoded(kind Kind, code, format string, args ...interface{}) error {
	return &E{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for plain
// errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error kind is transient and worth retrying
// with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindResourceExhausted:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to the status code the API layer returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusServiceUnavailable
	case KindUpstream:
		return http.StatusBadGateway
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code exposed to API clients. An
// explicit per-error code wins over the kind mapping.
func Code(err error) string {
	var e *E
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	switch KindOf(err) {
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case KindUpstream:
		return "UPSTREAM_UNAVAILABLE"
	case KindAttestationFailing:
		return "ATTESTATION_FAILING"
	default:
		return "INTERNAL"
	}
}
