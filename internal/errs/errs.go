// Package errs defines the tagged error taxonomy shared by every layer.
// Components return these tagged values; the HTTP layer is the only place
// that maps tags to status codes and response bodies.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind tags an error with its business meaning.
type Kind string

const (
	KindBadFormat          Kind = "BadFormat"
	KindUnknown            Kind = "Unknown"
	KindRevoked            Kind = "Revoked"
	KindExpired            Kind = "Expired"
	KindHardwareMismatch   Kind = "HardwareMismatch"
	KindInvalidCredentials Kind = "InvalidCredentials"
	KindForbidden          Kind = "Forbidden"
	KindLocked             Kind = "Locked"
	KindRateLimited        Kind = "RateLimited"
	KindTampered           Kind = "Tampered"
	KindMalformed          Kind = "Malformed"
	KindConflict           Kind = "Conflict"
	KindInternal           Kind = "Internal"
)

// catalog holds the fixed user-visible message for each kind. Variable
// parts (retry-after, days remaining) are the only interpolated fields,
// carried separately on the Error.
var catalog = map[Kind]string{
	KindBadFormat:          "license key format is invalid",
	KindUnknown:            "license key not found",
	KindRevoked:            "license has been revoked",
	KindExpired:            "license has expired",
	KindHardwareMismatch:   "license is bound to a different machine",
	KindInvalidCredentials: "invalid username or password",
	KindForbidden:          "insufficient privileges",
	KindLocked:             "account is temporarily locked",
	KindRateLimited:        "too many requests",
	KindTampered:           "license data failed verification",
	KindMalformed:          "license data is malformed",
	KindConflict:           "operation conflicts with current state",
	KindInternal:           "internal error",
}

var httpStatus = map[Kind]int{
	KindBadFormat:          http.StatusBadRequest,
	KindUnknown:            http.StatusNotFound,
	KindRevoked:            http.StatusForbidden,
	KindExpired:            http.StatusForbidden,
	KindHardwareMismatch:   http.StatusConflict,
	KindInvalidCredentials: http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindLocked:             http.StatusLocked,
	KindRateLimited:        http.StatusTooManyRequests,
	KindTampered:           http.StatusBadRequest,
	KindMalformed:          http.StatusBadRequest,
	KindConflict:           http.StatusConflict,
	KindInternal:           http.StatusInternalServerError,
}

// Error is a tagged error. The wrapped cause, if any, is never surfaced
// to API callers.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration // set for Locked and RateLimited
	TraceID    string        // correlation id, set for Internal
	cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return string(e.Kind)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Message returns the fixed catalog message for the error's kind.
func (e *Error) Message() string { return catalog[e.Kind] }

// HTTPStatus returns the status code the HTTP layer maps this kind to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// E returns a tagged error with no cause.
func E(kind Kind) *Error { return &Error{Kind: kind} }

// Wrap returns a tagged error wrapping cause.
func Wrap(kind Kind, cause error) *Error { return &Error{Kind: kind, cause: cause} }

// Locked returns a Locked error carrying the retry window.
func Locked(retryAfter time.Duration) *Error {
	return &Error{Kind: KindLocked, RetryAfter: retryAfter}
}

// RateLimited returns a RateLimited error carrying the retry window.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter}
}

// Internal wraps an unexpected failure, attaching a correlation id. The
// cause stays server-side; callers only ever see the catalog message and
// the trace id.
func Internal(traceID string, cause error) *Error {
	return &Error{Kind: KindInternal, TraceID: traceID, cause: cause}
}

// KindOf extracts the Kind from err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError converts err to *Error, wrapping untagged errors as Internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, cause: err}
}
