package codehost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for code host failures.
// Use errors.Is(err, codehost.ErrNotFound) to check.
var (
	ErrBadRequest      = errors.New("codehost: bad request")
	ErrUnauthorized    = errors.New("codehost: unauthorized")
	ErrForbidden       = errors.New("codehost: forbidden")
	ErrNotFound        = errors.New("codehost: not found")
	ErrValidation      = errors.New("codehost: validation failed")
	ErrMergeConflict   = errors.New("codehost: merge conflict")
	ErrRateLimited     = errors.New("codehost: rate limited")
	ErrServerError     = errors.New("codehost: server error")
	ErrTimeout         = errors.New("codehost: timeout")
	ErrUnsupportedKind = errors.New("codehost: unsupported code host kind")
)

// Error is a classified code host failure. Err is the sentinel used for
// errors.Is; Retryable tells callers whether the same call may succeed later.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("codehost: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("codehost: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError classifies an HTTP response status into an *Error.
func NewError(op string, status int, message string) *Error {
	sentinel := Classify(status)
	if sentinel == nil {
		sentinel = ErrServerError
	}
	return &Error{
		Op:         op,
		StatusCode: status,
		Message:    message,
		Retryable:  retryableStatus(status),
		Err:        sentinel,
	}
}

// Classify maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func Classify(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusMethodNotAllowed, http.StatusConflict:
		// GitHub answers 405 when a pull request cannot be merged.
		return ErrMergeConflict
	case http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}
		return nil
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether err is transient: rate limits, timeouts,
// server errors and network timeouts. Everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Retryable
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServerError) || errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
