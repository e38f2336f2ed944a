// Package provider implements third-party clients for the reconciliation
// engine: a polling client for time-tracking providers with OAuth2 token
// refresh and cursor pagination, and a translation layer that turns GitHub
// webhook events into sync requests.
package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, provider.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("provider: bad request")
	ErrUnauthorized = errors.New("provider: unauthorized")
	ErrForbidden    = errors.New("provider: forbidden")
	ErrNotFound     = errors.New("provider: not found")
	ErrThrottled    = errors.New("provider: throttled")
	ErrServerError  = errors.New("provider: server error")
)

// APIError wraps a sentinel error with the HTTP status code and the raw
// error body for debugging.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
