// Package calendar provides an HTTP client for the external calendar
// service's REST API with automatic retry, rate limiting, and error
// classification.
package calendar

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, calendar.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("calendar: bad request")
	ErrUnauthorized = errors.New("calendar: unauthorized")
	ErrForbidden    = errors.New("calendar: forbidden")
	ErrNotFound     = errors.New("calendar: not found")
	ErrConflict     = errors.New("calendar: conflict")
	ErrGone         = errors.New("calendar: sync token expired")
	ErrThrottled    = errors.New("calendar: rate limited")
	ErrServerError  = errors.New("calendar: server error")
)

// APIError wraps a sentinel error with HTTP status code, request ID,
// and the API error message body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("calendar: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("calendar: HTTP %d: %s", e.StatusCode, e.Message)
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
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
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
// 410 Gone is deliberately not retryable: it signals an expired sync token,
// which the importer handles by falling back to a full-window fetch.
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
