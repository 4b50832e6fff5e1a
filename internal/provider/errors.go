package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// APIError is a non-2xx provider response. RetryAfter is populated from the
// Retry-After header on rate-limit responses and feeds the queue's
// scheduledFor.
type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error (%d): %s", e.Status, e.Body)
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusGone)
}

func IsAuth(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden)
}

func IsRateLimit(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

// RetryAfter extracts the rate-limit hint, zero when absent.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// IsTransient reports whether the failure should go back to the retry queue.
// Timeouts and 5xx/429 responses are transient; auth failures escalate to
// transient handling after the adapter's single refresh-and-retry pass.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status >= 500:
			return true
		case apiErr.Status == http.StatusTooManyRequests:
			return true
		case apiErr.Status == http.StatusUnauthorized, apiErr.Status == http.StatusForbidden:
			return true
		default:
			return false
		}
	}
	// Network-level errors (connection refused, reset) arrive unwrapped.
	return true
}

// IsPermanent reports a validation-style rejection that retrying cannot fix.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return !IsTransient(err) && !IsNotFound(err)
}
