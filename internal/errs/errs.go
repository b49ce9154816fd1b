// Package errs defines the error taxonomy shared by the sync engine.
//
// The classification drives retry behavior: AuthError and ValidationError are
// terminal, RateLimitError and RemoteServiceError are retryable, and
// NotFoundError is terminal but expected (the remote record vanished).
package errs

import (
	"errors"
	"fmt"
	"time"
)

// AuthError indicates a failed credential exchange. Fatal for the current
// run; backoff does not help bad credentials.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credential exchange failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RateLimitError indicates an HTTP 429 from a remote API. RetryAfter is the
// server-provided hint, zero when the server sent none.
type RateLimitError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s (retry after %s)", e.URL, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.URL)
}

// RemoteServiceError indicates a 5xx response or a transport-level failure
// (network error, timeout). Retried with backoff up to the configured cap.
type RemoteServiceError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RemoteServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote service error: HTTP %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("remote service error calling %s: %v", e.URL, e.Err)
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

// ValidationError indicates a single record whose fields are malformed.
// Counted as failed; the surrounding run continues.
type ValidationError struct {
	Entity   string
	SourceID string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record %s: %v", e.Entity, e.SourceID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NotFoundError indicates the remote record a candidate pointed at no longer
// exists. Logged and skipped, never retried.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remote record not found: %s", e.URL)
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	var rateLimit *RateLimitError
	var remote *RemoteServiceError
	return errors.As(err, &rateLimit) || errors.As(err, &remote)
}
