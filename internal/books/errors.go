// Package books provides an HTTP client for the Books accounting API with
// admission control, caller labeling, and error classification. Every call
// passes through the gate limiter before the request is issued; the client
// itself never retries — retry policy belongs to the caller.
package books

import (
	"errors"
	"fmt"
)

// Sentinel errors for call classification.
// Use errors.Is(err, books.ErrRateLimited) etc. to check.
var (
	// ErrTransport covers network failures and per-call timeouts.
	// Retryable by the caller at a higher level.
	ErrTransport = errors.New("books: transport failure")

	// ErrAuth covers token acquisition and validity failures.
	// Not retryable without re-authentication.
	ErrAuth = errors.New("books: authentication failed")

	// ErrRateLimited is remote-reported throttling, distinct from the
	// local limiter (which queues, never errors) and from the local daily
	// quota (gate.ErrQuotaExhausted). Signals callers to pause early.
	ErrRateLimited = errors.New("books: rate limited by remote")

	// ErrParse marks a non-JSON or malformed response body.
	// Treated as transient by callers.
	ErrParse = errors.New("books: malformed response")
)

// APIError is a remote business-rule rejection: a non-zero envelope code
// that is not the throttling code. Generally not retryable.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("books: API error %d: %s", e.Code, e.Message)
}
