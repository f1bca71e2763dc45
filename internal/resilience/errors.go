// Package resilience maps raw failures onto the harvest error taxonomy and
// applies the retry policy: bounded attempts with exponential backoff.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrSkip signals that a unit has affirmatively nothing to do: the work
// completed and found no output. Not a failure; the unit records as
// skipped and is never retried.
var ErrSkip = errors.New("nothing to do")

// StatusError is a non-2xx response from the registry.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// RateLimitedError marks registry back-pressure detected outside the HTTP
// status code (throttle interstitials, retry-after bodies).
type RateLimitedError struct {
	Err error
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// NewRateLimited wraps err as a rate-limited failure.
func NewRateLimited(err error) *RateLimitedError {
	return &RateLimitedError{Err: err}
}

// AuthExpiredError marks a session invalidation detected outside the HTTP
// status code (soft login redirects).
type AuthExpiredError struct {
	Err error
}

func (e *AuthExpiredError) Error() string { return e.Err.Error() }
func (e *AuthExpiredError) Unwrap() error { return e.Err }

// NewAuthExpired wraps err as an expired-session failure.
func NewAuthExpired(err error) *AuthExpiredError {
	return &AuthExpiredError{Err: err}
}

// BadPayloadError marks a response that arrived but could not be parsed into
// the expected shape. Not retryable; the unit is held for manual review.
type BadPayloadError struct {
	Err error
}

func (e *BadPayloadError) Error() string { return e.Err.Error() }
func (e *BadPayloadError) Unwrap() error { return e.Err }

// NewBadPayload wraps err as a data-quality failure.
func NewBadPayload(err error) *BadPayloadError {
	return &BadPayloadError{Err: err}
}

// isNetworkError reports whether err looks like a transport-level failure
// that a retry can plausibly recover: timeouts, resets, DNS hiccups.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String heuristics for errors wrapped by HTTP clients.
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"unexpected eof",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
