// Package resilience provides classified retry and circuit-breaking for
// external source calls.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// Class buckets a failure for retry purposes.
type Class string

const (
	// ClassPermanent errors are never retried (4xx client errors, bad input).
	ClassPermanent Class = "permanent"
	// ClassTransient errors are retried with exponential backoff.
	ClassTransient Class = "transient"
	// ClassRateLimited errors are retried honoring an explicit retry-after
	// hint when the source provided one.
	ClassRateLimited Class = "rate_limited"
)

// TransientError wraps an error that is safe to retry (5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitedError wraps a throttling rejection from a source. RetryAfter is
// zero when the source gave no hint.
type RateLimitedError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// NewRateLimitedError wraps an error as a rate-limit rejection.
func NewRateLimitedError(err error, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{Err: err, RetryAfter: retryAfter}
}

// PermanentError wraps an error that retrying cannot fix.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps an error as permanent.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// Classify buckets err into a retry class. Explicit wrappers win; otherwise
// common network failure patterns are treated as transient and everything
// else as permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return ClassPermanent
	}
	if isTransient(err) {
		return ClassTransient
	}
	return ClassPermanent
}

// isTransient reports whether the error chain matches known retryable
// network-level failures.
func isTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
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

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ClassifyHTTPStatus maps an HTTP status code to a retry class.
func ClassifyHTTPStatus(statusCode int) Class {
	switch {
	case statusCode == 429:
		return ClassRateLimited
	case statusCode == 408 || statusCode >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}
