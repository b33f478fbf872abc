package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// ErrorKind classifies upstream failures for the retry policy
type ErrorKind int

const (
	KindPermanent ErrorKind = iota
	KindTransient
)

func (k ErrorKind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

var (
	ErrNotFound    = errors.New("content not found")
	ErrForbidden   = errors.New("content access forbidden")
	ErrMalformedID = errors.New("malformed content id")
	ErrRateLimited = errors.New("upstream rate limited")
	ErrTimeout     = errors.New("upstream call timed out")
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrInvalidRequest marks caller mistakes, as opposed to upstream ones
	ErrInvalidRequest = errors.New("invalid request")
)

// UpstreamError is returned by the content API client
type UpstreamError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func NewTransientError(op string, status int, retryAfter time.Duration, err error) *UpstreamError {
	return &UpstreamError{Kind: KindTransient, Op: op, StatusCode: status, RetryAfter: retryAfter, Err: err}
}

func NewPermanentError(op string, status int, err error) *UpstreamError {
	return &UpstreamError{Kind: KindPermanent, Op: op, StatusCode: status, Err: err}
}

// RetryExhaustedError is returned once every allowed attempt failed
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// DistributedCacheError wraps any failure of the shared cache tier.
// It must never reach a caller of the tiered cache.
type DistributedCacheError struct {
	Op  string
	Err error
}

func (e *DistributedCacheError) Error() string {
	return fmt.Sprintf("distributed cache %s: %v", e.Op, e.Err)
}

func (e *DistributedCacheError) Unwrap() error { return e.Err }

// OrchestratorError marks a failure of the batch loop itself
type OrchestratorError struct {
	JobID string
	Err   error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("warm-up job %s aborted: %v", e.JobID, e.Err)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: timeouts, connection
// resets, unexpected hang-ups and upstream rate limiting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Kind == KindTransient
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// RetryAfter extracts an upstream-provided wait hint, if any.
func RetryAfter(err error) time.Duration {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.RetryAfter
	}
	return 0
}

// Classify maps an error to the machine-readable code used in HTTP bodies.
func Classify(err error) string {
	var upErr *UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrMalformedID):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &upErr):
		return "upstream_" + upErr.Kind.String()
	case IsTransient(err):
		return "upstream_transient"
	default:
		return "internal"
	}
}
