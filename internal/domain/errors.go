package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientUpstream marks retryable upstream failures.
	ErrTransientUpstream = errors.New("transient upstream error")
	// ErrTerminalUpstream marks upstream failures that must not be retried.
	ErrTerminalUpstream = errors.New("terminal upstream error")
	// ErrScoringUnavailable is returned when no sentiment source produced a result.
	ErrScoringUnavailable = errors.New("sentiment scoring unavailable")
	// ErrIdempotencyConflict reports a duplicate request that collapsed onto an existing record.
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	// ErrCacheFetch wraps a failed fetch behind the value cache.
	ErrCacheFetch = errors.New("cache fetch failed")
	ErrNotFound   = errors.New("not found")
	// ErrInvalidQuery rejects malformed caller input.
	ErrInvalidQuery = errors.New("invalid query")
)

// FailureKind names how an upstream call failed.
type FailureKind string

const (
	KindTimeout    FailureKind = "timeout"
	KindRejected   FailureKind = "rejected"
	KindConnection FailureKind = "connection"
	KindNotFound   FailureKind = "not_found"
)

// UpstreamError is the classified failure of a ledger or provider call.
type UpstreamError struct {
	Op        string
	Kind      FailureKind
	Transient bool
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is lets errors.Is match the transient/terminal sentinels.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrTransientUpstream:
		return e.Transient
	case ErrTerminalUpstream:
		return !e.Transient
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}

// IsAmbiguous reports whether a write failed without a known on-chain outcome.
func IsAmbiguous(err error) bool {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Kind == KindTimeout
	}
	return false
}

// CacheFetchError is delivered to every waiter of a failed single-flight fetch.
type CacheFetchError struct {
	Key Key
	Err error
}

func (e *CacheFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *CacheFetchError) Unwrap() error { return e.Err }

func (e *CacheFetchError) Is(target error) bool { return target == ErrCacheFetch }
