package cache

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownNamespace = errors.New("cache: unknown namespace")

	// ErrLockTimeout is returned by GetOrSet when the caller's context
	// expires while deferring to another in-flight fetch.
	ErrLockTimeout = errors.New("cache: lock acquisition timed out")
)

// WriteError wraps a backing-store failure during Set. It is propagated
// to the caller, never swallowed.
type WriteError struct {
	Namespace string
	Key       string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache: write %s:%s: %v", e.Namespace, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadError wraps a backing-store read failure. Callers of Get never
// see it (reads degrade to misses); it surfaces only in the HealthCheck
// report.
type ReadError struct {
	Namespace string
	Key       string
	Err       error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("cache: read %s:%s: %v", e.Namespace, e.Key, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
