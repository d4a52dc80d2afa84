package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced memory or version is absent.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentWrite is returned when a write still hits lock contention
	// after all retries were exhausted.
	ErrConcurrentWrite = errors.New("concurrent write conflict")

	// ErrDiskFull is returned for writes once the store has latched into
	// read-only mode after a failed disk write.
	ErrDiskFull = errors.New("disk full: store is read-only")
)

// ValidationError reports malformed input that was rejected before any row
// was written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// DatabaseError wraps a transactional failure that survived the retry policy.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error in %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}
