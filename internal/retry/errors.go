// Package retry holds the ambient error taxonomy and backoff
// calculation shared by the Worker Pool and Retry Engine, adapted from
// the teacher's internal/application/worker/errors.go distinction
// between retryable, permanent, and panic outcomes.
package retry

import (
	"errors"
	"fmt"
)

// PermanentError marks a handler failure as non-retryable: the Retry
// Engine treats it as if every attempt were already exhausted, sending
// it straight to the Dead-Letter Sink instead of scheduling a retry,
// regardless of how many attempts remain.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError. Handlers return this instead
// of a plain error to short-circuit the usual attempts-remaining
// bookkeeping.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or any error in its chain) was
// produced by Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// PanicError records a worker goroutine panic recovered during
// execution, including the captured stack trace. The Worker Pool
// always marks the resulting Outcome permanent, mirroring the
// teacher's executeWithRecovery, which never lets a panicking handler
// consume a retry.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in handler: %v", e.Value)
}
