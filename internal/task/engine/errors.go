package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled  = errors.New("task engine disabled")
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
	ErrStale     = errors.New("task waited too long in queue")
)

// NoRetry marks an error as non-retryable.
//
// Tasks can wrap validation errors or other permanent failures with NoRetry
// so the engine won't waste time retrying.
//
//	return nil, engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// TimeoutError is the terminal error of a task whose attempt exceeded its timeout.
// Timeouts are never retried.
type TimeoutError struct {
	Task    string
	Timeout time.Duration
	Attempt int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q timed out after %s (attempt %d)", e.Task, e.Timeout, e.Attempt)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *TimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }

// ExecutionError wraps the last error of a task that failed for good.
type ExecutionError struct {
	Task     string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %q failed after %d attempt(s): %v", e.Task, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
