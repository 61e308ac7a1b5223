package task

import (
	"errors"
	"fmt"
	"time"
)

// Reject marks a failure as permanent. The engine deletes the task instead
// of retrying it.
//
// Example:
//
//	return task.Reject(fmt.Errorf("unknown account %q: %w", id, err))
func Reject(err error) error {
	if err == nil {
		err = errors.New("rejected")
	}
	return rejectError{err: err}
}

// IsRejected reports whether err is wrapped with Reject.
func IsRejected(err error) bool {
	var e rejectError
	return errors.As(err, &e)
}

type rejectError struct{ err error }

func (e rejectError) Error() string { return fmt.Sprintf("rejected: %v", e.err) }
func (e rejectError) Unwrap() error { return e.err }

// RetryIn asks the engine to run the task again after d. The returned error
// carries no cause; use RetryAfter to keep one.
func RetryIn(d time.Duration) error {
	return RetryAfter(nil, d)
}

// RetryAfter wraps err with an explicit retry delay, for example a
// Retry-After value returned by a downstream API.
func RetryAfter(err error, after time.Duration) error {
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("retry in %s", e.after)
	}
	return fmt.Sprintf("retry in %s: %v", e.after, e.err)
}
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
