package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still in flight")
)

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return "permanent: " + e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// NoRetry marks err as permanent: the run fails at once even when retries
// are configured. Handlers use it for bad parameters.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err}
}

func IsNoRetry(err error) bool {
	return errors.As(err, new(noRetryError))
}

// RetryAfterError carries a server-suggested delay before the next attempt.
// The engine caps it at RetryMaxDelay and applies jitter.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayedError struct {
	err   error
	after time.Duration
}

func (e delayedError) Error() string             { return fmt.Sprintf("%v (retry after %s)", e.err, e.after) }
func (e delayedError) Unwrap() error             { return e.err }
func (e delayedError) RetryAfter() time.Duration { return e.after }

// RetryAfter attaches a retry delay hint to err. Negative hints become 0.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return delayedError{err: err, after: max(after, 0)}
}
