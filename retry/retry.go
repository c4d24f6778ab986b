// Package retry runs operations that may fail transiently.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

const (
	MaxRetries    = 3
	RetryBaseWait = 1 * time.Second
)

// RecoverableError marks an error as transient. Only recoverable errors are
// retried.
type RecoverableError struct {
	Err error
}

// NewRecoverableError wraps err as recoverable.
func NewRecoverableError(err error) *RecoverableError {
	return &RecoverableError{Err: err}
}

func (e *RecoverableError) Error() string {
	return e.Err.Error()
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err, or an error it wraps, is recoverable.
func IsRecoverable(err error) bool {
	var recoverable *RecoverableError
	return errors.As(err, &recoverable)
}

type options struct {
	maxRetries int
	baseWait   time.Duration
	onRetry    func(attempt int, err error)
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets the total number of attempts.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait sets the wait before the second attempt. Later waits double.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// OnRetry is called before every retry with the error that caused it.
func OnRetry(fn func(attempt int, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// or runs out of attempts. The returned error is unwrapped from its
// RecoverableError.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{maxRetries: MaxRetries, baseWait: RetryBaseWait}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries < 1 {
		o.maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if attempt > 0 {
			if o.onRetry != nil {
				o.onRetry(attempt, lastErr)
			}
			// Exponential backoff with jitter
			backoff := time.Duration(float64(o.baseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		var recoverable *RecoverableError
		if !errors.As(err, &recoverable) {
			return err
		}
		lastErr = recoverable.Err
	}
	return lastErr
}
