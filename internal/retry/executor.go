// Package retry runs fallible commands with a bounded number of attempts and
// exponentially growing waits between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrExhausted is returned when every attempt failed. It wraps the last
	// failure.
	ErrExhausted = errors.New("retry: attempts exhausted")
	// ErrCancelled is returned when the context ended before a success. It
	// wraps the context error.
	ErrCancelled = errors.New("retry: cancelled")
)

const (
	DefaultInitialWait = 500 * time.Millisecond
	DefaultMaxAttempts = 3
)

// Notify observes a failed attempt before the executor waits. attempt is
// 1-based and wait is the pause before the next attempt.
type Notify func(attempt int, wait time.Duration, err error)

// Executor retries commands. The wait before attempt k+1 is initialWait*2^(k-1).
// An Executor is immutable and safe for concurrent use.
type Executor struct {
	initialWait time.Duration
	maxAttempts int
	notify      Notify
}

// Option customises an Executor.
type Option func(*Executor)

// WithNotify registers a hook called after each failed attempt that will be
// retried.
func WithNotify(fn Notify) Option {
	return func(e *Executor) { e.notify = fn }
}

// New constructs an executor. Non-positive arguments fall back to the
// defaults.
func New(initialWait time.Duration, maxAttempts int, opts ...Option) *Executor {
	if initialWait <= 0 {
		initialWait = DefaultInitialWait
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	e := &Executor{initialWait: initialWait, maxAttempts: maxAttempts}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAttempts reports the attempt budget.
func (e *Executor) MaxAttempts() int { return e.maxAttempts }

// InitialWait reports the wait after the first failure.
func (e *Executor) InitialWait() time.Duration { return e.initialWait }

// Do runs cmd until it succeeds, the attempts are spent or ctx ends.
func (e *Executor) Do(ctx context.Context, cmd func(context.Context) error) error {
	_, err := Execute(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, cmd(ctx)
	})
	return err
}

// Execute runs cmd until it succeeds, the attempts are spent or ctx ends, and
// returns the first successful result.
func Execute[T any](ctx context.Context, e *Executor, cmd func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	attempts := 0
	var last error
	op := func() (T, error) {
		attempts++
		v, err := cmd(ctx)
		if err != nil {
			last = err
			return zero, err
		}
		return v, nil
	}
	notify := func(err error, wait time.Duration) {
		if e.notify != nil {
			e.notify(attempts, wait, err)
		}
	}

	v, err := backoff.RetryNotifyWithData(op, e.policy(ctx), notify)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, fmt.Errorf("%w after %d attempt(s): %w", ErrCancelled, attempts, ctxErr)
	}
	if last == nil {
		last = err
	}
	return zero, fmt.Errorf("%w after %d attempt(s): %w", ErrExhausted, attempts, last)
}

func (e *Executor) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialWait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.maxAttempts-1)), ctx)
}
