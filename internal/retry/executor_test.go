package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestExecuteSucceedsAfterFailures(t *testing.T) {
	e := New(time.Millisecond, 5)
	var calls atomic.Int32

	got, err := Execute(context.Background(), e, func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errBoom
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.EqualValues(t, 3, calls.Load())
}

func TestExecuteFirstAttemptSuccess(t *testing.T) {
	e := New(time.Hour, 3)
	start := time.Now()
	got, err := Execute(context.Background(), e, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, got)
	require.Less(t, time.Since(start), time.Second)
}

func TestExecuteExhausted(t *testing.T) {
	var waits []time.Duration
	e := New(10*time.Millisecond, 3, WithNotify(func(attempt int, wait time.Duration, err error) {
		require.ErrorIs(t, err, errBoom)
		waits = append(waits, wait)
	}))
	var calls atomic.Int32

	start := time.Now()
	err := e.Do(context.Background(), func(context.Context) error {
		calls.Add(1)
		return errBoom
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, errBoom)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, waits)
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestExecuteSingleAttempt(t *testing.T) {
	e := New(time.Hour, 1)
	var calls atomic.Int32
	err := e.Do(context.Background(), func(context.Context) error {
		calls.Add(1)
		return errBoom
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.EqualValues(t, 1, calls.Load())
}

func TestExecuteCancelledDuringWait(t *testing.T) {
	e := New(time.Hour, 5)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := e.Do(ctx, func(context.Context) error {
		calls.Add(1)
		return errBoom
	})
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 1, calls.Load())
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	err := New(time.Millisecond, 3).Do(ctx, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.ErrorIs(t, err, ErrCancelled)
	require.Zero(t, calls.Load())
}

func TestNewDefaults(t *testing.T) {
	e := New(0, 0)
	require.Equal(t, DefaultInitialWait, e.InitialWait())
	require.Equal(t, DefaultMaxAttempts, e.MaxAttempts())
}
