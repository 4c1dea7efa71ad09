package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	r := &Retryer{Strategy: Constant{Delay: time.Millisecond, MaxRetries: 3}}
	stats, err := r.DoWithStats(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, stats.Attempts)
	assert.Empty(t, stats.Errors)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	r := &Retryer{Strategy: Constant{Delay: time.Millisecond, MaxRetries: 5}}
	stats, err := r.DoWithStats(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, stats.Attempts)
	assert.Len(t, stats.Errors, 2)
}

func TestDoExhaustsRetries(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	r := &Retryer{Strategy: Constant{Delay: time.Millisecond, MaxRetries: 2}}
	stats, err := r.DoWithStats(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "3 attempts")
	assert.Equal(t, 3, calls)
	assert.Len(t, stats.Errors, 3)
}

func TestDoNoRetryKeepsOriginalError(t *testing.T) {
	boom := errors.New("boom")
	r := &Retryer{Strategy: None{}}
	err := r.Do(context.Background(), func(ctx context.Context) error { return boom })
	// Single attempt surfaces the error unwrapped.
	assert.Equal(t, boom, err)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retryer{Strategy: Constant{Delay: 5 * time.Second, MaxRetries: 3}}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Do(ctx, func(ctx context.Context) error { return errors.New("transient") })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoStopsWhenBackoffExceedsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	boom := errors.New("transient")
	r := &Retryer{Strategy: Constant{Delay: 5 * time.Second, MaxRetries: 3}}

	start := time.Now()
	stats, err := r.DoWithStats(ctx, func(ctx context.Context) error { return boom })
	require.Error(t, err)
	// The attempt's error survives instead of a context error.
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, stats.Attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	r := &Retryer{}
	_, err := r.DoWithStats(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestOnRetryHook(t *testing.T) {
	var attempts []int
	r := &Retryer{
		Strategy: Constant{Delay: time.Millisecond, MaxRetries: 2},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		},
	}
	_ = r.Do(context.Background(), func(ctx context.Context) error { return errors.New("x") })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestPackageLevelDo(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Constant{Delay: time.Millisecond, MaxRetries: 1}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("once")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
