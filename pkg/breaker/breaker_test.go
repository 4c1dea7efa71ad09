package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/tombee/foreman/pkg/errors"
)

func trip(b *Breaker, failures int) {
	for i := 0; i < failures; i++ {
		if b.Allow() == nil {
			b.RecordFailure()
		}
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New("db", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	var coe *ferrors.CircuitOpenError
	require.True(t, errors.As(err, &coe))
	assert.Equal(t, "db", coe.Breaker)
	assert.Greater(t, coe.RetryAfter, time.Duration(0))
}

func TestBreakerSuccessResetsConsecutive(t *testing.T) {
	b := New("db", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Allow())
		if i%2 == 0 {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
	}
	// Failures never run consecutively, so the breaker stays closed.
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerRecovery(t *testing.T) {
	b := New("db", Config{
		FailureThreshold: 2,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 1,
	})

	trip(b, 2)
	assert.Equal(t, StateOpen, b.State())
	require.Error(t, b.Allow())

	time.Sleep(30 * time.Millisecond)

	// First probe admitted; breaker is half-open with one in-flight call.
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Second concurrent probe rejected by the half-open budget.
	require.Error(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	// Second success closes.
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("db", Config{
		FailureThreshold: 2,
		RecoveryTimeout:  15 * time.Millisecond,
		SuccessThreshold: 2,
	})

	trip(b, 2)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// The open window restarts; immediate calls are rejected again.
	require.Error(t, b.Allow())
}

func TestBreakerDo(t *testing.T) {
	b := New("api", Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	boom := errors.New("boom")

	err := b.Do(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	err = b.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.Equal(t, boom, err)
	err = b.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.Equal(t, boom, err)

	// Tripped: fn must not run.
	calls := 0
	err = b.Do(context.Background(), func(ctx context.Context) error { calls++; return nil })
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	var coe *ferrors.CircuitOpenError
	assert.True(t, errors.As(err, &coe))
}

func TestBreakerStats(t *testing.T) {
	b := New("db", Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	require.NoError(t, b.Allow())
	b.RecordSuccess()
	trip(b, 2)
	_ = b.Allow() // rejected

	s := b.Stats()
	assert.Equal(t, "db", s.Name)
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, uint64(3), s.Attempts)
	assert.Equal(t, uint64(1), s.Successes)
	assert.Equal(t, uint64(2), s.Failures)
	assert.Equal(t, uint64(1), s.Rejected)
	assert.Equal(t, uint64(1), s.StateChanges)
	assert.False(t, s.OpenedAt.IsZero())
}

func TestBreakerReset(t *testing.T) {
	b := New("db", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	trip(b, 1)
	assert.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreakerOnStateChange(t *testing.T) {
	type change struct{ from, to State }
	var changes []change
	b := New("db", Config{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		SuccessThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, change{from, to})
		},
	})

	trip(b, 1)
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, changes)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))

	trip(a, 1)
	assert.Equal(t, StateOpen, a.State())
	assert.True(t, r.Reset("a"))
	assert.Equal(t, StateClosed, a.State())
	assert.False(t, r.Reset("missing"))

	r.Get("b")
	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Name)
	assert.Equal(t, "b", stats[1].Name)

	trip(a, 1)
	trip(r.Get("b"), 1)
	r.ResetAll()
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, r.Get("b").State())
}
