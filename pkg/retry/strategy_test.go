package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	ferrors "github.com/tombee/foreman/pkg/errors"
)

func TestExponentialSchedule(t *testing.T) {
	e := Exponential{Base: time.Second, Multiplier: 2, Max: 30 * time.Second}

	assert.Equal(t, 1*time.Second, e.NextDelay(0))
	assert.Equal(t, 2*time.Second, e.NextDelay(1))
	assert.Equal(t, 4*time.Second, e.NextDelay(2))
	assert.Equal(t, 8*time.Second, e.NextDelay(3))
	// Capped at Max.
	assert.Equal(t, 30*time.Second, e.NextDelay(10))
}

func TestExponentialDefaults(t *testing.T) {
	e := Exponential{}
	assert.Equal(t, 1*time.Second, e.NextDelay(0))
	assert.Equal(t, 2*time.Second, e.NextDelay(1))
	assert.Equal(t, 30*time.Second, e.NextDelay(20))

	assert.True(t, e.ShouldRetry(0, assert.AnError))
	assert.True(t, e.ShouldRetry(2, assert.AnError))
	assert.False(t, e.ShouldRetry(3, assert.AnError))
}

func TestExponentialJitterRange(t *testing.T) {
	e := Exponential{Base: time.Second, Multiplier: 2, Max: time.Minute, Jitter: 0.5}
	lo := 750 * time.Millisecond
	hi := 1250 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := e.NextDelay(0)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestLinearSchedule(t *testing.T) {
	l := Linear{Base: time.Second, Increment: 2 * time.Second, Max: 6 * time.Second}
	assert.Equal(t, 1*time.Second, l.NextDelay(0))
	assert.Equal(t, 3*time.Second, l.NextDelay(1))
	assert.Equal(t, 5*time.Second, l.NextDelay(2))
	assert.Equal(t, 6*time.Second, l.NextDelay(3))
	assert.Equal(t, 6*time.Second, l.NextDelay(10))
}

func TestConstantSchedule(t *testing.T) {
	c := Constant{Delay: 5 * time.Second, MaxRetries: 2}
	assert.Equal(t, 5*time.Second, c.NextDelay(0))
	assert.Equal(t, 5*time.Second, c.NextDelay(9))
	assert.True(t, c.ShouldRetry(1, assert.AnError))
	assert.False(t, c.ShouldRetry(2, assert.AnError))
}

func TestNone(t *testing.T) {
	n := None{}
	assert.Equal(t, time.Duration(0), n.NextDelay(0))
	assert.False(t, n.ShouldRetry(0, assert.AnError))
}

func TestRetryableTypesFilter(t *testing.T) {
	e := Exponential{MaxRetries: 5, RetryableTypes: []string{"timeout", "rate_limit"}}

	timeout := &ferrors.TimeoutError{Operation: "fetch", Duration: time.Second}
	assert.True(t, e.ShouldRetry(0, timeout))

	invalid := &ferrors.ValidationError{Field: "x", Message: "bad"}
	assert.False(t, e.ShouldRetry(0, invalid))

	// Unclassified errors don't match an explicit filter.
	assert.False(t, e.ShouldRetry(0, assert.AnError))
}

func TestClassifiedErrorsWithoutFilter(t *testing.T) {
	e := Exponential{MaxRetries: 5}

	// Non-retryable classification stops the loop even below MaxRetries.
	invalid := &ferrors.ValidationError{Field: "x", Message: "bad"}
	assert.False(t, e.ShouldRetry(0, invalid))

	timeout := &ferrors.TimeoutError{Operation: "fetch", Duration: time.Second}
	assert.True(t, e.ShouldRetry(0, timeout))
}
