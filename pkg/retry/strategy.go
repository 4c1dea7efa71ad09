// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry implements delay strategies and a cancellable retry loop.
// Strategies are pure: NextDelay(0) is the delay before the first retry,
// and attempts count completed failures, so callers can unit-test schedules
// without sleeping.
package retry

import (
	"math/rand"
	"time"

	"github.com/tombee/foreman/pkg/errors"
)

// Strategy decides whether and when to retry after a failed attempt.
// attempt is 0-based: ShouldRetry(0, err) asks about the first retry.
type Strategy interface {
	// NextDelay returns the delay before retry number attempt+1.
	NextDelay(attempt int) time.Duration

	// ShouldRetry reports whether another attempt should be made after
	// attempt failures, the latest of which was err.
	ShouldRetry(attempt int, err error) bool
}

// Exponential backs off as Base * Multiplier^attempt, capped at Max, with
// optional proportional jitter. The zero value is usable and selects the
// defaults (1s base, x2, 30s cap, 3 retries, no jitter).
type Exponential struct {
	// Base is the first retry delay.
	Base time.Duration

	// Multiplier scales the delay each attempt. Values below 1 are
	// treated as the default.
	Multiplier float64

	// Max caps the computed delay before jitter.
	Max time.Duration

	// Jitter spreads the delay to delay*(1 ± Jitter/2). 0 disables, 1
	// gives full +-50% spread.
	Jitter float64

	// MaxRetries bounds the number of retries.
	MaxRetries int

	// RetryableTypes restricts retries to errors whose classification
	// matches (see errors.TypeOf). Empty defers to errors.Retryable.
	RetryableTypes []string
}

const (
	defaultBase       = 1 * time.Second
	defaultMultiplier = 2.0
	defaultMax        = 30 * time.Second
	defaultMaxRetries = 3
)

func (e Exponential) NextDelay(attempt int) time.Duration {
	base := e.Base
	if base <= 0 {
		base = defaultBase
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = defaultMultiplier
	}
	max := e.Max
	if max <= 0 {
		max = defaultMax
	}

	delay := float64(base) * pow(mult, attempt)
	if delay > float64(max) {
		delay = float64(max)
	}
	return applyJitter(time.Duration(delay), e.Jitter)
}

func (e Exponential) ShouldRetry(attempt int, err error) bool {
	maxRetries := e.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if attempt >= maxRetries {
		return false
	}
	return typeAllowed(err, e.RetryableTypes)
}

// Linear grows the delay by a fixed increment each attempt:
// Base + Increment*attempt, capped at Max.
type Linear struct {
	Base       time.Duration
	Increment  time.Duration
	Max        time.Duration
	MaxRetries int

	RetryableTypes []string
}

func (l Linear) NextDelay(attempt int) time.Duration {
	base := l.Base
	if base <= 0 {
		base = defaultBase
	}
	inc := l.Increment
	if inc <= 0 {
		inc = base
	}
	max := l.Max
	if max <= 0 {
		max = defaultMax
	}

	delay := base + time.Duration(attempt)*inc
	if delay > max {
		delay = max
	}
	return delay
}

func (l Linear) ShouldRetry(attempt int, err error) bool {
	maxRetries := l.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if attempt >= maxRetries {
		return false
	}
	return typeAllowed(err, l.RetryableTypes)
}

// Constant waits the same delay before every retry.
type Constant struct {
	Delay      time.Duration
	MaxRetries int

	RetryableTypes []string
}

func (c Constant) NextDelay(attempt int) time.Duration {
	if c.Delay <= 0 {
		return defaultBase
	}
	return c.Delay
}

func (c Constant) ShouldRetry(attempt int, err error) bool {
	maxRetries := c.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if attempt >= maxRetries {
		return false
	}
	return typeAllowed(err, c.RetryableTypes)
}

// None never retries.
type None struct{}

func (None) NextDelay(attempt int) time.Duration   { return 0 }
func (None) ShouldRetry(attempt int, _ error) bool { return false }

var (
	_ Strategy = Exponential{}
	_ Strategy = Linear{}
	_ Strategy = Constant{}
	_ Strategy = None{}
)

// typeAllowed applies the strategy's error filter. With no filter the
// error's own classification decides; unclassified errors are retryable.
func typeAllowed(err error, types []string) bool {
	if len(types) == 0 {
		return errors.Retryable(err)
	}
	errType := errors.TypeOf(err)
	for _, t := range types {
		if t == errType {
			return true
		}
	}
	return false
}

// applyJitter spreads d to d*(1 ± fraction/2).
func applyJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	spread := float64(d) * fraction
	jittered := float64(d) - spread/2 + rand.Float64()*spread
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

// pow calculates base^exp for non-negative integer exponents.
func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
