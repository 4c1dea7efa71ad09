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

package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/foreman/pkg/deadline"
)

// Stats records what a Do loop did.
type Stats struct {
	// Attempts is the total number of calls made, including the first.
	Attempts int

	// Elapsed is wall time across all attempts and sleeps.
	Elapsed time.Duration

	// Errors holds the error from every failed attempt, in order.
	Errors []error
}

// Retryer drives a function through a Strategy. The zero value retries
// with the default Exponential strategy.
type Retryer struct {
	// Strategy decides delays and cutoff. Nil selects Exponential{}.
	Strategy Strategy

	// OnRetry, when set, is called before each sleep with the 1-based
	// number of the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Do calls fn until it succeeds, the strategy gives up, or ctx is done.
// Sleeps between attempts are interruptible by ctx.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := r.DoWithStats(ctx, fn)
	return err
}

// DoWithStats is Do, returning per-attempt details alongside the final
// error. The returned error is the last attempt's, wrapped with the
// attempt count.
func (r *Retryer) DoWithStats(ctx context.Context, fn func(context.Context) error) (Stats, error) {
	strategy := r.Strategy
	if strategy == nil {
		strategy = Exponential{}
	}

	start := time.Now()
	stats := Stats{}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, fmt.Errorf("cancelled before attempt %d: %w", attempt+1, err)
		}

		stats.Attempts++
		err := fn(ctx)
		if err == nil {
			stats.Elapsed = time.Since(start)
			return stats, nil
		}
		stats.Errors = append(stats.Errors, err)

		if !strategy.ShouldRetry(attempt, err) {
			stats.Elapsed = time.Since(start)
			if stats.Attempts == 1 {
				return stats, err
			}
			return stats, fmt.Errorf("failed after %d attempts: %w", stats.Attempts, err)
		}

		delay := strategy.NextDelay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt+1, err, delay)
		}

		// A sleep longer than the remaining deadline can only end in a
		// context error. Stop here and keep the attempt's error instead.
		if left, ok := deadline.Remaining(ctx); ok && left <= delay {
			stats.Elapsed = time.Since(start)
			return stats, fmt.Errorf("retry backoff %v exceeds remaining deadline: %w", delay, err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			stats.Elapsed = time.Since(start)
			return stats, fmt.Errorf("cancelled during retry backoff: %w", ctx.Err())
		}
	}
}

// Do is a convenience for a one-off loop with the given strategy.
func Do(ctx context.Context, strategy Strategy, fn func(context.Context) error) error {
	r := &Retryer{Strategy: strategy}
	return r.Do(ctx, fn)
}
