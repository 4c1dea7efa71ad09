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

// Package ratelimit provides admission control for handlers that call
// shared or metered dependencies: a token bucket for sustained rates, a
// sliding window for hard per-interval caps, plus per-key and composite
// wrappers.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/foreman/pkg/errors"
)

// Limiter admits or delays events. n is the event weight; most callers
// pass 1.
type Limiter interface {
	// Allow reports whether n events may proceed now, consuming them if so.
	Allow(n int) bool

	// Wait blocks until n events may proceed or ctx is done.
	Wait(ctx context.Context, n int) error

	// WaitTime returns how long a caller would currently wait for n
	// events, without consuming anything. A negative value means the
	// request can never be admitted.
	WaitTime(n int) time.Duration
}

// Acquire is non-blocking admission with a typed refusal: when the limiter
// denies, it returns a RateLimitError carrying the current wait estimate.
func Acquire(l Limiter, name string, n int) error {
	if l.Allow(n) {
		return nil
	}
	return &errors.RateLimitError{Limiter: name, RetryAfter: l.WaitTime(n)}
}

// TokenBucket adapts rate.Limiter: a steady refill rate with a burst
// allowance.
type TokenBucket struct {
	lim *rate.Limiter
}

// NewTokenBucket creates a bucket refilling at perSecond tokens/s holding
// at most burst.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *TokenBucket) Allow(n int) bool {
	return t.lim.AllowN(time.Now(), n)
}

func (t *TokenBucket) Wait(ctx context.Context, n int) error {
	return t.lim.WaitN(ctx, n)
}

func (t *TokenBucket) WaitTime(n int) time.Duration {
	if n > t.lim.Burst() {
		return -1
	}
	now := time.Now()
	r := t.lim.ReserveN(now, n)
	if !r.OK() {
		return -1
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

// Rate returns the configured refill rate in tokens per second.
func (t *TokenBucket) Rate() float64 { return float64(t.lim.Limit()) }

// Burst returns the bucket capacity.
func (t *TokenBucket) Burst() int { return t.lim.Burst() }

var _ Limiter = (*TokenBucket)(nil)
