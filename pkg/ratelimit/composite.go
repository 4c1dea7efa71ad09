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

package ratelimit

import (
	"context"
	"time"
)

// DefaultCompositeMaxWait bounds a blocking Wait across all component
// limiters.
const DefaultCompositeMaxWait = 30 * time.Second

// Composite requires every component limiter to admit an event, e.g. a
// global ceiling on top of a per-tenant cap. Admission is checked, then
// consumed from each component in order; under heavy contention a
// concurrent caller can take a slot between check and consume, which only
// makes the composite stricter, never looser.
type Composite struct {
	limiters []Limiter
	maxWait  time.Duration
}

// NewComposite combines limiters. maxWait <= 0 selects the default bound
// for blocking waits.
func NewComposite(maxWait time.Duration, limiters ...Limiter) *Composite {
	if maxWait <= 0 {
		maxWait = DefaultCompositeMaxWait
	}
	return &Composite{limiters: limiters, maxWait: maxWait}
}

func (c *Composite) Allow(n int) bool {
	for _, l := range c.limiters {
		if l.WaitTime(n) != 0 {
			return false
		}
	}
	for _, l := range c.limiters {
		if !l.Allow(n) {
			return false
		}
	}
	return true
}

func (c *Composite) Wait(ctx context.Context, n int) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()
	for _, l := range c.limiters {
		if err := l.Wait(waitCtx, n); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) WaitTime(n int) time.Duration {
	var max time.Duration
	for _, l := range c.limiters {
		wt := l.WaitTime(n)
		if wt < 0 {
			return -1
		}
		if wt > max {
			max = wt
		}
	}
	return max
}

var _ Limiter = (*Composite)(nil)
