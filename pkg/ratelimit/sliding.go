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
	"fmt"
	"sync"
	"time"
)

// SlidingWindow admits at most limit events per trailing window. Unlike a
// token bucket it enforces a hard cap over any window-sized interval, which
// matches per-minute API quotas.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
}

// NewSlidingWindow creates a limiter admitting limit events per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{limit: limit, window: window}
}

func (s *SlidingWindow) Allow(n int) bool {
	if n <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.pruneLocked(now)
	if len(s.events)+n > s.limit {
		return false
	}
	for i := 0; i < n; i++ {
		s.events = append(s.events, now)
	}
	return true
}

func (s *SlidingWindow) Wait(ctx context.Context, n int) error {
	if n > s.limit {
		return fmt.Errorf("request of %d exceeds window limit %d", n, s.limit)
	}
	for {
		if s.Allow(n) {
			return nil
		}
		wait := s.WaitTime(n)
		if wait <= 0 {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *SlidingWindow) WaitTime(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	if n > s.limit {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.pruneLocked(now)
	free := s.limit - len(s.events)
	if free >= n {
		return 0
	}
	// The request fits once the oldest (n - free) events leave the window.
	idx := n - free - 1
	return s.events[idx].Add(s.window).Sub(now)
}

// InWindow returns how many events currently count against the limit.
func (s *SlidingWindow) InWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	return len(s.events)
}

// pruneLocked drops events older than the window. Must be called with
// s.mu held.
func (s *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.events) && !s.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.events = append(s.events[:0], s.events[i:]...)
	}
}

var _ Limiter = (*SlidingWindow)(nil)
