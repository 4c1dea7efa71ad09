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
	"sync"
	"time"
)

// DefaultKeyedIdleTTL is how long an untouched per-key limiter survives
// before pruning.
const DefaultKeyedIdleTTL = 10 * time.Minute

// Keyed lazily creates an independent limiter per key (tenant, lane,
// upstream host). Idle entries are pruned so unbounded key spaces don't
// leak.
type Keyed struct {
	mu      sync.Mutex
	factory func(key string) Limiter
	entries map[string]*keyedEntry
	idleTTL time.Duration
}

type keyedEntry struct {
	lim      Limiter
	lastUsed time.Time
}

// NewKeyed creates a keyed limiter. factory builds the limiter for a new
// key; idleTTL <= 0 selects the default.
func NewKeyed(factory func(key string) Limiter, idleTTL time.Duration) *Keyed {
	if idleTTL <= 0 {
		idleTTL = DefaultKeyedIdleTTL
	}
	return &Keyed{
		factory: factory,
		entries: make(map[string]*keyedEntry),
		idleTTL: idleTTL,
	}
}

// Get returns the limiter for key, creating it on first use.
func (k *Keyed) Get(key string) Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.getLocked(key)
}

func (k *Keyed) Allow(key string, n int) bool {
	return k.Get(key).Allow(n)
}

func (k *Keyed) Wait(ctx context.Context, key string, n int) error {
	return k.Get(key).Wait(ctx, n)
}

func (k *Keyed) WaitTime(key string, n int) time.Duration {
	return k.Get(key).WaitTime(n)
}

// Acquire is non-blocking admission for key; refusals carry the key as the
// limiter name.
func (k *Keyed) Acquire(key string, n int) error {
	return Acquire(k.Get(key), key, n)
}

// Prune drops limiters idle longer than the TTL and returns how many were
// removed.
func (k *Keyed) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	cutoff := time.Now().Add(-k.idleTTL)
	removed := 0
	for key, e := range k.entries {
		if e.lastUsed.Before(cutoff) {
			delete(k.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live per-key limiters.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// getLocked gets or creates the entry for key. Must be called with k.mu
// held.
func (k *Keyed) getLocked(key string) Limiter {
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{lim: k.factory(key)}
		k.entries[key] = e
	}
	e.lastUsed = time.Now()
	return e.lim
}
