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

package guard

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/foreman/pkg/errors"
)

type hold struct {
	runID     string
	expiresAt time.Time
}

// Memory is a process-local guard for tests and embedded dispatchers.
type Memory struct {
	mu    sync.Mutex
	holds map[string]hold
	clock func() time.Time
}

// NewMemory creates an empty in-memory guard.
func NewMemory() *Memory {
	return &Memory{
		holds: make(map[string]hold),
		clock: time.Now,
	}
}

var _ Guard = (*Memory)(nil)

func (g *Memory) Acquire(_ context.Context, key, runID string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, &errors.ValidationError{Field: "key", Message: "lock key must not be empty"}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock().UTC()
	if h, ok := g.holds[key]; ok && h.expiresAt.After(now) && h.runID != runID {
		return false, nil
	}
	g.holds[key] = hold{runID: runID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (g *Memory) Release(_ context.Context, key, runID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.holds[key]
	if !ok {
		return nil
	}
	if h.runID != runID {
		if !h.expiresAt.After(g.clock().UTC()) {
			delete(g.holds, key)
			return nil
		}
		return &errors.LockHeldError{Key: key, Holder: h.runID}
	}
	delete(g.holds, key)
	return nil
}

func (g *Memory) IsLocked(ctx context.Context, key string) (bool, error) {
	holder, err := g.Holder(ctx, key)
	return holder != "", err
}

func (g *Memory) Holder(_ context.Context, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.holds[key]
	if !ok || !h.expiresAt.After(g.clock().UTC()) {
		return "", nil
	}
	return h.runID, nil
}

func (g *Memory) Extend(_ context.Context, key, runID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock().UTC()
	h, ok := g.holds[key]
	if !ok || !h.expiresAt.After(now) {
		return &errors.NotFoundError{Resource: "lock", ID: key}
	}
	if h.runID != runID {
		return &errors.LockHeldError{Key: key, Holder: h.runID}
	}
	h.expiresAt = now.Add(ttl)
	g.holds[key] = h
	return nil
}

func (g *Memory) CleanupExpired(context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock().UTC()
	removed := 0
	for key, h := range g.holds {
		if !h.expiresAt.After(now) {
			delete(g.holds, key)
			removed++
		}
	}
	return removed, nil
}

func (g *Memory) ActiveCount(context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock().UTC()
	count := 0
	for _, h := range g.holds {
		if h.expiresAt.After(now) {
			count++
		}
	}
	return count, nil
}
