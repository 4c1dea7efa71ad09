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

package dlq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foreman/pkg/errors"
)

// Memory is a process-local dead letter queue for tests and embedded
// dispatchers.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	clock   func() time.Time
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*Entry),
		clock:   time.Now,
	}
}

var _ Manager = (*Memory)(nil)

func (m *Memory) Add(_ context.Context, entry *Entry) error {
	if entry == nil || entry.RunID == "" {
		return &errors.ValidationError{Field: "run_id", Message: "dead letter needs a run id"}
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.clock().UTC()
	}
	if entry.MaxRetries <= 0 {
		entry.MaxRetries = DefaultMaxRetries
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = copyEntry(entry)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "dead letter", ID: id}
	}
	return copyEntry(entry), nil
}

func (m *Memory) ListUnresolved(_ context.Context, name string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []*Entry
	for _, entry := range m.entries {
		if entry.Resolved() {
			continue
		}
		if name != "" && entry.Name != name {
			continue
		}
		open = append(open, entry)
	}
	sort.Slice(open, func(i, j int) bool {
		if !open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].CreatedAt.Before(open[j].CreatedAt)
		}
		return open[i].ID < open[j].ID
	})
	if len(open) > limit {
		open = open[:limit]
	}
	out := make([]*Entry, len(open))
	for i, entry := range open {
		out[i] = copyEntry(entry)
	}
	return out, nil
}

func (m *Memory) CanRetry(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return false, &errors.NotFoundError{Resource: "dead letter", ID: id}
	}
	return !entry.Resolved() && entry.RetryCount < entry.MaxRetries, nil
}

func (m *Memory) MarkRetryAttempted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return &errors.NotFoundError{Resource: "dead letter", ID: id}
	}
	if entry.Resolved() {
		return &errors.ValidationError{Field: "id", Message: "dead letter " + id + " is resolved"}
	}
	now := m.clock().UTC()
	entry.RetryCount++
	entry.LastRetryAt = &now
	return nil
}

func (m *Memory) Resolve(_ context.Context, id, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return &errors.NotFoundError{Resource: "dead letter", ID: id}
	}
	if entry.Resolved() {
		return nil
	}
	now := m.clock().UTC()
	entry.ResolvedAt = &now
	entry.ResolvedBy = by
	return nil
}

func (m *Memory) CleanupResolved(_ context.Context, retention time.Duration) (int, error) {
	cutoff := m.clock().UTC().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, entry := range m.entries {
		if entry.ResolvedAt != nil && entry.ResolvedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Depth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, entry := range m.entries {
		if !entry.Resolved() {
			count++
		}
	}
	return count, nil
}

func copyEntry(entry *Entry) *Entry {
	out := *entry
	if entry.Params != nil {
		out.Params = make(map[string]any, len(entry.Params))
		for k, v := range entry.Params {
			out.Params[k] = v
		}
	}
	if entry.LastRetryAt != nil {
		t := *entry.LastRetryAt
		out.LastRetryAt = &t
	}
	if entry.ResolvedAt != nil {
		t := *entry.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
