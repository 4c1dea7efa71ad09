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

package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

// Memory is an in-process ledger for tests and embedded use. It applies the
// same transition guards as the SQL implementation.
type Memory struct {
	mu     sync.Mutex
	runs   map[string]*work.Run
	events map[string][]work.Event
	byKey  map[string]string
	seq    int64
	clock  func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		runs:   make(map[string]*work.Run),
		events: make(map[string][]work.Event),
		byKey:  make(map[string]string),
		clock:  time.Now,
	}
}

var _ Ledger = (*Memory)(nil)

func (m *Memory) CreateRun(_ context.Context, run *work.Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "run id must not be empty"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	if key := run.Spec.IdempotencyKey; key != "" {
		if existing, ok := m.byKey[key]; ok {
			return fmt.Errorf("idempotency key %q already used by run %s", key, existing)
		}
		m.byKey[key] = run.ID
	}
	m.runs[run.ID] = copyRun(run)

	data := map[string]any{"kind": string(run.Spec.Kind), "name": run.Spec.Name}
	if run.Spec.ParentRunID != "" {
		data["parent_run_id"] = run.Spec.ParentRunID
	}
	m.appendLocked(work.Event{
		RunID:     run.ID,
		Type:      work.EventCreated,
		Timestamp: run.CreatedAt,
		Data:      data,
		Source:    "dispatch",
	})
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*work.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return copyRun(run), nil
}

func (m *Memory) GetByIdempotencyKey(_ context.Context, key string) (*work.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: key}
	}
	return copyRun(m.runs[id]), nil
}

func (m *Memory) UpdateStatus(_ context.Context, runID string, status work.Status, opts UpdateOpts) error {
	if !status.Valid() {
		return &errors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err := work.ValidateTransition(runID, run.Status, status); err != nil {
		return err
	}
	now := m.clock().UTC()

	run.Status = status
	if status == work.StatusRunning && run.StartedAt == nil {
		t := now
		run.StartedAt = &t
	}
	if status.Terminal() {
		t := now
		run.CompletedAt = &t
	}
	if opts.Result != nil {
		run.Result = copyMap(opts.Result)
	}
	if opts.Error != "" {
		run.Error = opts.Error
		run.ErrorType = opts.ErrorType
	}
	if opts.ExternalRef != "" {
		run.ExternalRef = opts.ExternalRef
	}
	if opts.ExecutorName != "" {
		run.ExecutorName = opts.ExecutorName
	}
	if opts.WorkerID != "" {
		run.WorkerID = opts.WorkerID
	}

	data := map[string]any{}
	if opts.Error != "" {
		data["error"] = opts.Error
		if opts.ErrorType != "" {
			data["error_type"] = opts.ErrorType
		}
	}
	if opts.WorkerID != "" {
		data["worker_id"] = opts.WorkerID
	}
	if opts.ExecutorName != "" {
		data["executor"] = opts.ExecutorName
	}
	for k, v := range opts.EventData {
		data[k] = v
	}
	if len(data) == 0 {
		data = nil
	}
	m.appendLocked(work.Event{
		RunID:     runID,
		Type:      work.EventTypeFor(status),
		Timestamp: now,
		Data:      data,
		Source:    opts.EventSource,
	})
	return nil
}

func (m *Memory) Claim(_ context.Context, runID, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok || run.Status != work.StatusPending {
		return false, nil
	}
	now := m.clock().UTC()
	run.Status = work.StatusRunning
	run.WorkerID = workerID
	run.StartedAt = &now

	m.appendLocked(work.Event{
		RunID:     runID,
		Type:      work.EventStarted,
		Timestamp: now,
		Data:      map[string]any{"worker_id": workerID},
		Source:    "worker",
	})
	return true, nil
}

func (m *Memory) ListPending(_ context.Context, lane string, limit int) ([]*work.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*work.Run
	for _, run := range m.runs {
		if run.Status != work.StatusPending {
			continue
		}
		if lane != "" && run.Spec.Lane != lane {
			continue
		}
		pending = append(pending, run)
	}
	sort.Slice(pending, func(i, j int) bool {
		pi, pj := priorityRank(pending[i].Spec.Priority), priorityRank(pending[j].Spec.Priority)
		if pi != pj {
			return pi < pj
		}
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*work.Run, len(pending))
	for i, run := range pending {
		out[i] = copyRun(run)
	}
	return out, nil
}

func (m *Memory) IncrementRetry(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return 0, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	run.RetryCount++
	return run.RetryCount, nil
}

func (m *Memory) RecordEvent(_ context.Context, runID string, eventType work.EventType, data map[string]any, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	m.appendLocked(work.Event{
		RunID:     runID,
		Type:      eventType,
		Timestamp: m.clock().UTC(),
		Data:      copyMap(data),
		Source:    source,
	})
	return nil
}

func (m *Memory) Events(_ context.Context, runID string) ([]work.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]work.Event, len(m.events[runID]))
	copy(events, m.events[runID])
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
	for i := range events {
		events[i].Data = copyMap(events[i].Data)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events, nil
}

func (m *Memory) ListRuns(_ context.Context, filter Filter) ([]*work.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*work.Run
	for _, run := range m.runs {
		if filter.Kind != "" && run.Spec.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Name != "" && run.Spec.Name != filter.Name {
			continue
		}
		if filter.Lane != "" && run.Spec.Lane != filter.Lane {
			continue
		}
		if filter.ParentRunID != "" && run.Spec.ParentRunID != filter.ParentRunID {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*work.Run, len(matched))
	for i, run := range matched {
		out[i] = copyRun(run)
	}
	return out, nil
}

func (m *Memory) Children(_ context.Context, parentRunID string) ([]*work.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var children []*work.Run
	for _, run := range m.runs {
		if run.Spec.ParentRunID == parentRunID {
			children = append(children, run)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if !children[i].CreatedAt.Equal(children[j].CreatedAt) {
			return children[i].CreatedAt.Before(children[j].CreatedAt)
		}
		return children[i].ID < children[j].ID
	})
	out := make([]*work.Run, len(children))
	for i, run := range children {
		out[i] = copyRun(run)
	}
	return out, nil
}

func (m *Memory) MergeMetadata(_ context.Context, runID, key, value string) error {
	if key == "" {
		return &errors.ValidationError{Field: "key", Message: "metadata key must not be empty"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if run.Spec.Metadata == nil {
		run.Spec.Metadata = make(map[string]string)
	}
	run.Spec.Metadata[key] = value
	return nil
}

func (m *Memory) CountRunningOlderThan(_ context.Context, age time.Duration) (int, error) {
	cutoff := m.clock().UTC().Add(-age)
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, run := range m.runs {
		if run.Status == work.StatusRunning && run.StartedAt != nil && run.StartedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) FailureRate(_ context.Context, window time.Duration) (float64, error) {
	cutoff := m.clock().UTC().Add(-window)
	m.mu.Lock()
	defer m.mu.Unlock()

	var total, failed int
	for _, run := range m.runs {
		if run.CompletedAt == nil || run.CompletedAt.Before(cutoff) {
			continue
		}
		total++
		if run.Status == work.StatusFailed || run.Status == work.StatusTimedOut {
			failed++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

func (m *Memory) CleanupOlderThan(_ context.Context, retention time.Duration) (int, error) {
	cutoff := m.clock().UTC().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, run := range m.runs {
		if run.CompletedAt == nil || !run.CompletedAt.Before(cutoff) {
			continue
		}
		delete(m.runs, id)
		delete(m.events, id)
		if key := run.Spec.IdempotencyKey; key != "" && m.byKey[key] == id {
			delete(m.byKey, key)
		}
		removed++
	}
	return removed, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// appendLocked assigns the next event id. Must be called with mu held.
func (m *Memory) appendLocked(ev work.Event) {
	m.seq++
	ev.ID = m.seq
	m.events[ev.RunID] = append(m.events[ev.RunID], ev)
}

// priorityRank matches the CASE ordering in the SQL implementation; unknown
// values sort with normal.
func priorityRank(p work.Priority) int {
	switch p {
	case work.PriorityRealtime:
		return 0
	case work.PriorityHigh:
		return 1
	case work.PriorityLow:
		return 3
	case work.PrioritySlow:
		return 4
	default:
		return 2
	}
}

func copyRun(run *work.Run) *work.Run {
	out := *run
	out.Spec = run.Spec.Clone()
	out.Result = copyMap(run.Result)
	if run.StartedAt != nil {
		t := *run.StartedAt
		out.StartedAt = &t
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
