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

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foreman/pkg/errors"
)

// MemoryRepository is an in-process schedule store for tests and embedded
// use. It applies the same version and status rules as the SQL
// implementation.
type MemoryRepository struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	byName    map[string]string
	runs      map[string][]*Run
	clock     func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		schedules: make(map[string]*Schedule),
		byName:    make(map[string]string),
		runs:      make(map[string][]*Run),
		clock:     time.Now,
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (m *MemoryRepository) Create(_ context.Context, s *Schedule) error {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[s.Name]; ok {
		return &errors.ValidationError{Field: "name", Message: fmt.Sprintf("schedule %q already exists", s.Name)}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := m.clock().UTC()
	if s.NextRunAt == nil {
		next, err := s.NextAfter(now)
		if err != nil {
			return err
		}
		s.NextRunAt = next
	}
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now

	m.schedules[s.ID] = copySchedule(s)
	m.byName[s.Name] = s.ID
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return copySchedule(s), nil
}

func (m *MemoryRepository) GetByName(_ context.Context, name string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: name}
	}
	return copySchedule(m.schedules[id]), nil
}

func (m *MemoryRepository) List(_ context.Context, includeDisabled bool) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Schedule
	for _, s := range m.schedules {
		if !includeDisabled && !s.Enabled {
			continue
		}
		out = append(out, copySchedule(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepository) Update(_ context.Context, s *Schedule) error {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.schedules[s.ID]
	if !ok {
		return &errors.NotFoundError{Resource: "schedule", ID: s.ID}
	}
	if stored.Version != s.Version {
		return &errors.InvalidTransitionError{
			RunID: s.ID,
			From:  fmt.Sprintf("version %d", s.Version),
			To:    "update",
		}
	}
	if stored.Name != s.Name {
		if _, taken := m.byName[s.Name]; taken {
			return &errors.ValidationError{Field: "name", Message: fmt.Sprintf("schedule %q already exists", s.Name)}
		}
		delete(m.byName, stored.Name)
		m.byName[s.Name] = s.ID
	}

	s.Version++
	s.UpdatedAt = m.clock().UTC()
	s.CreatedAt = stored.CreatedAt
	s.LastRunAt = stored.LastRunAt
	s.LastRunStatus = stored.LastRunStatus
	m.schedules[s.ID] = copySchedule(s)
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	delete(m.schedules, id)
	delete(m.byName, s.Name)
	delete(m.runs, id)
	return nil
}

func (m *MemoryRepository) SetEnabled(_ context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[name]
	if !ok {
		return &errors.NotFoundError{Resource: "schedule", ID: name}
	}
	m.schedules[id].Enabled = enabled
	m.schedules[id].UpdatedAt = m.clock().UTC()
	return nil
}

func (m *MemoryRepository) DueSchedules(_ context.Context, now time.Time) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Schedule
	for _, s := range m.schedules {
		if !s.Enabled || s.NextRunAt == nil || s.NextRunAt.After(now) {
			continue
		}
		due = append(due, copySchedule(s))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

func (m *MemoryRepository) MarkRunStarted(_ context.Context, s *Schedule, scheduledAt time.Time) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.schedules[s.ID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: s.ID}
	}
	now := m.clock().UTC()
	run := &Run{
		ID:           uuid.NewString(),
		ScheduleID:   s.ID,
		ScheduleName: s.Name,
		ScheduledAt:  scheduledAt.UTC(),
		StartedAt:    &now,
		Status:       RunRunning,
	}
	m.runs[s.ID] = append(m.runs[s.ID], run)
	stored.LastRunAt = &now
	stored.UpdatedAt = now
	s.LastRunAt = &now

	out := *run
	return &out, nil
}

func (m *MemoryRepository) MarkRunCompleted(_ context.Context, scheduleID string, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return &errors.ValidationError{Field: "status", Message: fmt.Sprintf("%q is not a terminal schedule run status", outcome.Status)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := m.runs[scheduleID]
	var open *Run
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Status == RunRunning {
			open = runs[i]
			break
		}
	}
	if open == nil {
		return &errors.NotFoundError{Resource: "schedule run", ID: scheduleID}
	}
	now := m.clock().UTC()
	open.Status = outcome.Status
	open.CompletedAt = &now
	open.RunID = outcome.RunID
	open.Error = outcome.Error

	return m.advanceLocked(scheduleID, outcome, now)
}

func (m *MemoryRepository) RecordOutcome(_ context.Context, s *Schedule, scheduledAt time.Time, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return &errors.ValidationError{Field: "status", Message: fmt.Sprintf("%q is not a terminal schedule run status", outcome.Status)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	m.runs[s.ID] = append(m.runs[s.ID], &Run{
		ID:           uuid.NewString(),
		ScheduleID:   s.ID,
		ScheduleName: s.Name,
		ScheduledAt:  scheduledAt.UTC(),
		CompletedAt:  &now,
		Status:       outcome.Status,
		RunID:        outcome.RunID,
		Error:        outcome.Error,
	})
	return m.advanceLocked(s.ID, outcome, now)
}

func (m *MemoryRepository) RecentRuns(_ context.Context, scheduleID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := m.runs[scheduleID]
	out := make([]*Run, 0, len(runs))
	for _, run := range runs {
		r := *run
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.After(out[j].ScheduledAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (m *MemoryRepository) MissedCount(_ context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, runs := range m.runs {
		for _, run := range runs {
			if run.Status == RunMissed && !run.ScheduledAt.Before(since) {
				count++
			}
		}
	}
	return count, nil
}

// advanceLocked applies the post-firing bookkeeping. Must be called with
// mu held.
func (m *MemoryRepository) advanceLocked(scheduleID string, outcome Outcome, now time.Time) error {
	s, ok := m.schedules[scheduleID]
	if !ok {
		return &errors.NotFoundError{Resource: "schedule", ID: scheduleID}
	}
	s.LastRunStatus = outcome.Status
	switch {
	case outcome.ClearNext:
		s.NextRunAt = nil
	case outcome.NextRunAt != nil:
		t := outcome.NextRunAt.UTC()
		s.NextRunAt = &t
	}
	s.Version++
	s.UpdatedAt = now
	return nil
}

func copySchedule(s *Schedule) *Schedule {
	out := *s
	if s.Params != nil {
		out.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	if s.RunAt != nil {
		t := *s.RunAt
		out.RunAt = &t
	}
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		out.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		out.NextRunAt = &t
	}
	return &out
}
