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
	"time"
)

// Outcome is what a tick reports back to the repository when a firing
// settles. NextRunAt advances the schedule when non-nil; ClearNext writes
// NULL instead, retiring one-shot schedules. When neither is set the
// schedule's next firing is left untouched (manual triggers).
type Outcome struct {
	Status    RunStatus
	RunID     string
	Error     string
	NextRunAt *time.Time
	ClearNext bool
}

// Repository is the persistence contract for schedules and their firing
// history. Implementations must be safe for concurrent use.
type Repository interface {
	// Create persists a new schedule, assigning an ID when empty and
	// computing the initial next_run_at when unset. The name must be
	// unique; a duplicate returns a ValidationError.
	Create(ctx context.Context, s *Schedule) error

	// Get returns a schedule by ID, or a NotFoundError.
	Get(ctx context.Context, id string) (*Schedule, error)

	// GetByName returns a schedule by unique name, or a NotFoundError.
	GetByName(ctx context.Context, name string) (*Schedule, error)

	// List returns schedules ordered by name. Disabled schedules are
	// included only when includeDisabled is set.
	List(ctx context.Context, includeDisabled bool) ([]*Schedule, error)

	// Update rewrites a schedule's definition. It refuses stale writes:
	// s.Version must match the stored version, and the stored version is
	// bumped on success. The updated version is written back into s.
	Update(ctx context.Context, s *Schedule) error

	// Delete removes a schedule and its firing history.
	Delete(ctx context.Context, id string) error

	// SetEnabled pauses or resumes a schedule by name.
	SetEnabled(ctx context.Context, name string, enabled bool) error

	// DueSchedules returns enabled schedules with next_run_at at or
	// before now, soonest first.
	DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)

	// MarkRunStarted opens a firing: it inserts a RUNNING schedule run
	// for the given scheduled instant and stamps the schedule's
	// last_run_at.
	MarkRunStarted(ctx context.Context, s *Schedule, scheduledAt time.Time) (*Run, error)

	// MarkRunCompleted settles the most recent RUNNING firing of the
	// schedule with a terminal status and advances the schedule's
	// bookkeeping (next_run_at per the outcome, last_run_status,
	// version).
	MarkRunCompleted(ctx context.Context, scheduleID string, outcome Outcome) error

	// RecordOutcome writes a firing that never ran: a terminal schedule
	// run (missed, skipped) plus the same bookkeeping advance as
	// MarkRunCompleted.
	RecordOutcome(ctx context.Context, s *Schedule, scheduledAt time.Time, outcome Outcome) error

	// RecentRuns returns the newest firings of a schedule, most recent
	// first. limit defaults to 20 when zero.
	RecentRuns(ctx context.Context, scheduleID string, limit int) ([]*Run, error)

	// MissedCount counts firings marked missed since the given instant.
	MissedCount(ctx context.Context, since time.Time) (int, error)
}
