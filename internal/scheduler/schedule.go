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
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

// Type selects how a schedule computes its firing times.
type Type string

const (
	// TypeCron fires on a five-field cron expression, evaluated in the
	// schedule's timezone.
	TypeCron Type = "cron"
	// TypeInterval fires a fixed duration after each evaluation.
	TypeInterval Type = "interval"
	// TypeDate fires once at an absolute timestamp.
	TypeDate Type = "date"
)

// Valid reports whether t is a known schedule type.
func (t Type) Valid() bool {
	switch t {
	case TypeCron, TypeInterval, TypeDate:
		return true
	}
	return false
}

// RunStatus is the outcome of one firing of a schedule. A firing is
// COMPLETED as soon as the dispatcher accepts the submission; the run it
// produced has its own lifecycle in the ledger.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
	RunMissed    RunStatus = "missed"
)

// Terminal reports whether the firing reached a final outcome.
func (s RunStatus) Terminal() bool {
	return s != RunRunning && s != ""
}

const (
	// DefaultMisfireGrace is how late a due schedule may fire before the
	// tick marks it missed instead of dispatching.
	DefaultMisfireGrace = time.Minute

	// DefaultMaxInstances bounds concurrently active runs per schedule.
	DefaultMaxInstances = 1
)

// Schedule describes recurring or one-shot work: a target handler, a
// firing rule, and bookkeeping advanced by the scheduler after every
// firing. next_run_at is stored in UTC regardless of the schedule's
// timezone; a nil NextRunAt means the schedule will never fire again.
type Schedule struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	TargetKind work.Kind `json:"target_kind"`
	TargetName string    `json:"target_name"`

	Type     Type          `json:"schedule_type"`
	CronExpr string        `json:"cron_expr,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	RunAt    *time.Time    `json:"run_at,omitempty"`
	Timezone string        `json:"timezone,omitempty"`

	Params       map[string]any `json:"params,omitempty"`
	Enabled      bool           `json:"enabled"`
	MaxInstances int            `json:"max_instances"`
	MisfireGrace time.Duration  `json:"misfire_grace"`

	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus RunStatus  `json:"last_run_status,omitempty"`

	// Version increments on every update, including the bookkeeping
	// advance after a firing. Update refuses stale versions.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run records one firing of a schedule: when it was meant to happen, what
// the tick decided, and the ledger run it produced if one was dispatched.
type Run struct {
	ID           string     `json:"id"`
	ScheduleID   string     `json:"schedule_id"`
	ScheduleName string     `json:"schedule_name"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Status       RunStatus  `json:"status"`
	RunID        string     `json:"run_id,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Normalize fills defaults in place: pipeline kind when unset, max
// instances, misfire grace, and cron type when only an expression was
// given.
func (s *Schedule) Normalize() {
	if s.TargetKind == "" {
		s.TargetKind = work.KindPipeline
	}
	if s.Type == "" {
		switch {
		case s.CronExpr != "":
			s.Type = TypeCron
		case s.Interval > 0:
			s.Type = TypeInterval
		case s.RunAt != nil:
			s.Type = TypeDate
		}
	}
	if s.MaxInstances <= 0 {
		s.MaxInstances = DefaultMaxInstances
	}
	if s.MisfireGrace <= 0 {
		s.MisfireGrace = DefaultMisfireGrace
	}
}

// Validate rejects schedules that could never fire correctly. Timezone
// names must resolve here; at evaluation time an unresolvable zone falls
// back to UTC instead of failing the tick.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "schedule name is required"}
	}
	if s.TargetName == "" {
		return &errors.ValidationError{Field: "target_name", Message: "target name is required"}
	}
	if !s.TargetKind.Valid() {
		return &errors.ValidationError{Field: "target_kind", Message: "unknown kind " + string(s.TargetKind)}
	}
	if !s.Type.Valid() {
		return &errors.ValidationError{Field: "schedule_type", Message: "unknown schedule type " + string(s.Type)}
	}
	switch s.Type {
	case TypeCron:
		if s.CronExpr == "" {
			return &errors.ValidationError{Field: "cron_expr", Message: "cron schedules require an expression"}
		}
		if _, err := cron.ParseStandard(s.CronExpr); err != nil {
			return &errors.ValidationError{Field: "cron_expr", Message: "invalid cron expression: " + err.Error()}
		}
	case TypeInterval:
		if s.Interval <= 0 {
			return &errors.ValidationError{Field: "interval", Message: "interval schedules require a positive interval"}
		}
	case TypeDate:
		if s.RunAt == nil {
			return &errors.ValidationError{Field: "run_at", Message: "date schedules require run_at"}
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return &errors.ValidationError{Field: "timezone", Message: "unknown timezone " + s.Timezone}
		}
	}
	return nil
}

// Location resolves the schedule's timezone. The error is informational:
// on failure the returned location is still usable (UTC), so callers can
// log the fallback and carry on.
func (s *Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}

// NextAfter computes the next firing time strictly after the given
// instant, in UTC. A nil result with nil error means the schedule is
// exhausted (a date schedule whose time has passed). Cron expressions are
// evaluated in the schedule's timezone so "0 2 * * *" tracks local 2am
// across DST transitions; ambiguous or skipped local times resolve the
// way the cron library resolves them.
func (s *Schedule) NextAfter(after time.Time) (*time.Time, error) {
	switch s.Type {
	case TypeCron:
		expr, err := cron.ParseStandard(s.CronExpr)
		if err != nil {
			return nil, &errors.ValidationError{Field: "cron_expr", Message: "invalid cron expression: " + err.Error()}
		}
		loc, _ := s.Location()
		next := expr.Next(after.In(loc))
		if next.IsZero() {
			return nil, nil
		}
		u := next.UTC()
		return &u, nil

	case TypeInterval:
		if s.Interval <= 0 {
			return nil, &errors.ValidationError{Field: "interval", Message: "interval schedules require a positive interval"}
		}
		u := after.Add(s.Interval).UTC()
		return &u, nil

	case TypeDate:
		if s.RunAt == nil {
			return nil, &errors.ValidationError{Field: "run_at", Message: "date schedules require run_at"}
		}
		if !s.RunAt.After(after) {
			return nil, nil
		}
		u := s.RunAt.UTC()
		return &u, nil
	}
	return nil, &errors.ValidationError{Field: "schedule_type", Message: "unknown schedule type " + string(s.Type)}
}

// TargetKey returns the "<kind>:<name>" handler key the schedule fires.
func (s *Schedule) TargetKey() string {
	return string(s.TargetKind) + ":" + s.TargetName
}
