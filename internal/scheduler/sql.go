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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tombee/foreman/internal/store"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

// scheduleColumns is the scan order used by scanSchedule. Keep the two in
// sync.
const scheduleColumns = `id, name, target_kind, target_name, schedule_type,
	cron_expr, interval_ms, run_at, timezone, params, enabled,
	max_instances, misfire_grace_ms, last_run_at, next_run_at,
	last_run_status, version, created_at, updated_at`

// scheduleRunColumns is the scan order used by scanScheduleRun.
const scheduleRunColumns = `id, schedule_id, schedule_name, scheduled_at,
	started_at, completed_at, status, run_id, error`

// SQLRepository is the database-backed schedule store. It works against
// any store.Store (SQLite or Postgres); queries use ? placeholders and
// are rebound for the active dialect.
type SQLRepository struct {
	store *store.Store
	clock func() time.Time
}

// NewSQLRepository creates a repository over an opened, migrated store.
func NewSQLRepository(st *store.Store) *SQLRepository {
	return &SQLRepository{store: st, clock: time.Now}
}

var _ Repository = (*SQLRepository)(nil)

// Create validates, fills defaults, and inserts the schedule. The initial
// next_run_at is computed from now when the caller did not set one.
func (r *SQLRepository) Create(ctx context.Context, s *Schedule) error {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := r.clock().UTC()
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

	params, err := marshalParams(s.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	// Pre-check gives a friendly error; the UNIQUE constraint backs the
	// race.
	if _, err := r.GetByName(ctx, s.Name); err == nil {
		return &errors.ValidationError{Field: "name", Message: fmt.Sprintf("schedule %q already exists", s.Name)}
	} else if errors.TypeOf(err) != "not_found" {
		return err
	}

	_, err = r.store.DB().ExecContext(ctx, r.store.Rebind(`
		INSERT INTO core_schedules (
			id, name, target_kind, target_name, schedule_type,
			cron_expr, interval_ms, run_at, timezone, params, enabled,
			max_instances, misfire_grace_ms, last_run_at, next_run_at,
			last_run_status, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.Name, string(s.TargetKind), s.TargetName, string(s.Type),
		store.NullString(s.CronExpr), intervalMillis(s.Interval),
		store.FormatTimePtr(s.RunAt), store.NullString(s.Timezone),
		params, boolInt(s.Enabled),
		s.MaxInstances, s.MisfireGrace.Milliseconds(),
		store.FormatTimePtr(s.LastRunAt),
		store.FormatTimePtr(s.NextRunAt),
		store.NullString(string(s.LastRunStatus)), s.Version,
		store.FormatTime(s.CreatedAt), store.FormatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// Get returns a schedule by id.
func (r *SQLRepository) Get(ctx context.Context, id string) (*Schedule, error) {
	row := r.store.DB().QueryRowContext(ctx,
		r.store.Rebind(`SELECT `+scheduleColumns+` FROM core_schedules WHERE id = ?`), id)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return s, nil
}

// GetByName returns a schedule by its unique name.
func (r *SQLRepository) GetByName(ctx context.Context, name string) (*Schedule, error) {
	row := r.store.DB().QueryRowContext(ctx,
		r.store.Rebind(`SELECT `+scheduleColumns+` FROM core_schedules WHERE name = ?`), name)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule by name: %w", err)
	}
	return s, nil
}

// List returns schedules ordered by name.
func (r *SQLRepository) List(ctx context.Context, includeDisabled bool) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM core_schedules`
	if !includeDisabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := r.store.DB().QueryContext(ctx, r.store.Rebind(query))
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// Update rewrites the definition under an optimistic version check. The
// rewritten row carries version+1; a stale s.Version loses the race and
// returns an InvalidTransitionError naming the schedule.
func (r *SQLRepository) Update(ctx context.Context, s *Schedule) error {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	now := r.clock().UTC()

	params, err := marshalParams(s.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	res, err := r.store.DB().ExecContext(ctx, r.store.Rebind(`
		UPDATE core_schedules SET
			name = ?, target_kind = ?, target_name = ?, schedule_type = ?,
			cron_expr = ?, interval_ms = ?, run_at = ?, timezone = ?,
			params = ?, enabled = ?, max_instances = ?, misfire_grace_ms = ?,
			next_run_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		s.Name, string(s.TargetKind), s.TargetName, string(s.Type),
		store.NullString(s.CronExpr), intervalMillis(s.Interval),
		store.FormatTimePtr(s.RunAt), store.NullString(s.Timezone),
		params, boolInt(s.Enabled), s.MaxInstances, s.MisfireGrace.Milliseconds(),
		store.FormatTimePtr(s.NextRunAt), store.FormatTime(now),
		s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, s.ID); err != nil {
			return err
		}
		return &errors.InvalidTransitionError{
			RunID: s.ID,
			From:  fmt.Sprintf("version %d", s.Version),
			To:    "update",
		}
	}
	s.Version++
	s.UpdatedAt = now
	return nil
}

// Delete removes the schedule and its firing history.
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.store.Rebind(
		`DELETE FROM core_schedule_runs WHERE schedule_id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete schedule runs: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.store.Rebind(
		`DELETE FROM core_schedules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return tx.Commit()
}

// SetEnabled pauses or resumes by name.
func (r *SQLRepository) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := r.store.DB().ExecContext(ctx, r.store.Rebind(`
		UPDATE core_schedules SET enabled = ?, updated_at = ? WHERE name = ?`),
		boolInt(enabled), store.FormatTime(r.clock().UTC()), name)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "schedule", ID: name}
	}
	return nil
}

// DueSchedules returns enabled schedules due at or before now, soonest
// first. Timestamps are fixed-width UTC text, so string comparison is
// chronological.
func (r *SQLRepository) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := r.store.DB().QueryContext(ctx, r.store.Rebind(`
		SELECT `+scheduleColumns+` FROM core_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`),
		store.FormatTime(now.UTC()))
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var due []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		due = append(due, s)
	}
	return due, rows.Err()
}

// MarkRunStarted opens a firing in one transaction: insert the RUNNING
// schedule run and stamp last_run_at.
func (r *SQLRepository) MarkRunStarted(ctx context.Context, s *Schedule, scheduledAt time.Time) (*Run, error) {
	now := r.clock().UTC()
	run := &Run{
		ID:           uuid.NewString(),
		ScheduleID:   s.ID,
		ScheduleName: s.Name,
		ScheduledAt:  scheduledAt.UTC(),
		StartedAt:    &now,
		Status:       RunRunning,
	}

	tx, err := r.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertScheduleRun(ctx, tx, r.store, run); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, r.store.Rebind(`
		UPDATE core_schedules SET last_run_at = ?, updated_at = ? WHERE id = ?`),
		store.FormatTime(now), store.FormatTime(now), s.ID)
	if err != nil {
		return nil, fmt.Errorf("stamp last_run_at: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.LastRunAt = &now
	return run, nil
}

// MarkRunCompleted settles the newest RUNNING firing and advances the
// schedule's bookkeeping in one transaction.
func (r *SQLRepository) MarkRunCompleted(ctx context.Context, scheduleID string, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return &errors.ValidationError{Field: "status", Message: fmt.Sprintf("%q is not a terminal schedule run status", outcome.Status)}
	}
	now := r.clock().UTC()

	tx, err := r.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var runID string
	err = tx.QueryRowContext(ctx, r.store.Rebind(`
		SELECT id FROM core_schedule_runs
		WHERE schedule_id = ? AND status = ?
		ORDER BY scheduled_at DESC, id DESC LIMIT 1`),
		scheduleID, string(RunRunning)).Scan(&runID)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "schedule run", ID: scheduleID}
	}
	if err != nil {
		return fmt.Errorf("find running schedule run: %w", err)
	}

	_, err = tx.ExecContext(ctx, r.store.Rebind(`
		UPDATE core_schedule_runs
		SET status = ?, completed_at = ?, run_id = ?, error = ?
		WHERE id = ?`),
		string(outcome.Status), store.FormatTime(now),
		store.NullString(outcome.RunID), store.NullString(outcome.Error), runID)
	if err != nil {
		return fmt.Errorf("settle schedule run: %w", err)
	}

	if err := advanceSchedule(ctx, tx, r.store, scheduleID, outcome, now); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordOutcome writes a firing that never ran (missed, skipped) and
// advances the schedule's bookkeeping.
func (r *SQLRepository) RecordOutcome(ctx context.Context, s *Schedule, scheduledAt time.Time, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return &errors.ValidationError{Field: "status", Message: fmt.Sprintf("%q is not a terminal schedule run status", outcome.Status)}
	}
	now := r.clock().UTC()
	run := &Run{
		ID:           uuid.NewString(),
		ScheduleID:   s.ID,
		ScheduleName: s.Name,
		ScheduledAt:  scheduledAt.UTC(),
		CompletedAt:  &now,
		Status:       outcome.Status,
		RunID:        outcome.RunID,
		Error:        outcome.Error,
	}

	tx, err := r.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertScheduleRun(ctx, tx, r.store, run); err != nil {
		return err
	}
	if err := advanceSchedule(ctx, tx, r.store, s.ID, outcome, now); err != nil {
		return err
	}
	return tx.Commit()
}

// RecentRuns returns the newest firings, most recent first.
func (r *SQLRepository) RecentRuns(ctx context.Context, scheduleID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.store.DB().QueryContext(ctx, r.store.Rebind(`
		SELECT `+scheduleRunColumns+` FROM core_schedule_runs
		WHERE schedule_id = ?
		ORDER BY scheduled_at DESC, id DESC LIMIT ?`),
		scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("query schedule runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanScheduleRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MissedCount counts firings marked missed since the given instant.
func (r *SQLRepository) MissedCount(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.store.DB().QueryRowContext(ctx, r.store.Rebind(`
		SELECT COUNT(*) FROM core_schedule_runs
		WHERE status = ? AND scheduled_at >= ?`),
		string(RunMissed), store.FormatTime(since.UTC())).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count missed runs: %w", err)
	}
	return count, nil
}

// advanceSchedule writes the post-firing bookkeeping: last_run_status,
// next_run_at per the outcome, and a version bump.
func advanceSchedule(ctx context.Context, tx *sqlx.Tx, st *store.Store, scheduleID string, outcome Outcome, now time.Time) error {
	query := `UPDATE core_schedules SET last_run_status = ?, version = version + 1, updated_at = ?`
	args := []any{string(outcome.Status), store.FormatTime(now)}
	switch {
	case outcome.ClearNext:
		query += `, next_run_at = NULL`
	case outcome.NextRunAt != nil:
		query += `, next_run_at = ?`
		args = append(args, store.FormatTime(*outcome.NextRunAt))
	}
	query += ` WHERE id = ?`
	args = append(args, scheduleID)

	res, err := tx.ExecContext(ctx, st.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "schedule", ID: scheduleID}
	}
	return nil
}

// insertScheduleRun appends one firing row inside the caller's
// transaction.
func insertScheduleRun(ctx context.Context, tx *sqlx.Tx, st *store.Store, run *Run) error {
	_, err := tx.ExecContext(ctx, st.Rebind(`
		INSERT INTO core_schedule_runs (
			id, schedule_id, schedule_name, scheduled_at,
			started_at, completed_at, status, run_id, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.ScheduleID, run.ScheduleName,
		store.FormatTime(run.ScheduledAt),
		store.FormatTimePtr(run.StartedAt),
		store.FormatTimePtr(run.CompletedAt),
		string(run.Status), store.NullString(run.RunID), store.NullString(run.Error))
	if err != nil {
		return fmt.Errorf("insert schedule run: %w", err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSchedule reads one row in scheduleColumns order.
func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		s                    Schedule
		kind, stype          string
		cronExpr, timezone   sql.NullString
		intervalMS           sql.NullInt64
		runAt, params        sql.NullString
		enabled              int
		misfireMS            int64
		lastRunAt, nextRunAt sql.NullString
		lastStatus           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&s.ID, &s.Name, &kind, &s.TargetName, &stype,
		&cronExpr, &intervalMS, &runAt, &timezone, &params, &enabled,
		&s.MaxInstances, &misfireMS, &lastRunAt, &nextRunAt,
		&lastStatus, &s.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.TargetKind = work.Kind(kind)
	s.Type = Type(stype)
	s.CronExpr = cronExpr.String
	s.Timezone = timezone.String
	s.Enabled = enabled != 0
	s.MisfireGrace = time.Duration(misfireMS) * time.Millisecond
	s.LastRunStatus = RunStatus(lastStatus.String)
	if intervalMS.Valid {
		s.Interval = time.Duration(intervalMS.Int64) * time.Millisecond
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &s.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if s.RunAt, err = store.ParseTimePtr(runAt); err != nil {
		return nil, fmt.Errorf("parse run_at: %w", err)
	}
	if s.LastRunAt, err = store.ParseTimePtr(lastRunAt); err != nil {
		return nil, fmt.Errorf("parse last_run_at: %w", err)
	}
	if s.NextRunAt, err = store.ParseTimePtr(nextRunAt); err != nil {
		return nil, fmt.Errorf("parse next_run_at: %w", err)
	}
	if s.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if s.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &s, nil
}

// scanScheduleRun reads one row in scheduleRunColumns order.
func scanScheduleRun(row rowScanner) (*Run, error) {
	var (
		run                    Run
		scheduledAt            string
		startedAt, completedAt sql.NullString
		status                 string
		runID, errMsg          sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.ScheduleID, &run.ScheduleName, &scheduledAt,
		&startedAt, &completedAt, &status, &runID, &errMsg)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.RunID = runID.String
	run.Error = errMsg.String
	if run.ScheduledAt, err = store.ParseTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("parse scheduled_at: %w", err)
	}
	if run.StartedAt, err = store.ParseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.CompletedAt, err = store.ParseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &run, nil
}

// marshalParams encodes a params map to JSON text, or nil for NULL.
func marshalParams(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// intervalMillis converts an interval to its storage form, NULL when the
// schedule carries none.
func intervalMillis(d time.Duration) any {
	if d <= 0 {
		return nil
	}
	return d.Milliseconds()
}

// boolInt stores enabled flags as 0/1 for cross-dialect portability.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
