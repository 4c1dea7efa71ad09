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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tombee/foreman/internal/store"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

// runColumns is the scan order used by scanRun. Keep the two in sync.
const runColumns = `id, kind, name, status, params, result, error, error_type,
	idempotency_key, correlation_id, priority, lane, parent_run_id,
	trigger_source, metadata, max_retries, retry_delay_ms, retry_count,
	retry_of_run_id, external_ref, executor, worker_id,
	created_at, started_at, completed_at`

// SQL is the database-backed ledger. It works against any store.Store
// (SQLite or Postgres); queries are written with ? placeholders and
// rebound for the active dialect.
type SQL struct {
	store *store.Store
}

// NewSQL creates a ledger over an opened, migrated store.
func NewSQL(st *store.Store) *SQL {
	return &SQL{store: st}
}

var _ Ledger = (*SQL)(nil)

// CreateRun inserts the run row and its CREATED event in one transaction.
func (l *SQL) CreateRun(ctx context.Context, run *work.Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "run id must not be empty"}
	}
	spec := run.Spec

	params, err := marshalJSON(spec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	metadata, err := marshalJSON(spec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := l.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, l.store.Rebind(`
		INSERT INTO core_executions (
			id, kind, name, workflow, status, params,
			idempotency_key, correlation_id, priority, lane, parent_run_id,
			trigger_source, metadata, max_retries, retry_delay_ms,
			retry_count, retry_of_run_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, string(spec.Kind), spec.Name, spec.HandlerKey(), string(run.Status), params,
		store.NullString(spec.IdempotencyKey), store.NullString(spec.CorrelationID),
		string(spec.Priority), spec.Lane, store.NullString(spec.ParentRunID),
		string(spec.TriggerSource), metadata, spec.MaxRetries, spec.RetryDelay.Milliseconds(),
		run.RetryCount, store.NullString(run.RetryOfRunID),
		store.FormatTime(run.CreatedAt), store.FormatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	data := map[string]any{"kind": string(spec.Kind), "name": spec.Name}
	if spec.ParentRunID != "" {
		data["parent_run_id"] = spec.ParentRunID
	}
	if err := insertEvent(ctx, tx, l.store, work.Event{
		RunID:     run.ID,
		Type:      work.EventCreated,
		Timestamp: run.CreatedAt,
		Data:      data,
		Source:    "dispatch",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRun returns the run by id.
func (l *SQL) GetRun(ctx context.Context, id string) (*work.Run, error) {
	row := l.store.DB().QueryRowContext(ctx,
		l.store.Rebind(`SELECT `+runColumns+` FROM core_executions WHERE id = ?`), id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// GetByIdempotencyKey returns the run created under the given key.
func (l *SQL) GetByIdempotencyKey(ctx context.Context, key string) (*work.Run, error) {
	row := l.store.DB().QueryRowContext(ctx,
		l.store.Rebind(`SELECT `+runColumns+` FROM core_executions WHERE idempotency_key = ?`), key)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("get run by idempotency key: %w", err)
	}
	return run, nil
}

// UpdateStatus applies a guarded status transition and appends the derived
// lifecycle event atomically. A concurrent writer that moves the run first
// causes an InvalidTransitionError rather than a silent overwrite.
func (l *SQL) UpdateStatus(ctx context.Context, runID string, status work.Status, opts UpdateOpts) error {
	if !status.Valid() {
		return &errors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	now := time.Now().UTC()

	tx, err := l.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		l.store.Rebind(`SELECT status FROM core_executions WHERE id = ?`), runID).Scan(&current)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	from := work.Status(current)
	if err := work.ValidateTransition(runID, from, status); err != nil {
		return err
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), store.FormatTime(now)}
	if status == work.StatusRunning {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, store.FormatTime(now))
	}
	if status.Terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, store.FormatTime(now))
	}
	if opts.Result != nil {
		result, err := marshalJSON(opts.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, result)
	}
	if opts.Error != "" {
		sets = append(sets, "error = ?", "error_type = ?")
		args = append(args, opts.Error, store.NullString(opts.ErrorType))
	}
	if opts.ExternalRef != "" {
		sets = append(sets, "external_ref = ?")
		args = append(args, opts.ExternalRef)
	}
	if opts.ExecutorName != "" {
		sets = append(sets, "executor = ?")
		args = append(args, opts.ExecutorName)
	}
	if opts.WorkerID != "" {
		sets = append(sets, "worker_id = ?")
		args = append(args, opts.WorkerID)
	}
	args = append(args, runID, string(from))

	res, err := tx.ExecContext(ctx, l.store.Rebind(
		`UPDATE core_executions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.InvalidTransitionError{RunID: runID, From: string(from), To: string(status)}
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
	if err := insertEvent(ctx, tx, l.store, work.Event{
		RunID:     runID,
		Type:      work.EventTypeFor(status),
		Timestamp: now,
		Data:      data,
		Source:    opts.EventSource,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Claim moves a pending run to running for workerID in a single guarded
// update. Both workers racing for the same run see exactly one winner.
func (l *SQL) Claim(ctx context.Context, runID, workerID string) (bool, error) {
	now := time.Now().UTC()

	tx, err := l.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, l.store.Rebind(`
		UPDATE core_executions
		SET status = ?, worker_id = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(work.StatusRunning), workerID,
		store.FormatTime(now), store.FormatTime(now),
		runID, string(work.StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, l.store, work.Event{
		RunID:     runID,
		Type:      work.EventStarted,
		Timestamp: now,
		Data:      map[string]any{"worker_id": workerID},
		Source:    "worker",
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ListPending returns claimable runs, high priority first and oldest first
// within a priority class.
func (l *SQL) ListPending(ctx context.Context, lane string, limit int) ([]*work.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM core_executions WHERE status = ?`
	args := []any{string(work.StatusPending)}
	if lane != "" {
		query += ` AND lane = ?`
		args = append(args, lane)
	}
	query += ` ORDER BY CASE priority
		WHEN 'realtime' THEN 0
		WHEN 'high' THEN 1
		WHEN 'normal' THEN 2
		WHEN 'low' THEN 3
		WHEN 'slow' THEN 4
		ELSE 2 END, created_at, id LIMIT ?`
	args = append(args, limit)

	return l.queryRuns(ctx, query, args...)
}

// IncrementRetry bumps retry_count and returns the new value.
func (l *SQL) IncrementRetry(ctx context.Context, runID string) (int, error) {
	tx, err := l.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, l.store.Rebind(`
		UPDATE core_executions SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`),
		store.FormatTime(time.Now().UTC()), runID)
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		l.store.Rebind(`SELECT retry_count FROM core_executions WHERE id = ?`), runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read retry count: %w", err)
	}
	return count, tx.Commit()
}

// RecordEvent appends an informational event to an existing run.
func (l *SQL) RecordEvent(ctx context.Context, runID string, eventType work.EventType, data map[string]any, source string) error {
	tx, err := l.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		l.store.Rebind(`SELECT 1 FROM core_executions WHERE id = ?`), runID).Scan(&one)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return fmt.Errorf("check run: %w", err)
	}

	if err := insertEvent(ctx, tx, l.store, work.Event{
		RunID:     runID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Source:    source,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Events returns the history of a run in insertion order.
func (l *SQL) Events(ctx context.Context, runID string) ([]work.Event, error) {
	rows, err := l.store.DB().QueryContext(ctx, l.store.Rebind(`
		SELECT id, run_id, event_type, timestamp, data, source
		FROM core_execution_events
		WHERE run_id = ?
		ORDER BY timestamp, id`), runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []work.Event
	for rows.Next() {
		var (
			ev           work.Event
			ts           string
			data, source sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Type, &ts, &data, &source); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp, err = store.ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		ev.Source = source.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListRuns returns runs matching the filter, newest first.
func (l *SQL) ListRuns(ctx context.Context, filter Filter) ([]*work.Run, error) {
	query := `SELECT ` + runColumns + ` FROM core_executions`
	var (
		conds []string
		args  []any
	)
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Lane != "" {
		conds = append(conds, "lane = ?")
		args = append(args, filter.Lane)
	}
	if filter.ParentRunID != "" {
		conds = append(conds, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return l.queryRuns(ctx, query, args...)
}

// Children returns the step runs spawned under a parent, oldest first.
func (l *SQL) Children(ctx context.Context, parentRunID string) ([]*work.Run, error) {
	return l.queryRuns(ctx,
		`SELECT `+runColumns+` FROM core_executions WHERE parent_run_id = ? ORDER BY created_at, id`,
		parentRunID)
}

// MergeMetadata sets one metadata key via read-modify-write inside a
// transaction, keeping the JSON column portable across dialects.
func (l *SQL) MergeMetadata(ctx context.Context, runID, key, value string) error {
	if key == "" {
		return &errors.ValidationError{Field: "key", Message: "metadata key must not be empty"}
	}

	tx, err := l.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx,
		l.store.Rebind(`SELECT metadata FROM core_executions WHERE id = ?`), runID).Scan(&raw)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}

	meta := map[string]string{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	meta[key] = value
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, l.store.Rebind(
		`UPDATE core_executions SET metadata = ?, updated_at = ? WHERE id = ?`),
		string(encoded), store.FormatTime(time.Now().UTC()), runID)
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return tx.Commit()
}

// CountRunningOlderThan counts runs that have been running longer than age.
func (l *SQL) CountRunningOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := store.FormatTime(time.Now().UTC().Add(-age))
	var count int
	err := l.store.DB().QueryRowContext(ctx, l.store.Rebind(`
		SELECT COUNT(*) FROM core_executions
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`),
		string(work.StatusRunning), cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return count, nil
}

// FailureRate returns the failed fraction of runs finishing in the window.
func (l *SQL) FailureRate(ctx context.Context, window time.Duration) (float64, error) {
	cutoff := store.FormatTime(time.Now().UTC().Add(-window))
	var total, failed int
	err := l.store.DB().QueryRowContext(ctx, l.store.Rebind(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0)
		FROM core_executions
		WHERE completed_at IS NOT NULL AND completed_at >= ?`),
		string(work.StatusFailed), string(work.StatusTimedOut), cutoff).Scan(&total, &failed)
	if err != nil {
		return 0, fmt.Errorf("failure rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

// CleanupOlderThan deletes terminal runs and their events past the
// retention period, returning the number of runs removed.
func (l *SQL) CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := store.FormatTime(time.Now().UTC().Add(-retention))

	tx, err := l.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, l.store.Rebind(`
		DELETE FROM core_execution_events
		WHERE run_id IN (
			SELECT id FROM core_executions
			WHERE completed_at IS NOT NULL AND completed_at < ?
		)`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}

	res, err := tx.ExecContext(ctx, l.store.Rebind(`
		DELETE FROM core_executions
		WHERE completed_at IS NOT NULL AND completed_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

// Ping verifies connectivity to the backing database.
func (l *SQL) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

func (l *SQL) queryRuns(ctx context.Context, query string, args ...any) ([]*work.Run, error) {
	rows, err := l.store.DB().QueryContext(ctx, l.store.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*work.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// insertEvent appends one event row inside the caller's transaction.
func insertEvent(ctx context.Context, tx *sqlx.Tx, st *store.Store, ev work.Event) error {
	data, err := marshalJSON(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = tx.ExecContext(ctx, st.Rebind(`
		INSERT INTO core_execution_events (run_id, event_type, timestamp, data, source)
		VALUES (?, ?, ?, ?, ?)`),
		ev.RunID, string(ev.Type), store.FormatTime(ev.Timestamp), data, store.NullString(ev.Source))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRun reads one row in runColumns order.
func scanRun(row scanner) (*work.Run, error) {
	var (
		run                           work.Run
		kind, priority, trigger       string
		status                        string
		params, result, metadata      sql.NullString
		errMsg, errType               sql.NullString
		idemKey, corrID, parentID     sql.NullString
		retryDelayMS                  int64
		retryOf, extRef, exec, worker sql.NullString
		createdAt                     string
		startedAt, completedAt        sql.NullString
	)
	err := row.Scan(
		&run.ID, &kind, &run.Spec.Name, &status, &params, &result, &errMsg, &errType,
		&idemKey, &corrID, &priority, &run.Spec.Lane, &parentID,
		&trigger, &metadata, &run.Spec.MaxRetries, &retryDelayMS, &run.RetryCount,
		&retryOf, &extRef, &exec, &worker,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.Spec.Kind = work.Kind(kind)
	run.Spec.Priority = work.Priority(priority)
	run.Spec.TriggerSource = work.TriggerSource(trigger)
	run.Spec.IdempotencyKey = idemKey.String
	run.Spec.CorrelationID = corrID.String
	run.Spec.ParentRunID = parentID.String
	run.Spec.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	run.Status = work.Status(status)
	run.Error = errMsg.String
	run.ErrorType = errType.String
	run.RetryOfRunID = retryOf.String
	run.ExternalRef = extRef.String
	run.ExecutorName = exec.String
	run.WorkerID = worker.String

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &run.Spec.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &run.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &run.Spec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	if run.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if run.StartedAt, err = store.ParseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.CompletedAt, err = store.ParseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &run, nil
}

// marshalJSON encodes a map to its JSON text, or nil for a nil map so the
// column stores NULL.
func marshalJSON[M ~map[string]V, V any](m M) (any, error) {
	if m == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}
