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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foreman/internal/store"
	"github.com/tombee/foreman/pkg/errors"
)

const entryColumns = `id, run_id, name, params, error, error_type,
	retry_count, max_retries, created_at, last_retry_at, resolved_at, resolved_by`

// SQL is the database-backed dead letter queue.
type SQL struct {
	store *store.Store
	clock func() time.Time
}

// NewSQL creates a manager over an opened, migrated store.
func NewSQL(st *store.Store) *SQL {
	return &SQL{store: st, clock: time.Now}
}

var _ Manager = (*SQL)(nil)

func (m *SQL) Add(ctx context.Context, entry *Entry) error {
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

	params, err := marshalParams(entry.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	_, err = m.store.DB().ExecContext(ctx, m.store.Rebind(`
		INSERT INTO core_dead_letters (
			id, run_id, name, params, error, error_type,
			retry_count, max_retries, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.RunID, entry.Name, params,
		store.NullString(entry.Error), store.NullString(entry.ErrorType),
		entry.RetryCount, entry.MaxRetries, store.FormatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (m *SQL) Get(ctx context.Context, id string) (*Entry, error) {
	row := m.store.DB().QueryRowContext(ctx,
		m.store.Rebind(`SELECT `+entryColumns+` FROM core_dead_letters WHERE id = ?`), id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "dead letter", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return entry, nil
}

func (m *SQL) ListUnresolved(ctx context.Context, name string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + entryColumns + ` FROM core_dead_letters WHERE resolved_at IS NULL`
	args := []any{}
	if name != "" {
		query += ` AND name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := m.store.DB().QueryContext(ctx, m.store.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (m *SQL) CanRetry(ctx context.Context, id string) (bool, error) {
	entry, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return !entry.Resolved() && entry.RetryCount < entry.MaxRetries, nil
}

func (m *SQL) MarkRetryAttempted(ctx context.Context, id string) error {
	res, err := m.store.DB().ExecContext(ctx, m.store.Rebind(`
		UPDATE core_dead_letters
		SET retry_count = retry_count + 1, last_retry_at = ?
		WHERE id = ? AND resolved_at IS NULL`),
		store.FormatTime(m.clock().UTC()), id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already resolved; distinguish for the caller.
		if _, err := m.Get(ctx, id); err != nil {
			return err
		}
		return &errors.ValidationError{Field: "id", Message: fmt.Sprintf("dead letter %s is resolved", id)}
	}
	return nil
}

func (m *SQL) Resolve(ctx context.Context, id, by string) error {
	res, err := m.store.DB().ExecContext(ctx, m.store.Rebind(`
		UPDATE core_dead_letters
		SET resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL`),
		store.FormatTime(m.clock().UTC()), store.NullString(by), id)
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := m.Get(ctx, id); err != nil {
			return err
		}
		// Already resolved; keep the original resolution.
	}
	return nil
}

func (m *SQL) CleanupResolved(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := store.FormatTime(m.clock().UTC().Add(-retention))
	res, err := m.store.DB().ExecContext(ctx, m.store.Rebind(`
		DELETE FROM core_dead_letters
		WHERE resolved_at IS NOT NULL AND resolved_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (m *SQL) Depth(ctx context.Context) (int, error) {
	var count int
	err := m.store.DB().QueryRowContext(ctx, m.store.Rebind(`
		SELECT COUNT(*) FROM core_dead_letters WHERE resolved_at IS NULL`)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("dead letter depth: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		entry                 Entry
		params                sql.NullString
		errMsg, errType       sql.NullString
		createdAt             string
		lastRetry, resolvedAt sql.NullString
		resolvedBy            sql.NullString
	)
	err := row.Scan(&entry.ID, &entry.RunID, &entry.Name, &params, &errMsg, &errType,
		&entry.RetryCount, &entry.MaxRetries, &createdAt, &lastRetry, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}

	entry.Error = errMsg.String
	entry.ErrorType = errType.String
	entry.ResolvedBy = resolvedBy.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &entry.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if entry.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if entry.LastRetryAt, err = store.ParseTimePtr(lastRetry); err != nil {
		return nil, fmt.Errorf("parse last_retry_at: %w", err)
	}
	if entry.ResolvedAt, err = store.ParseTimePtr(resolvedAt); err != nil {
		return nil, fmt.Errorf("parse resolved_at: %w", err)
	}
	return &entry, nil
}

func marshalParams(params map[string]any) (any, error) {
	if params == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}
