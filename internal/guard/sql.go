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
	"database/sql"
	"fmt"
	"time"

	"github.com/tombee/foreman/internal/store"
	"github.com/tombee/foreman/pkg/errors"
)

// SQL is the database-backed guard. Lock state lives in
// core_concurrency_locks so every dispatcher and worker sharing the
// database observes the same holds.
type SQL struct {
	store *store.Store
	clock func() time.Time
}

// NewSQL creates a guard over an opened, migrated store.
func NewSQL(st *store.Store) *SQL {
	return &SQL{store: st, clock: time.Now}
}

var _ Guard = (*SQL)(nil)

// Acquire reaps an expired hold on the key, then races for the insert.
// Losing the insert means someone holds the key; if that someone is the
// same run, the hold is refreshed instead of refused.
func (g *SQL) Acquire(ctx context.Context, key, runID string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, &errors.ValidationError{Field: "key", Message: "lock key must not be empty"}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := g.clock().UTC()

	tx, err := g.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, g.store.Rebind(`
		DELETE FROM core_concurrency_locks WHERE lock_key = ? AND expires_at <= ?`),
		key, store.FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("reap expired lock: %w", err)
	}

	res, err := tx.ExecContext(ctx, g.store.Rebind(`
		INSERT INTO core_concurrency_locks (lock_key, run_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (lock_key) DO NOTHING`),
		key, runID, store.FormatTime(now), store.FormatTime(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, tx.Commit()
	}

	// Insert lost: the key is held. Same run refreshes, anyone else is
	// refused.
	var holder string
	err = tx.QueryRowContext(ctx, g.store.Rebind(`
		SELECT run_id FROM core_concurrency_locks WHERE lock_key = ?`), key).Scan(&holder)
	if err != nil {
		return false, fmt.Errorf("read lock holder: %w", err)
	}
	if holder != runID {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, g.store.Rebind(`
		UPDATE core_concurrency_locks SET expires_at = ? WHERE lock_key = ? AND run_id = ?`),
		store.FormatTime(now.Add(ttl)), key, runID)
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w", err)
	}
	return true, tx.Commit()
}

// Release deletes the hold when runID owns it.
func (g *SQL) Release(ctx context.Context, key, runID string) error {
	res, err := g.store.DB().ExecContext(ctx, g.store.Rebind(`
		DELETE FROM core_concurrency_locks WHERE lock_key = ? AND run_id = ?`),
		key, runID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	holder, err := g.Holder(ctx, key)
	if err != nil {
		return err
	}
	if holder == "" {
		return nil
	}
	return &errors.LockHeldError{Key: key, Holder: holder}
}

// IsLocked reports whether the key has a live hold.
func (g *SQL) IsLocked(ctx context.Context, key string) (bool, error) {
	holder, err := g.Holder(ctx, key)
	if err != nil {
		return false, err
	}
	return holder != "", nil
}

// Holder returns the run holding the key, ignoring expired rows.
func (g *SQL) Holder(ctx context.Context, key string) (string, error) {
	var holder string
	err := g.store.DB().QueryRowContext(ctx, g.store.Rebind(`
		SELECT run_id FROM core_concurrency_locks WHERE lock_key = ? AND expires_at > ?`),
		key, store.FormatTime(g.clock().UTC())).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock holder: %w", err)
	}
	return holder, nil
}

// Extend pushes the expiry of a live hold owned by runID.
func (g *SQL) Extend(ctx context.Context, key, runID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := g.clock().UTC()

	res, err := g.store.DB().ExecContext(ctx, g.store.Rebind(`
		UPDATE core_concurrency_locks SET expires_at = ?
		WHERE lock_key = ? AND run_id = ? AND expires_at > ?`),
		store.FormatTime(now.Add(ttl)), key, runID, store.FormatTime(now))
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	holder, err := g.Holder(ctx, key)
	if err != nil {
		return err
	}
	if holder != "" && holder != runID {
		return &errors.LockHeldError{Key: key, Holder: holder}
	}
	return &errors.NotFoundError{Resource: "lock", ID: key}
}

// CleanupExpired reaps every expired hold.
func (g *SQL) CleanupExpired(ctx context.Context) (int, error) {
	res, err := g.store.DB().ExecContext(ctx, g.store.Rebind(`
		DELETE FROM core_concurrency_locks WHERE expires_at <= ?`),
		store.FormatTime(g.clock().UTC()))
	if err != nil {
		return 0, fmt.Errorf("cleanup locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ActiveCount counts live holds.
func (g *SQL) ActiveCount(ctx context.Context) (int, error) {
	var count int
	err := g.store.DB().QueryRowContext(ctx, g.store.Rebind(`
		SELECT COUNT(*) FROM core_concurrency_locks WHERE expires_at > ?`),
		store.FormatTime(g.clock().UTC())).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count locks: %w", err)
	}
	return count, nil
}
