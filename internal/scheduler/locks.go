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
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foreman/internal/store"
	"github.com/tombee/foreman/pkg/errors"
)

// DefaultLockTTL bounds how long a crashed scheduler instance can pin a
// schedule before another instance may fire it.
const DefaultLockTTL = 5 * time.Minute

// Locker serializes firings of one schedule across scheduler instances.
// Holds are keyed "schedule:<id>" and owned by an instance, not a run;
// the same instance re-acquiring refreshes its hold.
type Locker interface {
	// Acquire takes the schedule's lock for the instance. It returns false
	// without error when another live instance holds it.
	Acquire(ctx context.Context, scheduleID string, ttl time.Duration) (bool, error)

	// Release drops the instance's hold. Releasing a lock held by another
	// instance returns a LockHeldError.
	Release(ctx context.Context, scheduleID string) error

	// IsLocked reports whether any live instance holds the schedule.
	IsLocked(ctx context.Context, scheduleID string) (bool, error)

	// Holder returns the owning instance ID, or "" when unheld.
	Holder(ctx context.Context, scheduleID string) (string, error)

	// CleanupExpired reaps holds past their TTL.
	CleanupExpired(ctx context.Context) (int, error)

	// ForceReleaseAll drops every hold regardless of owner. Recovery tool;
	// never call it while schedulers are running.
	ForceReleaseAll(ctx context.Context) (int, error)
}

// InstanceID returns a process-unique scheduler identity.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

func lockKey(scheduleID string) string {
	return "schedule:" + scheduleID
}

// SQLLocks is the database-backed locker. Lock state lives in
// core_schedule_locks so every scheduler instance sharing the database
// observes the same holds.
type SQLLocks struct {
	store    *store.Store
	instance string
	clock    func() time.Time
}

// NewSQLLocks creates a locker over an opened, migrated store. instance
// must be unique per scheduler process; InstanceID() produces one.
func NewSQLLocks(st *store.Store, instance string) *SQLLocks {
	return &SQLLocks{store: st, instance: instance, clock: time.Now}
}

var _ Locker = (*SQLLocks)(nil)

// Acquire reaps an expired hold on the key, then races for the insert.
// Losing the insert means someone holds the schedule; the same instance
// refreshes instead of being refused.
func (l *SQLLocks) Acquire(ctx context.Context, scheduleID string, ttl time.Duration) (bool, error) {
	if scheduleID == "" {
		return false, &errors.ValidationError{Field: "schedule_id", Message: "schedule id must not be empty"}
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	key := lockKey(scheduleID)
	now := l.clock().UTC()

	tx, err := l.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, l.store.Rebind(`
		DELETE FROM core_schedule_locks WHERE lock_key = ? AND expires_at <= ?`),
		key, store.FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("reap expired lock: %w", err)
	}

	res, err := tx.ExecContext(ctx, l.store.Rebind(`
		INSERT INTO core_schedule_locks (lock_key, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (lock_key) DO NOTHING`),
		key, l.instance, store.FormatTime(now), store.FormatTime(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, tx.Commit()
	}

	var holder string
	err = tx.QueryRowContext(ctx, l.store.Rebind(`
		SELECT holder FROM core_schedule_locks WHERE lock_key = ?`), key).Scan(&holder)
	if err != nil {
		return false, fmt.Errorf("read lock holder: %w", err)
	}
	if holder != l.instance {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, l.store.Rebind(`
		UPDATE core_schedule_locks SET expires_at = ? WHERE lock_key = ? AND holder = ?`),
		store.FormatTime(now.Add(ttl)), key, l.instance)
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w", err)
	}
	return true, tx.Commit()
}

// Release deletes the hold when this instance owns it.
func (l *SQLLocks) Release(ctx context.Context, scheduleID string) error {
	key := lockKey(scheduleID)
	res, err := l.store.DB().ExecContext(ctx, l.store.Rebind(`
		DELETE FROM core_schedule_locks WHERE lock_key = ? AND holder = ?`),
		key, l.instance)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	holder, err := l.Holder(ctx, scheduleID)
	if err != nil {
		return err
	}
	if holder == "" {
		return nil
	}
	return &errors.LockHeldError{Key: key, Holder: holder}
}

// IsLocked reports whether the schedule has a live hold.
func (l *SQLLocks) IsLocked(ctx context.Context, scheduleID string) (bool, error) {
	holder, err := l.Holder(ctx, scheduleID)
	if err != nil {
		return false, err
	}
	return holder != "", nil
}

// Holder returns the instance holding the schedule, ignoring expired rows.
func (l *SQLLocks) Holder(ctx context.Context, scheduleID string) (string, error) {
	var holder string
	err := l.store.DB().QueryRowContext(ctx, l.store.Rebind(`
		SELECT holder FROM core_schedule_locks WHERE lock_key = ? AND expires_at > ?`),
		lockKey(scheduleID), store.FormatTime(l.clock().UTC())).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock holder: %w", err)
	}
	return holder, nil
}

// CleanupExpired reaps every expired hold.
func (l *SQLLocks) CleanupExpired(ctx context.Context) (int, error) {
	res, err := l.store.DB().ExecContext(ctx, l.store.Rebind(`
		DELETE FROM core_schedule_locks WHERE expires_at <= ?`),
		store.FormatTime(l.clock().UTC()))
	if err != nil {
		return 0, fmt.Errorf("cleanup schedule locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ForceReleaseAll drops every hold.
func (l *SQLLocks) ForceReleaseAll(ctx context.Context) (int, error) {
	res, err := l.store.DB().ExecContext(ctx, `DELETE FROM core_schedule_locks`)
	if err != nil {
		return 0, fmt.Errorf("force release locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MemoryLocks is an in-process locker for tests and single-node use.
type MemoryLocks struct {
	mu       sync.Mutex
	instance string
	holds    map[string]memoryHold
	clock    func() time.Time
}

type memoryHold struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryLocks creates an empty in-memory locker.
func NewMemoryLocks(instance string) *MemoryLocks {
	return &MemoryLocks{
		instance: instance,
		holds:    make(map[string]memoryHold),
		clock:    time.Now,
	}
}

var _ Locker = (*MemoryLocks)(nil)

func (l *MemoryLocks) Acquire(_ context.Context, scheduleID string, ttl time.Duration) (bool, error) {
	if scheduleID == "" {
		return false, &errors.ValidationError{Field: "schedule_id", Message: "schedule id must not be empty"}
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	key := lockKey(scheduleID)
	now := l.clock().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	hold, ok := l.holds[key]
	if ok && hold.expiresAt.After(now) && hold.holder != l.instance {
		return false, nil
	}
	l.holds[key] = memoryHold{holder: l.instance, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocks) Release(_ context.Context, scheduleID string) error {
	key := lockKey(scheduleID)
	now := l.clock().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	hold, ok := l.holds[key]
	if !ok || !hold.expiresAt.After(now) {
		delete(l.holds, key)
		return nil
	}
	if hold.holder != l.instance {
		return &errors.LockHeldError{Key: key, Holder: hold.holder}
	}
	delete(l.holds, key)
	return nil
}

func (l *MemoryLocks) IsLocked(ctx context.Context, scheduleID string) (bool, error) {
	holder, err := l.Holder(ctx, scheduleID)
	return holder != "", err
}

func (l *MemoryLocks) Holder(_ context.Context, scheduleID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold, ok := l.holds[lockKey(scheduleID)]
	if !ok || !hold.expiresAt.After(l.clock().UTC()) {
		return "", nil
	}
	return hold.holder, nil
}

func (l *MemoryLocks) CleanupExpired(context.Context) (int, error) {
	now := l.clock().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, hold := range l.holds {
		if !hold.expiresAt.After(now) {
			delete(l.holds, key)
			removed++
		}
	}
	return removed, nil
}

func (l *MemoryLocks) ForceReleaseAll(context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.holds)
	l.holds = make(map[string]memoryHold)
	return n, nil
}
