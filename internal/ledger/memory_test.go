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
	"testing"
	"time"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

func TestMemoryStaleRunCount(t *testing.T) {
	m := NewMemory()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.clock = func() time.Time { return now }
	ctx := context.Background()

	start := func(id string) {
		t.Helper()
		run := newRun(id, func(r *work.Run) { r.CreatedAt = now })
		if err := m.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create %s: %v", id, err)
		}
		if err := m.UpdateStatus(ctx, id, work.StatusRunning, UpdateOpts{}); err != nil {
			t.Fatalf("failed to start %s: %v", id, err)
		}
	}

	start("stale")
	now = base.Add(10 * time.Minute)
	start("fresh")

	count, err := m.CountRunningOlderThan(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 stale run, got %d", count)
	}

	// Completing the stale run removes it from the count.
	if err := m.UpdateStatus(ctx, "stale", work.StatusCompleted, UpdateOpts{}); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	count, _ = m.CountRunningOlderThan(ctx, 5*time.Minute)
	if count != 0 {
		t.Errorf("expected 0 stale runs, got %d", count)
	}
}

func TestMemoryFailureRate(t *testing.T) {
	m := NewMemory()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.clock = func() time.Time { return now }
	ctx := context.Background()

	finish := func(id string, final work.Status) {
		t.Helper()
		run := newRun(id, func(r *work.Run) { r.CreatedAt = now })
		if err := m.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create %s: %v", id, err)
		}
		if err := m.UpdateStatus(ctx, id, work.StatusRunning, UpdateOpts{}); err != nil {
			t.Fatalf("failed to start %s: %v", id, err)
		}
		if err := m.UpdateStatus(ctx, id, final, UpdateOpts{}); err != nil {
			t.Fatalf("failed to finish %s: %v", id, err)
		}
	}

	rate, err := m.FailureRate(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failure rate failed: %v", err)
	}
	if rate != 0 {
		t.Errorf("expected 0 with no finished runs, got %v", rate)
	}

	finish("ok-1", work.StatusCompleted)
	finish("ok-2", work.StatusCompleted)
	finish("bad-1", work.StatusFailed)
	finish("bad-2", work.StatusTimedOut)

	rate, _ = m.FailureRate(ctx, time.Hour)
	if rate != 0.5 {
		t.Errorf("expected 0.5, got %v", rate)
	}

	// Outside the window the finished runs stop counting.
	now = base.Add(2 * time.Hour)
	rate, _ = m.FailureRate(ctx, time.Hour)
	if rate != 0 {
		t.Errorf("expected 0 outside window, got %v", rate)
	}
}

func TestMemoryCleanup(t *testing.T) {
	m := NewMemory()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.clock = func() time.Time { return now }
	ctx := context.Background()

	run := newRun("done", func(r *work.Run) {
		r.CreatedAt = now
		r.Spec.IdempotencyKey = "cleanup-key"
	})
	if err := m.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if err := m.UpdateStatus(ctx, "done", work.StatusRunning, UpdateOpts{}); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := m.UpdateStatus(ctx, "done", work.StatusCompleted, UpdateOpts{}); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	if err := m.CreateRun(ctx, newRun("live", func(r *work.Run) { r.CreatedAt = now })); err != nil {
		t.Fatalf("failed to create live run: %v", err)
	}

	// Inside the retention window nothing is removed.
	removed, err := m.CleanupOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed, got %d", removed)
	}

	now = base.Add(48 * time.Hour)
	removed, _ = m.CleanupOlderThan(ctx, 24*time.Hour)
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}

	var nf *errors.NotFoundError
	if _, err := m.GetRun(ctx, "done"); !errors.As(err, &nf) {
		t.Errorf("expected run gone, got %v", err)
	}
	if _, err := m.GetByIdempotencyKey(ctx, "cleanup-key"); !errors.As(err, &nf) {
		t.Errorf("expected idempotency key released, got %v", err)
	}
	events, _ := m.Events(ctx, "done")
	if len(events) != 0 {
		t.Errorf("expected events removed, got %d", len(events))
	}

	// Non-terminal runs survive any retention.
	if _, err := m.GetRun(ctx, "live"); err != nil {
		t.Errorf("expected live run kept: %v", err)
	}
}
