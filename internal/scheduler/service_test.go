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
	"io"
	"testing"
	"time"

	"github.com/tombee/foreman/internal/ledger"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/dispatch"
	"github.com/tombee/foreman/pkg/executor"
	"github.com/tombee/foreman/pkg/work"
)

// schedHarness wires a scheduler over a real dispatcher and queue
// executor, so dispatched runs land in the ledger as pending work.
type schedHarness struct {
	led     ledger.Ledger
	disp    *dispatch.Dispatcher
	repo    *MemoryRepository
	locks   Locker
	backend *ManualBackend
	svc     *Service
}

func newSchedHarness(t *testing.T, mut func(*Config)) *schedHarness {
	t.Helper()

	led := ledger.NewMemory()
	disp := dispatch.New(executor.NewQueue(led),
		dispatch.WithLedger(led),
		dispatch.WithLogger(log.New(&log.Config{Output: io.Discard})),
	)
	h := &schedHarness{
		led:     led,
		disp:    disp,
		repo:    NewMemoryRepository(),
		locks:   NewMemoryLocks("node-test"),
		backend: NewManualBackend(),
	}

	cfg := Config{
		Dispatcher: disp,
		Repo:       h.repo,
		Locks:      h.locks,
		Backend:    h.backend,
		InstanceID: "node-test",
		Logger:     log.New(&log.Config{Output: io.Discard}),
	}
	if mut != nil {
		mut(&cfg)
	}

	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("failed to start service: %v", err)
	}
	t.Cleanup(svc.Stop)
	h.svc = svc
	return h
}

// seed creates a schedule due at the given instant.
func (h *schedHarness) seed(t *testing.T, name string, due time.Time, mut func(*Schedule)) *Schedule {
	t.Helper()
	s := newSchedule(name, func(s *Schedule) {
		s.CronExpr = "* * * * *"
		s.Enabled = true
		s.NextRunAt = &due
		if mut != nil {
			mut(s)
		}
	})
	if err := h.repo.Create(context.Background(), s); err != nil {
		t.Fatalf("failed to seed schedule: %v", err)
	}
	return s
}

func TestServiceFiresDueSchedule(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()

	// Due one second before the tick observes it.
	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	s := h.seed(t, "minutely", now.Add(-time.Second), nil)

	h.backend.Tick(now)

	runs, err := h.disp.ListRuns(ctx, ledger.Filter{Kind: work.KindPipeline})
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one dispatched run, got %d", len(runs))
	}
	run := runs[0]
	if run.Spec.Name != "nightly-report" {
		t.Errorf("expected the schedule target submitted, got %s", run.Spec.Name)
	}
	if run.Spec.TriggerSource != work.TriggerSchedule {
		t.Errorf("expected schedule trigger source, got %s", run.Spec.TriggerSource)
	}
	if run.Spec.Metadata["schedule_id"] != s.ID || run.Spec.Metadata["schedule_name"] != "minutely" {
		t.Errorf("expected schedule metadata on the run, got %v", run.Spec.Metadata)
	}

	firings, err := h.repo.RecentRuns(ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("recent runs failed: %v", err)
	}
	if len(firings) != 1 || firings[0].Status != RunCompleted {
		t.Fatalf("expected one completed firing, got %+v", firings)
	}
	if firings[0].RunID != run.ID {
		t.Errorf("expected the firing to reference run %s, got %s", run.ID, firings[0].RunID)
	}

	got, err := h.repo.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get schedule failed: %v", err)
	}
	wantNext := time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(wantNext) {
		t.Errorf("expected next_run_at advanced to %s, got %v", wantNext, got.NextRunAt)
	}
	if got.LastRunStatus != RunCompleted {
		t.Errorf("expected last_run_status completed, got %s", got.LastRunStatus)
	}

	if locked, _ := h.locks.IsLocked(ctx, s.ID); locked {
		t.Error("expected the schedule lock released after the firing")
	}

	stats := h.svc.Stats()
	if stats.Ticks != 1 || stats.Dispatched != 1 {
		t.Errorf("expected 1 tick and 1 dispatch, got %+v", stats)
	}
	if !stats.LastTick.Equal(now) {
		t.Errorf("expected last tick stamped, got %s", stats.LastTick)
	}
}

func TestServiceRecordsMissedFiring(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()

	// Ten minutes late against a one minute grace.
	now := time.Date(2025, 3, 1, 12, 10, 0, 0, time.UTC)
	s := h.seed(t, "minutely", now.Add(-10*time.Minute), nil)

	h.backend.Tick(now)

	runs, err := h.disp.ListRuns(ctx, ledger.Filter{Kind: work.KindPipeline})
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("a missed firing must not dispatch, got %d runs", len(runs))
	}

	firings, err := h.repo.RecentRuns(ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("recent runs failed: %v", err)
	}
	if len(firings) != 1 || firings[0].Status != RunMissed {
		t.Fatalf("expected one missed firing, got %+v", firings)
	}
	if firings[0].Error == "" {
		t.Error("expected the miss to say when it was scheduled and noticed")
	}

	// The schedule still advances so it fires at the next slot rather
	// than replaying the stale one forever.
	got, _ := h.repo.Get(ctx, s.ID)
	wantNext := time.Date(2025, 3, 1, 12, 11, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(wantNext) {
		t.Errorf("expected next_run_at advanced to %s, got %v", wantNext, got.NextRunAt)
	}

	stats := h.svc.Stats()
	if stats.Missed != 1 || stats.Dispatched != 0 {
		t.Errorf("expected one miss and no dispatches, got %+v", stats)
	}
}

func TestServiceSkipsAtInstanceLimit(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	s := h.seed(t, "minutely", now.Add(-time.Second), nil)

	// A previous firing of this schedule is still pending in the ledger.
	_, err := h.disp.Submit(ctx, work.Spec{
		Kind:          work.KindPipeline,
		Name:          "nightly-report",
		TriggerSource: work.TriggerSchedule,
		Metadata:      map[string]string{"schedule_id": s.ID},
	})
	if err != nil {
		t.Fatalf("failed to submit prior run: %v", err)
	}

	h.backend.Tick(now)

	runs, _ := h.disp.ListRuns(ctx, ledger.Filter{Kind: work.KindPipeline})
	if len(runs) != 1 {
		t.Fatalf("expected no new dispatch at the instance limit, got %d runs", len(runs))
	}

	firings, _ := h.repo.RecentRuns(ctx, s.ID, 0)
	if len(firings) != 1 || firings[0].Status != RunSkipped {
		t.Fatalf("expected one skipped firing, got %+v", firings)
	}

	// Another instance's run of the same target does not count.
	if err := h.repo.Delete(ctx, s.ID); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	other := h.seed(t, "minutely-2", now.Add(-time.Second), nil)
	h.backend.Tick(now)

	firings, _ = h.repo.RecentRuns(ctx, other.ID, 0)
	if len(firings) != 1 || firings[0].Status != RunCompleted {
		t.Errorf("expected an unrelated schedule to fire, got %+v", firings)
	}
}

func TestServiceSkipsWhenLockHeld(t *testing.T) {
	h := newSchedHarness(t, func(cfg *Config) {
		cfg.Locks = refusingLocks{NewMemoryLocks("node-test")}
	})
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	s := h.seed(t, "minutely", now.Add(-time.Second), nil)

	h.backend.Tick(now)

	runs, _ := h.disp.ListRuns(ctx, ledger.Filter{Kind: work.KindPipeline})
	if len(runs) != 0 {
		t.Fatalf("expected no dispatch while another instance holds the lock, got %d", len(runs))
	}
	firings, _ := h.repo.RecentRuns(ctx, s.ID, 0)
	if len(firings) != 0 {
		t.Errorf("a lost lock leaves no firing record, got %+v", firings)
	}
	if stats := h.svc.Stats(); stats.Skipped != 1 {
		t.Errorf("expected one skip counted, got %+v", stats)
	}
}

// refusingLocks simulates every lock being held by some other instance.
type refusingLocks struct{ Locker }

func (refusingLocks) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

func TestServiceTriggerBypassesTiming(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	s := h.seed(t, "later", future, func(s *Schedule) {
		s.Params = map[string]any{"region": "eu", "depth": 1}
	})

	runID, err := h.svc.Trigger(ctx, "later", map[string]any{"depth": 9})
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	run, err := h.disp.Run(ctx, runID)
	if err != nil {
		t.Fatalf("run lookup failed: %v", err)
	}
	if run.Spec.TriggerSource != work.TriggerSchedule {
		t.Errorf("expected schedule trigger source, got %s", run.Spec.TriggerSource)
	}
	if run.Spec.Params["region"] != "eu" || run.Spec.Params["depth"] != 9 {
		t.Errorf("expected override merged over schedule params, got %v", run.Spec.Params)
	}

	// Manual firings leave the planned slot alone.
	got, _ := h.repo.Get(ctx, s.ID)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(future) {
		t.Errorf("expected next_run_at untouched, got %v", got.NextRunAt)
	}
	firings, _ := h.repo.RecentRuns(ctx, s.ID, 0)
	if len(firings) != 1 || firings[0].Status != RunCompleted || firings[0].RunID != runID {
		t.Errorf("expected a completed firing for the manual trigger, got %+v", firings)
	}

	if _, err := h.svc.Trigger(ctx, "no-such-schedule", nil); err == nil {
		t.Error("expected unknown schedule to error")
	}
}

func TestServicePauseResume(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	s := h.seed(t, "minutely", now.Add(-time.Second), nil)

	if err := h.svc.Pause(ctx, "minutely"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	h.backend.Tick(now)

	runs, _ := h.disp.ListRuns(ctx, ledger.Filter{Kind: work.KindPipeline})
	if len(runs) != 0 {
		t.Fatalf("expected a paused schedule not to fire, got %d runs", len(runs))
	}

	if err := h.svc.Resume(ctx, "minutely"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	h.backend.Tick(now.Add(time.Second))

	runs, _ = h.disp.ListRuns(ctx, ledger.Filter{Kind: work.KindPipeline})
	if len(runs) != 1 {
		t.Fatalf("expected the resumed schedule to fire, got %d runs", len(runs))
	}
	firings, _ := h.repo.RecentRuns(ctx, s.ID, 0)
	if len(firings) != 1 || firings[0].Status != RunCompleted {
		t.Errorf("expected one completed firing after resume, got %+v", firings)
	}
}

func TestServiceSweepReapsExpiredLocks(t *testing.T) {
	locks := NewMemoryLocks("node-test")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	locks.clock = func() time.Time { return now }

	h := newSchedHarness(t, func(cfg *Config) {
		cfg.Locks = locks
		cfg.CleanupEvery = 1
	})
	ctx := context.Background()

	if ok, _ := locks.Acquire(ctx, "stale", time.Minute); !ok {
		t.Fatal("failed to plant a hold")
	}
	now = now.Add(5 * time.Minute)

	h.backend.Tick(now)

	if locked, _ := locks.IsLocked(ctx, "stale"); locked {
		t.Error("expected the sweep to reap the expired hold")
	}
}

func TestServiceConfigValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected missing dispatcher to fail")
	}

	led := ledger.NewMemory()
	disp := dispatch.New(executor.NewQueue(led), dispatch.WithLedger(led),
		dispatch.WithLogger(log.New(&log.Config{Output: io.Discard})))
	if _, err := New(Config{Dispatcher: disp}); err == nil {
		t.Error("expected missing repository to fail")
	}
	if _, err := New(Config{Dispatcher: disp, Repo: NewMemoryRepository()}); err == nil {
		t.Error("expected missing locker to fail")
	}
}
