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

package schedfile

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/internal/scheduler"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

const sampleFile = `
schedules:
  - name: nightly-report
    target: pipeline:reports
    cron: "0 2 * * *"
    timezone: Europe/London
    params:
      region: eu
      depth: 3
  - name: drip-sync
    target: task:sync
    every: 30s
    max_instances: 2
    misfire_grace: 5m
  - name: migrate-once
    target: migrate
    at: 2027-06-01T10:00:00Z
    enabled: false
`

func TestParse(t *testing.T) {
	schedules, err := Parse([]byte(sampleFile))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(schedules) != 3 {
		t.Fatalf("expected 3 schedules, got %d", len(schedules))
	}

	cron := schedules[0]
	if cron.Type != scheduler.TypeCron || cron.CronExpr != "0 2 * * *" {
		t.Errorf("unexpected cron rule: %+v", cron)
	}
	if cron.TargetKind != work.KindPipeline || cron.TargetName != "reports" {
		t.Errorf("unexpected cron target: %s:%s", cron.TargetKind, cron.TargetName)
	}
	if cron.Timezone != "Europe/London" || !cron.Enabled {
		t.Errorf("unexpected cron fields: %+v", cron)
	}
	if cron.Params["region"] != "eu" || cron.Params["depth"] != 3 {
		t.Errorf("params did not decode: %v", cron.Params)
	}

	drip := schedules[1]
	if drip.Type != scheduler.TypeInterval || drip.Interval != 30*time.Second {
		t.Errorf("duration did not decode: %+v", drip)
	}
	if drip.TargetKind != work.KindTask || drip.TargetName != "sync" {
		t.Errorf("unexpected interval target: %s:%s", drip.TargetKind, drip.TargetName)
	}
	if drip.MaxInstances != 2 || drip.MisfireGrace != 5*time.Minute {
		t.Errorf("limits did not decode: %+v", drip)
	}

	once := schedules[2]
	if once.Type != scheduler.TypeDate || once.RunAt == nil {
		t.Fatalf("unexpected date rule: %+v", once)
	}
	if !once.RunAt.Equal(time.Date(2027, 6, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("run_at did not decode: %s", once.RunAt)
	}
	// A bare target means a pipeline.
	if once.TargetKind != work.KindPipeline || once.TargetName != "migrate" {
		t.Errorf("unexpected bare target: %s:%s", once.TargetKind, once.TargetName)
	}
	if once.Enabled {
		t.Error("expected enabled: false honored")
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no name", `
schedules:
  - target: pipeline:x
    cron: "* * * * *"`},
		{"no target", `
schedules:
  - name: x
    cron: "* * * * *"`},
		{"no rule", `
schedules:
  - name: x
    target: pipeline:x`},
		{"two rules", `
schedules:
  - name: x
    target: pipeline:x
    cron: "* * * * *"
    every: 30s`},
		{"bad cron", `
schedules:
  - name: x
    target: pipeline:x
    cron: whenever`},
		{"bad timezone", `
schedules:
  - name: x
    target: pipeline:x
    cron: "* * * * *"
    timezone: Mars/Olympus`},
		{"duplicate names", `
schedules:
  - name: x
    target: pipeline:x
    cron: "* * * * *"
  - name: x
    target: pipeline:y
    cron: "* * * * *"`},
		{"not yaml", `schedules: [`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Error("expected a parse error")
			}
		})
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	schedules, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected missing file to be empty, got %v", err)
	}
	if schedules != nil {
		t.Errorf("expected nil set, got %v", schedules)
	}
}

func newSyncer() (*Syncer, *scheduler.MemoryRepository) {
	repo := scheduler.NewMemoryRepository()
	return NewSyncer(repo, log.New(&log.Config{Output: io.Discard})), repo
}

func TestSyncerCreateUpdateDisable(t *testing.T) {
	ctx := context.Background()
	syncer, repo := newSyncer()

	first, err := Parse([]byte(sampleFile))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	res := syncer.Apply(ctx, first)
	if res.Created != 3 || res.Updated != 0 || res.Disabled != 0 {
		t.Fatalf("expected 3 creations, got %+v", res)
	}

	created, err := repo.GetByName(ctx, "nightly-report")
	if err != nil {
		t.Fatalf("created schedule missing: %v", err)
	}
	if created.NextRunAt == nil {
		t.Error("expected an initial next_run_at")
	}

	// Same file again: nothing to do.
	again, _ := Parse([]byte(sampleFile))
	res = syncer.Apply(ctx, again)
	if res.Unchanged != 3 || res.Created != 0 || res.Updated != 0 {
		t.Fatalf("expected a no-op second pass, got %+v", res)
	}

	// Change one rule, drop another.
	second, err := Parse([]byte(`
schedules:
  - name: nightly-report
    target: pipeline:reports
    cron: "0 3 * * *"
    params:
      region: eu
      depth: 3
  - name: migrate-once
    target: migrate
    at: 2027-06-01T10:00:00Z
    enabled: false
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	res = syncer.Apply(ctx, second)
	if res.Updated != 1 || res.Unchanged != 1 || res.Disabled != 1 {
		t.Fatalf("expected update+unchanged+disable, got %+v", res)
	}

	updated, err := repo.GetByName(ctx, "nightly-report")
	if err != nil {
		t.Fatalf("updated schedule missing: %v", err)
	}
	if updated.ID != created.ID {
		t.Error("an update must keep the schedule's identity")
	}
	if updated.CronExpr != "0 3 * * *" || updated.Timezone != "" {
		t.Errorf("definition not replaced: %+v", updated)
	}
	if updated.NextRunAt == nil || updated.NextRunAt.Minute() != 0 || updated.NextRunAt.Hour() != 3 {
		t.Errorf("expected next_run_at recomputed for the new rule, got %v", updated.NextRunAt)
	}

	dropped, err := repo.GetByName(ctx, "drip-sync")
	if err != nil {
		t.Fatalf("dropped schedule should survive disabled: %v", err)
	}
	if dropped.Enabled {
		t.Error("expected a removed entry to be disabled, not deleted")
	}

	// Re-adding the entry re-enables it; the reverted cron rule counts as
	// a second update.
	res = syncer.Apply(ctx, first)
	if res.Updated != 2 || res.Unchanged != 1 {
		t.Fatalf("expected the re-added entry updated, got %+v", res)
	}
	back, _ := repo.GetByName(ctx, "drip-sync")
	if !back.Enabled {
		t.Error("expected the re-added entry enabled again")
	}
}

func TestSyncerLeavesUnmanagedAlone(t *testing.T) {
	ctx := context.Background()
	syncer, repo := newSyncer()

	manual := &scheduler.Schedule{
		Name:       "hand-made",
		TargetKind: work.KindTask,
		TargetName: "sweep",
		Type:       scheduler.TypeInterval,
		Interval:   time.Minute,
		Enabled:    true,
	}
	if err := repo.Create(ctx, manual); err != nil {
		t.Fatalf("failed to create manual schedule: %v", err)
	}

	schedules, _ := Parse([]byte(sampleFile))
	syncer.Apply(ctx, schedules)
	syncer.Apply(ctx, nil)

	got, err := repo.GetByName(ctx, "hand-made")
	if err != nil {
		t.Fatalf("manual schedule missing: %v", err)
	}
	if !got.Enabled {
		t.Error("a schedule the file never managed must not be disabled")
	}

	// Everything the file managed is now off.
	for _, name := range []string{"nightly-report", "drip-sync", "migrate-once"} {
		s, err := repo.GetByName(ctx, name)
		if err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
		if s.Enabled {
			t.Errorf("expected %s disabled after removal", name)
		}
	}
}

func TestSyncerSkipsBadEntriesNotWholeFile(t *testing.T) {
	ctx := context.Background()
	syncer, repo := newSyncer()

	schedules, _ := Parse([]byte(sampleFile))
	// Sabotage one schedule after parsing; the other two still land.
	schedules[1].CronExpr, schedules[1].Type = "bad", scheduler.TypeCron

	res := syncer.Apply(ctx, schedules)
	if res.Created != 2 {
		t.Fatalf("expected the two good entries created, got %+v", res)
	}
	if _, err := repo.GetByName(ctx, "drip-sync"); errors.TypeOf(err) != "not_found" {
		t.Errorf("expected the bad entry skipped, got %v", err)
	}
}
