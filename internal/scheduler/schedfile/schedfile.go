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

// Package schedfile loads schedule definitions from a YAML file and keeps
// the schedule repository in sync with it. Entries are upserted by name;
// entries that disappear from the file are disabled, not deleted, so
// their firing history survives.
package schedfile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/internal/scheduler"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

// File is the YAML document shape.
type File struct {
	Schedules []Entry `yaml:"schedules"`
}

// Entry is one schedule definition. Exactly one of cron, every, or at
// must be set. Target is "<kind>:<name>"; a bare name means a pipeline.
type Entry struct {
	Name         string         `yaml:"name"`
	Target       string         `yaml:"target"`
	Cron         string         `yaml:"cron,omitempty"`
	Every        time.Duration  `yaml:"every,omitempty"`
	At           *time.Time     `yaml:"at,omitempty"`
	Timezone     string         `yaml:"timezone,omitempty"`
	Params       map[string]any `yaml:"params,omitempty"`
	Enabled      *bool          `yaml:"enabled,omitempty"`
	MaxInstances int            `yaml:"max_instances,omitempty"`
	MisfireGrace time.Duration  `yaml:"misfire_grace,omitempty"`
}

// schedule converts the entry to its domain form.
func (e Entry) schedule() (*scheduler.Schedule, error) {
	if e.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "schedule entries require a name"}
	}
	if e.Target == "" {
		return nil, &errors.ValidationError{Field: "target", Message: fmt.Sprintf("schedule %q has no target", e.Name)}
	}

	var kind work.Kind
	var target string
	if strings.Contains(e.Target, ":") {
		kind, target = work.ParseHandlerKey(e.Target)
	} else {
		kind, target = work.KindPipeline, e.Target
	}

	set := 0
	for _, given := range []bool{e.Cron != "", e.Every > 0, e.At != nil} {
		if given {
			set++
		}
	}
	if set != 1 {
		return nil, &errors.ValidationError{
			Field:   "schedule",
			Message: fmt.Sprintf("schedule %q must set exactly one of cron, every, at", e.Name),
		}
	}

	s := &scheduler.Schedule{
		Name:         e.Name,
		TargetKind:   kind,
		TargetName:   target,
		CronExpr:     e.Cron,
		Interval:     e.Every,
		RunAt:        e.At,
		Timezone:     e.Timezone,
		Params:       e.Params,
		Enabled:      e.Enabled == nil || *e.Enabled,
		MaxInstances: e.MaxInstances,
		MisfireGrace: e.MisfireGrace,
	}
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes a schedule file and validates every entry. Duplicate
// names within one file are rejected.
func Parse(data []byte) ([]*scheduler.Schedule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schedule file: %w", err)
	}

	seen := make(map[string]bool, len(f.Schedules))
	schedules := make([]*scheduler.Schedule, 0, len(f.Schedules))
	for _, entry := range f.Schedules {
		s, err := entry.schedule()
		if err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, &errors.ValidationError{Field: "name", Message: fmt.Sprintf("schedule %q defined twice", s.Name)}
		}
		seen[s.Name] = true
		schedules = append(schedules, s)
	}
	return schedules, nil
}

// Load reads and parses a schedule file. A missing file is an empty set,
// so a deleted file disables everything it used to manage.
func Load(path string) ([]*scheduler.Schedule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	return Parse(data)
}

// Result counts what one sync pass did.
type Result struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Disabled  int `json:"disabled"`
}

// Syncer applies parsed schedule sets to a repository. It remembers
// which names it manages so removals can be disabled on the next pass;
// schedules created by other means are never touched.
type Syncer struct {
	repo   scheduler.Repository
	logger *slog.Logger

	mu      sync.Mutex
	managed map[string]bool
}

// NewSyncer creates a syncer over the repository.
func NewSyncer(repo scheduler.Repository, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		repo:    repo,
		logger:  log.WithComponent(logger, "schedfile"),
		managed: make(map[string]bool),
	}
}

// Apply upserts the given schedules and disables managed names missing
// from the set. Individual failures are logged and skipped so one bad
// entry cannot block the rest.
func (s *Syncer) Apply(ctx context.Context, schedules []*scheduler.Schedule) Result {
	var res Result
	next := make(map[string]bool, len(schedules))

	for _, want := range schedules {
		next[want.Name] = true
		logger := log.WithSchedule(s.logger, want.Name)

		have, err := s.repo.GetByName(ctx, want.Name)
		if errors.TypeOf(err) == "not_found" {
			if err := s.repo.Create(ctx, want); err != nil {
				logger.Error("could not create schedule", log.Error(err))
				continue
			}
			res.Created++
			logger.Info("schedule created from file")
			continue
		}
		if err != nil {
			logger.Error("could not read schedule", log.Error(err))
			continue
		}

		if sameDefinition(have, want) {
			res.Unchanged++
			continue
		}

		// The firing rule may have changed; recompute the next slot
		// rather than keeping one planned under the old rule.
		merged := *want
		merged.ID = have.ID
		merged.Version = have.Version
		nextRun, err := merged.NextAfter(time.Now().UTC())
		if err != nil {
			logger.Error("could not compute next run", log.Error(err))
			continue
		}
		merged.NextRunAt = nextRun
		if err := s.repo.Update(ctx, &merged); err != nil {
			logger.Error("could not update schedule", log.Error(err))
			continue
		}
		res.Updated++
		logger.Info("schedule updated from file")
	}

	s.mu.Lock()
	previous := s.managed
	s.managed = next
	s.mu.Unlock()

	for name := range previous {
		if next[name] {
			continue
		}
		if err := s.repo.SetEnabled(ctx, name, false); err != nil {
			if errors.TypeOf(err) != "not_found" {
				log.WithSchedule(s.logger, name).Error("could not disable removed schedule", log.Error(err))
			}
			continue
		}
		res.Disabled++
		log.WithSchedule(s.logger, name).Info("schedule removed from file, disabled")
	}
	return res
}

// Sync loads the file and applies it.
func (s *Syncer) Sync(ctx context.Context, path string) (Result, error) {
	schedules, err := Load(path)
	if err != nil {
		return Result{}, err
	}
	res := s.Apply(ctx, schedules)
	s.logger.Info("schedule file applied",
		slog.String("path", path),
		slog.Int("created", res.Created), slog.Int("updated", res.Updated),
		slog.Int("unchanged", res.Unchanged), slog.Int("disabled", res.Disabled))
	return res, nil
}

// sameDefinition compares the operator-controlled fields, ignoring the
// bookkeeping the scheduler advances on its own.
func sameDefinition(a, b *scheduler.Schedule) bool {
	switch {
	case a.TargetKind != b.TargetKind,
		a.TargetName != b.TargetName,
		a.Type != b.Type,
		a.CronExpr != b.CronExpr,
		a.Interval != b.Interval,
		a.Timezone != b.Timezone,
		a.Enabled != b.Enabled,
		a.MaxInstances != b.MaxInstances,
		a.MisfireGrace != b.MisfireGrace:
		return false
	}
	if (a.RunAt == nil) != (b.RunAt == nil) {
		return false
	}
	if a.RunAt != nil && !a.RunAt.Equal(*b.RunAt) {
		return false
	}
	return sameParams(a.Params, b.Params)
}

// sameParams compares params through JSON so values survive a storage
// round-trip (YAML integers come back as float64 from the database).
func sameParams(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
