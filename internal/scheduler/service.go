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

// Package scheduler fires due schedules through the dispatcher. A tick
// backend supplies timing, a repository persists schedule state, and a
// distributed locker keeps concurrent scheduler instances from firing
// the same schedule twice. Late firings beyond a schedule's misfire
// grace are recorded as missed rather than dispatched.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/foreman/internal/guard"
	"github.com/tombee/foreman/internal/ledger"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/dispatch"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

const (
	// DefaultCleanupEvery is how many ticks pass between expired-lock
	// sweeps.
	DefaultCleanupEvery = 20

	// DefaultLockLead is added to a schedule's misfire grace when sizing
	// its lock TTL, covering dispatch latency.
	DefaultLockLead = time.Minute

	// DefaultTickTimeout bounds one tick's database and dispatch work.
	DefaultTickTimeout = time.Minute
)

// Config wires a Service. Dispatcher, Repo, and Locks are required.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Repo       Repository
	Locks      Locker

	// Backend supplies ticks. Defaults to an in-process ticker at
	// DefaultTickInterval.
	Backend TickBackend

	// Guard, when set, has its expired concurrency holds reaped in the
	// same periodic sweep as the schedule locks.
	Guard guard.Guard

	// InstanceID names this scheduler in lock holders and logs.
	// Defaults to InstanceID().
	InstanceID string

	// CleanupEvery is the tick period between expired-lock sweeps.
	CleanupEvery int

	// LockLead is added to each schedule's misfire grace for the lock
	// TTL.
	LockLead time.Duration

	// TickTimeout bounds one tick end to end.
	TickTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) withDefaults() error {
	if c.Dispatcher == nil {
		return fmt.Errorf("scheduler requires a dispatcher")
	}
	if c.Repo == nil {
		return fmt.Errorf("scheduler requires a repository")
	}
	if c.Locks == nil {
		return fmt.Errorf("scheduler requires a locker")
	}
	if c.Backend == nil {
		c.Backend = NewTickerBackend(DefaultTickInterval)
	}
	if c.InstanceID == "" {
		c.InstanceID = InstanceID()
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = DefaultCleanupEvery
	}
	if c.LockLead <= 0 {
		c.LockLead = DefaultLockLead
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = DefaultTickTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Stats is a snapshot of the service's counters since start.
type Stats struct {
	Ticks      int64     `json:"ticks"`
	Dispatched int64     `json:"dispatched"`
	Skipped    int64     `json:"skipped"`
	Missed     int64     `json:"missed"`
	Failures   int64     `json:"failures"`
	LastTick   time.Time `json:"last_tick"`
}

// Service evaluates schedules on every backend tick. One Service per
// process; run several processes against the same database for
// availability, and the locker keeps them from double-firing.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	stats   Stats
}

// New validates the configuration and builds a stopped service.
func New(cfg Config) (*Service, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return &Service{
		cfg:    cfg,
		logger: log.WithComponent(cfg.Logger, "scheduler").With(slog.String("instance", cfg.InstanceID)),
	}, nil
}

// Start begins ticking. The context bounds the service's lifetime: when
// it is cancelled the backend stops delivering ticks.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.running = true
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.cfg.Backend.Start(ctx, s.tick); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.logger.Info("scheduler started")
	return nil
}

// Stop halts the backend and waits for an in-flight tick to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cfg.Backend.Stop()
	s.logger.Info("scheduler stopped")
}

// Health reports nil while the backend is delivering ticks.
func (s *Service) Health() error {
	return s.cfg.Backend.Health()
}

// Stats returns a copy of the counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Repo exposes the repository for administrative surfaces.
func (s *Service) Repo() Repository { return s.cfg.Repo }

// Locks exposes the locker for recovery tooling.
func (s *Service) Locks() Locker { return s.cfg.Locks }

// Trigger fires a schedule by name right now, bypassing its timing, lock
// and misfire rules. The schedule's next planned firing is untouched.
func (s *Service) Trigger(ctx context.Context, name string, paramsOverride map[string]any) (string, error) {
	sched, err := s.cfg.Repo.GetByName(ctx, name)
	if err != nil {
		return "", err
	}
	if _, err := s.cfg.Repo.MarkRunStarted(ctx, sched, time.Now().UTC()); err != nil {
		return "", err
	}
	runID, err := s.dispatch(ctx, sched, paramsOverride)
	if err != nil {
		if merr := s.cfg.Repo.MarkRunCompleted(ctx, sched.ID, Outcome{Status: RunFailed, Error: err.Error()}); merr != nil {
			s.logger.Warn("could not settle manual firing", log.Error(merr))
		}
		recordFiring(sched.Name, RunFailed)
		return "", err
	}
	if err := s.cfg.Repo.MarkRunCompleted(ctx, sched.ID, Outcome{Status: RunCompleted, RunID: runID}); err != nil {
		s.logger.Warn("could not settle manual firing", log.Error(err))
	}
	recordFiring(sched.Name, RunCompleted)
	s.logger.Info("schedule triggered manually",
		slog.String(log.ScheduleKey, name), slog.String(log.RunIDKey, runID))
	return runID, nil
}

// Pause disables a schedule by name.
func (s *Service) Pause(ctx context.Context, name string) error {
	if err := s.cfg.Repo.SetEnabled(ctx, name, false); err != nil {
		return err
	}
	s.logger.Info("schedule paused", slog.String(log.ScheduleKey, name))
	return nil
}

// Resume re-enables a schedule by name.
func (s *Service) Resume(ctx context.Context, name string) error {
	if err := s.cfg.Repo.SetEnabled(ctx, name, true); err != nil {
		return err
	}
	s.logger.Info("schedule resumed", slog.String(log.ScheduleKey, name))
	return nil
}

// tick is one evaluation pass: sweep expired locks every CleanupEvery
// ticks, enumerate due schedules, and fire each under its lock. Errors
// on one schedule never stop the others.
func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	base := s.baseCtx
	s.stats.Ticks++
	s.stats.LastTick = now
	tickN := s.stats.Ticks
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, s.cfg.TickTimeout)
	defer cancel()

	if tickN%int64(s.cfg.CleanupEvery) == 0 {
		s.sweep(ctx)
	}

	due, err := s.cfg.Repo.DueSchedules(ctx, now)
	if err != nil {
		recordTickError()
		s.count(func(st *Stats) { st.Failures++ })
		s.logger.Error("due schedule query failed", log.Error(err))
		return
	}
	recordTick(len(due))
	if len(due) == 0 {
		return
	}
	s.logger.Debug("tick", slog.Int("due", len(due)))

	for _, sched := range due {
		select {
		case <-ctx.Done():
			s.logger.Warn("tick deadline reached with schedules still due",
				slog.Int("remaining", len(due)))
			return
		default:
		}
		s.fire(ctx, sched, now)
	}
}

// sweep reaps expired schedule locks and, when a guard is wired, expired
// concurrency holds.
func (s *Service) sweep(ctx context.Context) {
	if n, err := s.cfg.Locks.CleanupExpired(ctx); err != nil {
		s.logger.Warn("schedule lock sweep failed", log.Error(err))
	} else if n > 0 {
		s.logger.Info("reaped expired schedule locks", slog.Int("count", n))
	}
	if s.cfg.Guard == nil {
		return
	}
	if n, err := s.cfg.Guard.CleanupExpired(ctx); err != nil {
		s.logger.Warn("concurrency lock sweep failed", log.Error(err))
	} else if n > 0 {
		s.logger.Info("reaped expired concurrency locks", slog.Int("count", n))
	}
}

// fire evaluates one due schedule under its lock.
func (s *Service) fire(ctx context.Context, sched *Schedule, now time.Time) {
	logger := log.WithSchedule(s.logger, sched.Name)

	acquired, err := s.cfg.Locks.Acquire(ctx, sched.ID, sched.MisfireGrace+s.cfg.LockLead)
	if err != nil {
		s.count(func(st *Stats) { st.Failures++ })
		logger.Error("schedule lock acquire failed", log.Error(err))
		return
	}
	if !acquired {
		s.count(func(st *Stats) { st.Skipped++ })
		recordFiring(sched.Name, RunSkipped)
		logger.Debug("schedule held by another instance, skipping")
		return
	}
	defer func() {
		if err := s.cfg.Locks.Release(ctx, sched.ID); err != nil {
			logger.Warn("schedule lock release failed", log.Error(err))
		}
	}()

	if _, tzErr := sched.Location(); tzErr != nil {
		logger.Warn("unresolvable timezone, evaluating in UTC",
			slog.String("timezone", sched.Timezone))
	}

	next, err := sched.NextAfter(now)
	if err != nil {
		s.count(func(st *Stats) { st.Failures++ })
		logger.Error("next run computation failed", log.Error(err))
		return
	}
	advance := Outcome{NextRunAt: next, ClearNext: next == nil}

	scheduledAt := now
	if sched.NextRunAt != nil {
		scheduledAt = *sched.NextRunAt
	}

	// A firing observed too far past its slot is recorded as missed, not
	// dispatched late.
	if sched.NextRunAt != nil && now.After(sched.NextRunAt.Add(sched.MisfireGrace)) {
		out := advance
		out.Status = RunMissed
		out.Error = fmt.Sprintf("scheduled for %s, noticed at %s",
			sched.NextRunAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
		if err := s.cfg.Repo.RecordOutcome(ctx, sched, scheduledAt, out); err != nil {
			logger.Error("could not record missed firing", log.Error(err))
		}
		s.count(func(st *Stats) { st.Missed++ })
		recordFiring(sched.Name, RunMissed)
		logger.Warn("schedule missed its window",
			slog.Time("scheduled_at", scheduledAt),
			log.Duration("late", now.Sub(scheduledAt)))
		return
	}

	if sched.MaxInstances > 0 {
		active, err := s.activeRuns(ctx, sched)
		if err != nil {
			logger.Warn("active run count failed, firing anyway", log.Error(err))
		} else if active >= sched.MaxInstances {
			out := advance
			out.Status = RunSkipped
			out.Error = fmt.Sprintf("%d active runs at limit %d", active, sched.MaxInstances)
			if err := s.cfg.Repo.RecordOutcome(ctx, sched, scheduledAt, out); err != nil {
				logger.Error("could not record skipped firing", log.Error(err))
			}
			s.count(func(st *Stats) { st.Skipped++ })
			recordFiring(sched.Name, RunSkipped)
			logger.Info("schedule at instance limit, skipping",
				slog.Int("active", active), slog.Int("max_instances", sched.MaxInstances))
			return
		}
	}

	if _, err := s.cfg.Repo.MarkRunStarted(ctx, sched, scheduledAt); err != nil {
		s.count(func(st *Stats) { st.Failures++ })
		logger.Error("could not open firing", log.Error(err))
		return
	}

	runID, err := s.dispatch(ctx, sched, nil)
	if err != nil {
		out := advance
		out.Status = RunFailed
		out.Error = err.Error()
		if merr := s.cfg.Repo.MarkRunCompleted(ctx, sched.ID, out); merr != nil {
			logger.Error("could not settle failed firing", log.Error(merr))
		}
		s.count(func(st *Stats) { st.Failures++ })
		recordFiring(sched.Name, RunFailed)
		logger.Error("schedule dispatch failed",
			slog.String("error_type", errors.TypeOf(err)), log.Error(err))
		return
	}

	out := advance
	out.Status = RunCompleted
	out.RunID = runID
	if err := s.cfg.Repo.MarkRunCompleted(ctx, sched.ID, out); err != nil {
		logger.Error("could not settle firing", log.Error(err))
	}
	s.count(func(st *Stats) { st.Dispatched++ })
	recordFiring(sched.Name, RunCompleted)

	attrs := []any{slog.String(log.RunIDKey, runID)}
	if next != nil {
		attrs = append(attrs, slog.Time("next_run_at", *next))
	}
	logger.Info("schedule fired", attrs...)
}

// dispatch submits the schedule's target with merged params.
func (s *Service) dispatch(ctx context.Context, sched *Schedule, override map[string]any) (string, error) {
	params := make(map[string]any, len(sched.Params)+len(override))
	for k, v := range sched.Params {
		params[k] = v
	}
	for k, v := range override {
		params[k] = v
	}
	if len(params) == 0 {
		params = nil
	}
	return s.cfg.Dispatcher.Submit(ctx, work.Spec{
		Kind:          sched.TargetKind,
		Name:          sched.TargetName,
		Params:        params,
		TriggerSource: work.TriggerSchedule,
		Metadata: map[string]string{
			"schedule_id":   sched.ID,
			"schedule_name": sched.Name,
		},
	})
}

// activeRuns counts ledger runs this schedule started that have not yet
// reached a terminal status.
func (s *Service) activeRuns(ctx context.Context, sched *Schedule) (int, error) {
	runs, err := s.cfg.Dispatcher.ListRuns(ctx, ledger.Filter{
		Kind: sched.TargetKind,
		Name: sched.TargetName,
	})
	if err != nil {
		return 0, err
	}
	active := 0
	for _, run := range runs {
		if run.Status.Active() && run.Spec.Metadata["schedule_id"] == sched.ID {
			active++
		}
	}
	return active, nil
}

func (s *Service) count(apply func(*Stats)) {
	s.mu.Lock()
	apply(&s.stats)
	s.mu.Unlock()
}
