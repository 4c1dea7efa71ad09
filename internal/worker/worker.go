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

// Package worker drains the ledger. Runs submitted through a deferred
// executor sit in PENDING until a worker claims them, resolves their
// handler, and executes them on a bounded local pool. The ledger's atomic
// claim is what keeps multiple workers on the same store from running the
// same row twice.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tombee/foreman/internal/ledger"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/deadline"
	"github.com/tombee/foreman/pkg/dispatch"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

// Config configures a Worker.
type Config struct {
	// Dispatcher finishes claimed runs. Routing retries and dead letters
	// through it keeps failure policy in one place. Required.
	Dispatcher *dispatch.Dispatcher

	// Handlers resolves handler keys. Nil uses the process default.
	Handlers *handler.Registry

	// Registry is the worker registry this worker reports into. Nil uses
	// the process default.
	Registry *Registry

	// WorkerID identifies this worker in claims and events. Defaults to
	// "<hostname>-<pid>-<uuid fragment>".
	WorkerID string

	// Lane narrows claims to one lane. Empty claims from every lane.
	Lane string

	// PollInterval is the time between ledger sweeps. Default 1s.
	PollInterval time.Duration

	// BatchSize bounds the rows fetched per sweep. Default 10.
	BatchSize int

	// Concurrency bounds simultaneously executing runs. Default 4.
	Concurrency int

	// RunTimeout bounds a single handler invocation. Zero means no
	// per-run limit.
	RunTimeout time.Duration

	// ShutdownGrace bounds the drain of active runs after the loop
	// context is cancelled. Runs still going when it expires have their
	// contexts cancelled and are recorded as CANCELLED. Default 30s.
	ShutdownGrace time.Duration

	// Tracer enables execution spans. Nil disables tracing.
	Tracer trace.Tracer

	// Logger is the base logger.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Handlers == nil {
		c.Handlers = handler.Default()
	}
	if c.Registry == nil {
		c.Registry = Default()
	}
	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.WorkerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(nil)
	}
	return c
}

// Info is a point-in-time snapshot of one worker.
type Info struct {
	WorkerID   string        `json:"worker_id"`
	PID        int           `json:"pid"`
	Hostname   string        `json:"hostname"`
	StartedAt  time.Time     `json:"started_at"`
	Uptime     time.Duration `json:"uptime"`
	Processed  int64         `json:"processed"`
	Failed     int64         `json:"failed"`
	ClaimsLost int64         `json:"claims_lost"`
	Active     []string      `json:"active,omitempty"`
}

// Worker claims and executes pending runs. Construct with New and drive
// with Run; one Worker runs one loop.
type Worker struct {
	cfg    Config
	disp   *dispatch.Dispatcher
	led    ledger.Ledger
	logger *slog.Logger
	sem    *semaphore.Weighted

	execCtx    context.Context
	execCancel context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	startedAt  time.Time
	processed  int64
	failed     int64
	claimsLost int64
	active     map[string]struct{}
}

// New builds a Worker over the dispatcher's ledger.
func New(cfg Config) (*Worker, error) {
	if cfg.Dispatcher == nil {
		return nil, &errors.ConfigError{Key: "dispatcher", Reason: "worker needs a dispatcher"}
	}
	cfg = cfg.withDefaults()

	execCtx, execCancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:        cfg,
		disp:       cfg.Dispatcher,
		led:        cfg.Dispatcher.Ledger(),
		logger:     log.WithWorker(log.WithComponent(cfg.Logger, "worker"), cfg.WorkerID),
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		execCtx:    execCtx,
		execCancel: execCancel,
		active:     make(map[string]struct{}),
	}, nil
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Info returns a snapshot of the worker's counters and active runs.
func (w *Worker) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()

	host, _ := os.Hostname()
	info := Info{
		WorkerID:   w.cfg.WorkerID,
		PID:        os.Getpid(),
		Hostname:   host,
		StartedAt:  w.startedAt,
		Processed:  w.processed,
		Failed:     w.failed,
		ClaimsLost: w.claimsLost,
	}
	if !w.startedAt.IsZero() {
		info.Uptime = time.Since(w.startedAt)
	}
	for id := range w.active {
		info.Active = append(info.Active, id)
	}
	return info
}

// Run drives the claim loop until ctx is cancelled, then drains active
// runs within the shutdown grace. It returns nil on a clean drain.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.startedAt = time.Now()
	w.mu.Unlock()
	w.cfg.Registry.add(w)
	defer w.cfg.Registry.remove(w.cfg.WorkerID)

	w.logger.Info("worker started",
		log.String(log.LaneKey, w.cfg.Lane),
		log.Int("concurrency", w.cfg.Concurrency),
		log.Duration("poll_interval", w.cfg.PollInterval))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return w.drain()
		case <-ticker.C:
		}
	}
}

// tick claims up to a batch of pending runs and hands them to the pool.
func (w *Worker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pending, err := w.led.ListPending(ctx, w.cfg.Lane, w.cfg.BatchSize)
	if err != nil {
		w.logger.Warn("pending sweep failed", log.Error(err))
		return
	}
	for _, run := range pending {
		if ctx.Err() != nil {
			return
		}
		// Take the concurrency slot before claiming so a full pool never
		// strands a claimed row.
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		if !w.claim(ctx, run) {
			w.sem.Release(1)
			continue
		}
		w.wg.Add(1)
		go func(run *work.Run) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			defer w.setActive(run.ID, false)
			w.execute(run)
		}(run)
	}
}

// claim attempts the atomic PENDING takeover. A lost race is normal with
// multiple workers and is only counted.
func (w *Worker) claim(ctx context.Context, run *work.Run) bool {
	claimed, err := w.led.Claim(ctx, run.ID, w.cfg.WorkerID)
	if err != nil {
		recordClaim("error")
		w.logger.Warn("claim failed",
			log.String(log.RunIDKey, run.ID),
			log.Error(err))
		return false
	}
	if !claimed {
		recordClaim("lost")
		w.mu.Lock()
		w.claimsLost++
		w.mu.Unlock()
		return false
	}
	recordClaim("claimed")
	w.setActive(run.ID, true)
	return true
}

// execute resolves and runs one claimed run to a terminal status. It uses
// the worker's execution context, which outlives the claim loop so active
// runs can finish during a drain.
func (w *Worker) execute(run *work.Run) {
	logger := log.WithRunContext(w.logger, run.ID, run.Spec.HandlerKey())

	fn, err := w.cfg.Handlers.Get(run.Spec.Kind, run.Spec.Name)
	if err != nil {
		logger.Warn("no handler for claimed run", log.Error(err))
		w.finish(run, nil, err, logger)
		return
	}

	ctx := w.execCtx
	var span trace.Span
	if w.cfg.Tracer != nil {
		ctx, span = w.cfg.Tracer.Start(ctx, "worker.execute",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("run.id", run.ID),
				attribute.String("run.handler", run.Spec.HandlerKey()),
				attribute.String("worker.id", w.cfg.WorkerID),
			))
	}

	started := time.Now()
	var result any
	runFn := func(ctx context.Context) (rerr error) {
		defer func() {
			if r := recover(); r != nil {
				rerr = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		result, rerr = fn(ctx, run.Spec.Params)
		return rerr
	}

	if w.cfg.RunTimeout > 0 {
		err = deadline.Enforce(ctx, "handler "+run.Spec.HandlerKey(), w.cfg.RunTimeout, runFn)
	} else {
		err = runFn(ctx)
	}
	duration := time.Since(started)
	recordDuration(duration)

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}

	// A timed-out handler may still be writing result; only read it once
	// runFn actually returned.
	var out any
	if err == nil {
		out = result
	}
	w.finish(run, out, err, logger)
	logger.Info("run finished",
		log.Duration(log.DurationKey, duration),
		log.Bool("ok", err == nil))
}

// finish records the terminal status. Writes use a fresh context so an
// outcome still lands when the run's own context is already cancelled.
func (w *Worker) finish(run *work.Run, result any, runErr error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := w.disp.MarkCompleted(ctx, run.ID, resultMap(result)); err != nil {
			logger.Warn("could not record completion", log.Error(err))
		}
		recordExecution("ok")
		w.count(&w.processed)
		return
	}

	if errors.Is(runErr, context.Canceled) {
		// Shutdown revoked the run before the handler finished.
		uerr := w.led.UpdateStatus(ctx, run.ID, work.StatusCancelled, ledger.UpdateOpts{
			Error:       "worker shut down before the run finished",
			EventSource: "worker",
		})
		if uerr != nil {
			logger.Warn("could not record shutdown cancellation", log.Error(uerr))
		}
		recordExecution("cancelled")
		return
	}

	if err := w.disp.MarkFailed(ctx, run.ID, runErr); err != nil {
		logger.Warn("could not record failure", log.Error(err))
	}
	recordExecution("failed")
	w.count(&w.failed)
}

// drain waits for active runs to finish, cancelling whatever is still
// going when the grace expires.
func (w *Worker) drain() error {
	w.mu.Lock()
	activeCount := len(w.active)
	w.mu.Unlock()
	w.logger.Info("worker draining", log.Int("active", activeCount))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped")
		return nil
	case <-time.After(w.cfg.ShutdownGrace):
		w.execCancel()
		w.mu.Lock()
		abandoned := len(w.active)
		w.mu.Unlock()
		w.logger.Warn("shutdown grace expired, revoking active runs",
			log.Int("abandoned", abandoned))
		// Give the revoked runs a moment to record CANCELLED before the
		// caller tears the store down.
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		return nil
	}
}

func (w *Worker) setActive(runID string, on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if on {
		w.active[runID] = struct{}{}
		workerInFlight.Inc()
	} else if _, ok := w.active[runID]; ok {
		delete(w.active, runID)
		workerInFlight.Dec()
	}
}

func (w *Worker) count(field *int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	*field++
}

// resultMap shapes a handler's return value for storage. Maps pass
// through; anything else is kept under an "output" key.
func resultMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"output": v}
}
