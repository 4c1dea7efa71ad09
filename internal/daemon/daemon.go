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

// Package daemon composes a foremand process. New wires the store, ledger,
// guard, dead letter queue, handler registry, dispatcher, worker, scheduler
// and health checker from one Config; Start serves /health and /metrics and
// runs the background loops until the context is cancelled; Shutdown drains
// and releases everything in reverse order.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tombee/foreman/internal/config"
	"github.com/tombee/foreman/internal/dlq"
	"github.com/tombee/foreman/internal/guard"
	"github.com/tombee/foreman/internal/health"
	"github.com/tombee/foreman/internal/ledger"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/internal/scheduler"
	"github.com/tombee/foreman/internal/scheduler/schedfile"
	"github.com/tombee/foreman/internal/store"
	"github.com/tombee/foreman/internal/store/postgres"
	"github.com/tombee/foreman/internal/store/sqlite"
	"github.com/tombee/foreman/internal/tracing"
	"github.com/tombee/foreman/internal/worker"
	"github.com/tombee/foreman/pkg/dispatch"
	"github.com/tombee/foreman/pkg/executor"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/handler/builtin"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the foremand process: every engine component wired together
// plus the HTTP surface that exposes health and metrics.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	provider *tracing.Provider
	st       *store.Store // nil when the backend is memory
	led      ledger.Ledger
	grd      guard.Guard
	letters  dlq.Manager
	registry *handler.Registry
	disp     *dispatch.Dispatcher
	wrk      *worker.Worker
	sched    *scheduler.Service
	watcher  *schedfile.Watcher
	checker  *health.Checker

	server *http.Server

	mu        sync.Mutex
	started   bool
	ln        net.Listener
	stopRun   context.CancelFunc
	workerErr chan error
	sweepDone chan struct{}
}

// New builds a stopped daemon from the configuration. Every component is
// constructed here so a wiring mistake fails before anything runs.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.WithComponent(log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	provider, err := tracing.New(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		provider: provider,
	}

	if err := d.buildStore(); err != nil {
		return nil, err
	}
	if err := d.buildRegistry(); err != nil {
		return nil, err
	}

	d.disp = dispatch.New(executor.NewQueue(d.led),
		dispatch.WithLedger(d.led),
		dispatch.WithGuard(d.grd),
		dispatch.WithDLQ(d.letters),
		dispatch.WithRegistry(d.registry),
		dispatch.WithLogger(logger),
		dispatch.WithTracer(provider.Tracer("foreman.dispatch")),
	)

	var fleet *worker.Registry
	if cfg.Worker.Enabled {
		fleet = worker.NewRegistry()
		d.wrk, err = worker.New(worker.Config{
			Dispatcher:    d.disp,
			Handlers:      d.registry,
			Registry:      fleet,
			Lane:          cfg.Worker.Lane,
			PollInterval:  cfg.Worker.PollInterval,
			BatchSize:     cfg.Worker.BatchSize,
			Concurrency:   cfg.Worker.Concurrency,
			RunTimeout:    cfg.Worker.RunTimeout,
			ShutdownGrace: cfg.Worker.ShutdownGrace,
			Tracer:        provider.Tracer("foreman.worker"),
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create worker: %w", err)
		}
	}

	if cfg.Scheduler.Enabled {
		if err := d.buildScheduler(); err != nil {
			return nil, err
		}
	}

	d.checker, err = health.New(health.Config{
		Ledger:              d.led,
		DLQ:                 d.letters,
		Guard:               d.grd,
		Workers:             fleet,
		DLQWarnDepth:        cfg.Health.DLQWarnDepth,
		DLQCriticalDepth:    cfg.Health.DLQCriticalDepth,
		StaleRunAge:         cfg.Health.StaleRunAge,
		FailureRateWarn:     cfg.Health.FailureRateWarn,
		FailureRateCritical: cfg.Health.FailureRateCritical,
		FailureRateWindow:   cfg.Health.FailureRateWindow,
		CheckTimeout:        cfg.Health.CheckTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create health checker: %w", err)
	}

	return d, nil
}

// buildStore opens the configured backend and picks the matching ledger,
// guard and dead letter implementations. The memory backend keeps st nil.
func (d *Daemon) buildStore() error {
	switch d.cfg.Store.Backend {
	case config.BackendSQLite:
		st, err := sqlite.Open(sqlite.Config{
			Path: d.cfg.Store.Path,
			WAL:  d.cfg.Store.WAL,
		})
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		d.st = st
		d.logger.Info("sqlite store opened", log.String("path", d.cfg.Store.Path))
	case config.BackendPostgres:
		st, err := postgres.Open(postgres.Config{
			ConnectionString: d.cfg.Store.DSN,
			MaxOpenConns:     d.cfg.Store.MaxOpenConns,
			MaxIdleConns:     d.cfg.Store.MaxIdleConns,
			ConnMaxLifetime:  d.cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		d.st = st
		d.logger.Info("postgres store opened", log.String("dsn", log.SanitizeDSN(d.cfg.Store.DSN)))
	}

	if d.st != nil {
		d.led = ledger.NewSQL(d.st)
		d.grd = guard.NewSQL(d.st)
		d.letters = dlq.NewSQL(d.st)
	} else {
		d.led = ledger.NewMemory()
		d.grd = guard.NewMemory()
		d.letters = dlq.NewMemory()
	}
	return nil
}

func (d *Daemon) buildRegistry() error {
	d.registry = handler.NewRegistry()
	if d.cfg.Handlers.Builtins {
		if err := builtin.RegisterAll(d.registry); err != nil {
			return fmt.Errorf("failed to register builtin handlers: %w", err)
		}
	}
	if d.cfg.Handlers.Shell.Enabled {
		err := builtin.RegisterShell(d.registry, &builtin.ShellConfig{
			WorkingDir:      d.cfg.Handlers.Shell.WorkingDir,
			Timeout:         d.cfg.Handlers.Shell.Timeout,
			AllowedCommands: d.cfg.Handlers.Shell.AllowedCommands,
		})
		if err != nil {
			return fmt.Errorf("failed to register shell handler: %w", err)
		}
	}
	return nil
}

func (d *Daemon) buildScheduler() error {
	instance := scheduler.InstanceID()

	var repo scheduler.Repository
	var locks scheduler.Locker
	if d.st != nil {
		repo = scheduler.NewSQLRepository(d.st)
		locks = scheduler.NewSQLLocks(d.st, instance)
	} else {
		repo = scheduler.NewMemoryRepository()
		locks = scheduler.NewMemoryLocks(instance)
	}

	sched, err := scheduler.New(scheduler.Config{
		Dispatcher:  d.disp,
		Repo:        repo,
		Locks:       locks,
		Backend:     scheduler.NewTickerBackend(d.cfg.Scheduler.TickInterval),
		Guard:       d.grd,
		InstanceID:  instance,
		LockLead:    d.cfg.Scheduler.LockLead,
		TickTimeout: d.cfg.Scheduler.TickTimeout,
		Logger:      d.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	d.sched = sched

	if d.cfg.Scheduler.ScheduleFile != "" {
		syncer := schedfile.NewSyncer(repo, d.logger)
		watcher, err := schedfile.NewWatcher(
			d.cfg.Scheduler.ScheduleFile, syncer, d.cfg.Scheduler.ReloadDebounce, d.logger)
		if err != nil {
			return fmt.Errorf("failed to create schedule file watcher: %w", err)
		}
		d.watcher = watcher
	}
	return nil
}

// Dispatcher exposes the engine for embedding callers and tests.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.disp }

// Scheduler returns the scheduler service, or nil when disabled.
func (d *Daemon) Scheduler() *scheduler.Service { return d.sched }

// Addr returns the bound listen address, or nil before Start.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Start binds the listener, launches the background loops and serves HTTP
// until ctx is cancelled or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	runCtx, cancel := context.WithCancel(ctx)
	d.stopRun = cancel
	d.mu.Unlock()

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		d.failStart(nil)
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.Addr, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	router := newRouter(routerConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
		Checker:   d.checker,
		Metrics:   d.provider.MetricsHandler(),
	})
	// Health and metrics get polled steadily; logging them at info would
	// drown the rest of the log.
	middleware := log.NewHTTPMiddleware(d.logger, "/health", "/metrics")

	d.server = &http.Server{
		Handler:      middleware.Wrap(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("foremand starting",
		log.String("version", d.opts.Version),
		log.String("listen_addr", ln.Addr().String()),
		log.String("store", d.cfg.Store.Backend))

	// The initial schedule file load happens before the scheduler ticks so
	// the first tick sees the full set.
	if d.watcher != nil {
		if err := d.watcher.Start(runCtx); err != nil {
			// A failed watcher start already closed its resources.
			d.watcher = nil
			d.failStart(ln)
			return fmt.Errorf("failed to start schedule file watcher: %w", err)
		}
	}

	if d.sched != nil {
		if err := d.sched.Start(runCtx); err != nil {
			if d.watcher != nil {
				d.watcher.Stop()
			}
			d.failStart(ln)
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	if d.wrk != nil {
		d.workerErr = make(chan error, 1)
		go func() {
			d.workerErr <- d.wrk.Run(runCtx)
		}()
	}

	if d.cfg.Maintenance.Interval > 0 {
		d.sweepDone = make(chan struct{})
		go d.sweep(runCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		if serr := d.server.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			errCh <- serr
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// failStart unwinds a partially-started daemon so a later Shutdown is a
// clean no-op.
func (d *Daemon) failStart(ln net.Listener) {
	if ln != nil {
		ln.Close()
	}
	d.mu.Lock()
	d.stopRun()
	d.started = false
	d.ln = nil
	d.mu.Unlock()
}

// Shutdown stops the daemon: intake first, then the worker drain, then the
// HTTP server, telemetry flush and store close. Safe to call after Start
// returned, and a no-op if the daemon never started.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	// Cancel the run context so every background loop begins stopping,
	// whether or not the Start caller cancelled its own context.
	d.stopRun()

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error("schedule file watcher shutdown error", log.Error(err))
		}
	}

	if d.sched != nil {
		d.sched.Stop()
	}

	// The worker drains itself within its shutdown grace once its context
	// is cancelled; wait for that to finish before tearing the rest down.
	if d.workerErr != nil {
		select {
		case err := <-d.workerErr:
			if err != nil {
				d.logger.Warn("worker stopped with error", log.Error(err))
			}
		case <-ctx.Done():
			d.logger.Warn("shutdown context expired before worker drain finished")
		}
	}

	if d.sweepDone != nil {
		<-d.sweepDone
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", log.Error(err))
		}
		cancel()
	}

	if d.provider != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.provider.Shutdown(flushCtx); err != nil {
			d.logger.Error("tracing shutdown error", log.Error(err))
		}
		cancel()
	}

	if d.st != nil {
		if err := d.st.Close(); err != nil {
			d.logger.Error("failed to close store", log.Error(err))
		}
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}
