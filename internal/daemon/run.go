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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/foreman/internal/config"
	"github.com/tombee/foreman/internal/lifecycle"
	"github.com/tombee/foreman/internal/log"
)

// RunOptions configures Run.
type RunOptions struct {
	// ConfigPath is the daemon configuration file. Empty runs on
	// defaults plus FOREMAN_* environment overrides.
	ConfigPath string

	Version   string
	Commit    string
	BuildDate string

	// Overrides applied on top of the loaded configuration.
	ListenAddr   string
	StoreBackend string
	StoreDSN     string
	ScheduleFile string

	// PIDFile, when set, is acquired before the daemon starts and held
	// until it exits. Acquisition fails if another foremand holds it.
	PIDFile string
}

// Run loads the configuration, starts the daemon and blocks until SIGINT,
// SIGTERM or a daemon error, then shuts down gracefully. This is the whole
// of `foremand serve`.
func Run(opts RunOptions) error {
	// Environment-driven logging until the config is loaded, so load
	// failures are still reported in the configured-by-env shape.
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if opts.ListenAddr != "" {
		cfg.Server.Addr = opts.ListenAddr
	}
	if opts.StoreBackend != "" {
		cfg.Store.Backend = opts.StoreBackend
	}
	if opts.StoreDSN != "" {
		cfg.Store.DSN = opts.StoreDSN
	}
	if opts.ScheduleFile != "" {
		cfg.Scheduler.ScheduleFile = opts.ScheduleFile
	}

	logger = log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	if opts.PIDFile != "" {
		pidfile, err := lifecycle.Acquire(opts.PIDFile)
		if err != nil {
			return err
		}
		defer pidfile.Release()
		logger.Info("acquired pidfile", log.String("path", pidfile.Path()))
	}

	d, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", log.String("signal", sig.String()))
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
		return nil
	}
}
