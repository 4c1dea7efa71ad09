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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/foreman/internal/config"
	"github.com/tombee/foreman/internal/lifecycle"
)

// newStartCommand creates the start command, which runs the daemon in the
// background.
func newStartCommand() *cobra.Command {
	var opts startOptions

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start foremand in the background",
		Long: `Start spawns a detached 'foremand serve', waits for it to report
healthy, and returns. The daemon holds a pidfile so stop and restart can
find it. Output goes to the log file.

Start is idempotent: if a healthy daemon already holds the pidfile, it
exits successfully without starting another one.

For systemd or containers, run 'foremand serve' directly instead.`,
		Example: `  # Start with defaults
  foremand start

  # Start against a config file
  foremand start --config /etc/foreman/config.yaml

  # Allow more time for a slow first migration
  foremand start --timeout 60s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&opts.listenAddr, "listen", "", "Listen address, e.g. :8080")
	cmd.Flags().StringVar(&opts.storeBackend, "store", "", "Store backend: sqlite, postgres, memory")
	cmd.Flags().StringVar(&opts.storeDSN, "dsn", "", "PostgreSQL connection string")
	cmd.Flags().StringVar(&opts.scheduleFile, "schedule-file", "", "YAML schedule file to sync and watch")
	cmd.Flags().StringVar(&opts.pidfile, "pidfile", "", "Pidfile path (default ~/.foreman/foremand.pid)")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "Daemon log file (default ~/.foreman/foremand.log)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "How long to wait for the daemon to become healthy")

	return cmd
}

type startOptions struct {
	configPath   string
	listenAddr   string
	storeBackend string
	storeDSN     string
	scheduleFile string
	pidfile      string
	logFile      string
	timeout      time.Duration
}

func runStart(cmd *cobra.Command, opts startOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.listenAddr != "" {
		cfg.Server.Addr = opts.listenAddr
	}

	pidfilePath, err := resolvePidfilePath(opts.pidfile)
	if err != nil {
		return err
	}
	logPath, err := resolveLogPath(opts.logFile)
	if err != nil {
		return err
	}

	probe := lifecycle.NewProbe(healthBaseURL(cfg.Server.Addr))

	// Idempotent start: a healthy daemon already holding the pidfile wins.
	if pid, err := lifecycle.ReadPid(pidfilePath); err == nil {
		if lifecycle.Running(pid) && lifecycle.IsForemanProcess(pid) {
			checkCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			result := probe.Check(checkCtx)
			cancel()
			if result.Healthy {
				cmd.Printf("foremand is already running (pid %d)\n", pid)
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: foremand process %d exists but is unhealthy, starting a new instance\n", pid)
		}
		// Stale or not ours; the spawned daemon's Acquire replaces it.
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check existing daemon: %w", err)
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own binary: %w", err)
	}

	pid, err := lifecycle.Spawn(binary, buildServeArgs(opts, pidfilePath), logPath)
	if err != nil {
		return fmt.Errorf("failed to spawn daemon: %w", err)
	}

	cmd.Printf("Starting foremand (pid %d)...\n", pid)
	if err := probe.Wait(cmd.Context(), opts.timeout); err != nil {
		// Don't leave a half-started daemon behind.
		_ = lifecycle.Stop(pid, 5*time.Second, true)
		return fmt.Errorf("daemon failed to become healthy within %v (see %s): %w", opts.timeout, logPath, err)
	}

	cmd.Printf("foremand started (pid %d, logs at %s)\n", pid, logPath)
	return nil
}

// buildServeArgs forwards the start flags to the spawned serve process,
// which owns the pidfile for its lifetime.
func buildServeArgs(opts startOptions, pidfilePath string) []string {
	args := []string{"serve", "--pidfile", pidfilePath}
	if opts.configPath != "" {
		args = append(args, "--config", opts.configPath)
	}
	if opts.listenAddr != "" {
		args = append(args, "--listen", opts.listenAddr)
	}
	if opts.storeBackend != "" {
		args = append(args, "--store", opts.storeBackend)
	}
	if opts.storeDSN != "" {
		args = append(args, "--dsn", opts.storeDSN)
	}
	if opts.scheduleFile != "" {
		args = append(args, "--schedule-file", opts.scheduleFile)
	}
	return args
}

// healthBaseURL turns a listen address into a probeable URL. Wildcard
// hosts listen everywhere but are probed on loopback.
func healthBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func resolvePidfilePath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory (set --pidfile): %w", err)
	}
	return filepath.Join(home, ".foreman", "foremand.pid"), nil
}

func resolveLogPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory (set --log-file): %w", err)
	}
	return filepath.Join(home, ".foreman", "foremand.log"), nil
}
