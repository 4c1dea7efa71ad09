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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/foreman/internal/lifecycle"
)

// newStopCommand creates the stop command.
func newStopCommand() *cobra.Command {
	var opts stopOptions

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a background foremand",
		Long: `Stop sends SIGTERM to the daemon recorded in the pidfile and waits
for it to drain and exit. If the timeout lapses, or with --force, it
sends SIGKILL so no orphaned daemon lingers.

Stop is idempotent: with no daemon running it cleans up any stale
pidfile and exits successfully.`,
		Example: `  # Stop gracefully, SIGKILL after the timeout
  foremand stop

  # Allow a long drain before force kill
  foremand stop --timeout 60s

  # Kill immediately
  foremand stop --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.pidfile, "pidfile", "", "Pidfile path (default ~/.foreman/foremand.pid)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Graceful shutdown timeout before SIGKILL")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Skip the graceful wait and SIGKILL right away")

	return cmd
}

type stopOptions struct {
	pidfile string
	timeout time.Duration
	force   bool
}

func runStop(cmd *cobra.Command, opts stopOptions) error {
	pidfilePath, err := resolvePidfilePath(opts.pidfile)
	if err != nil {
		return err
	}

	pid, err := lifecycle.ReadPid(pidfilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cmd.Println("foremand is not running (no pidfile)")
			return nil
		}
		return fmt.Errorf("failed to read pidfile: %w", err)
	}

	if !lifecycle.Running(pid) {
		cmd.Printf("foremand process %d is not running, removing stale pidfile\n", pid)
		if err := os.Remove(pidfilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale pidfile: %w", err)
		}
		return nil
	}

	// A recycled PID from a stale file must never get an unrelated
	// process killed.
	if !lifecycle.IsForemanProcess(pid) {
		return fmt.Errorf("pid %d is not a foremand process, refusing to stop it", pid)
	}

	timeout := opts.timeout
	if opts.force {
		timeout = 0
	}

	cmd.Printf("Stopping foremand (pid %d)...\n", pid)
	if err := lifecycle.Stop(pid, timeout, true); err != nil {
		return fmt.Errorf("failed to stop foremand: %w", err)
	}

	// The daemon removes its own pidfile on a clean exit; clear it if the
	// kill path left it behind.
	if err := os.Remove(pidfilePath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to remove pidfile: %v\n", err)
	}

	cmd.Println("foremand stopped")
	return nil
}
