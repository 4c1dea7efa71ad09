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
	"time"

	"github.com/spf13/cobra"
)

// newRestartCommand creates the restart command.
func newRestartCommand() *cobra.Command {
	var (
		start       startOptions
		stopTimeout time.Duration
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a background foremand",
		Long: `Restart stops the daemon recorded in the pidfile and starts a fresh
one. Use it to pick up configuration changes.`,
		Example: `  # Restart with the same defaults as start
  foremand restart

  # Restart after editing the config
  foremand restart --config /etc/foreman/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stop := stopOptions{
				pidfile: start.pidfile,
				timeout: stopTimeout,
				force:   force,
			}
			if err := runStop(cmd, stop); err != nil {
				return err
			}
			return runStart(cmd, start)
		},
	}

	cmd.Flags().StringVarP(&start.configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&start.listenAddr, "listen", "", "Listen address, e.g. :8080")
	cmd.Flags().StringVar(&start.storeBackend, "store", "", "Store backend: sqlite, postgres, memory")
	cmd.Flags().StringVar(&start.storeDSN, "dsn", "", "PostgreSQL connection string")
	cmd.Flags().StringVar(&start.scheduleFile, "schedule-file", "", "YAML schedule file to sync and watch")
	cmd.Flags().StringVar(&start.pidfile, "pidfile", "", "Pidfile path (default ~/.foreman/foremand.pid)")
	cmd.Flags().StringVar(&start.logFile, "log-file", "", "Daemon log file (default ~/.foreman/foremand.log)")
	cmd.Flags().DurationVar(&start.timeout, "timeout", 30*time.Second, "How long to wait for the daemon to become healthy")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "Graceful shutdown timeout before SIGKILL")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the graceful wait and SIGKILL right away")

	return cmd
}
