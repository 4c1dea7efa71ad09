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
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/foreman/internal/daemon"
	"github.com/tombee/foreman/internal/log"
)

// newServeCommand creates the serve command, the daemon entry point.
func newServeCommand() *cobra.Command {
	var opts daemon.RunOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the foremand daemon",
		Long: `Serve starts the execution engine and blocks until SIGINT or SIGTERM,
then drains active runs and shuts down gracefully.

Configuration comes from the config file, FOREMAN_* environment
variables, and these flags, in increasing order of precedence.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Version = version
			opts.Commit = commit
			opts.BuildDate = buildDate

			// Echo explicitly-set flags: they silently beat both the
			// config file and the environment, which surprises people
			// debugging a config that seems to be ignored.
			var overrides []string
			cmd.Flags().Visit(func(f *pflag.Flag) {
				overrides = append(overrides, f.Name+"="+f.Value.String())
			})
			if len(overrides) > 0 {
				log.New(log.FromEnv()).Info("applying flag overrides",
					log.Attr("flags", overrides))
			}

			return daemon.Run(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "Listen address, e.g. :8080")
	cmd.Flags().StringVar(&opts.StoreBackend, "store", "", "Store backend: sqlite, postgres, memory")
	cmd.Flags().StringVar(&opts.StoreDSN, "dsn", "", "PostgreSQL connection string")
	cmd.Flags().StringVar(&opts.ScheduleFile, "schedule-file", "", "YAML schedule file to sync and watch")
	cmd.Flags().StringVar(&opts.PIDFile, "pidfile", "", "Write and hold a pidfile (set by 'foremand start')")

	return cmd
}
