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

// Package config loads the foremand daemon configuration: a YAML file,
// defaults for everything omitted, and FOREMAN_* environment overrides
// on top. Load is the only entry point; the daemon consumes the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/foreman/internal/tracing"
	"github.com/tombee/foreman/pkg/errors"
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is the complete foremand configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Server      ServerConfig      `yaml:"server"`
	Worker      WorkerConfig      `yaml:"worker"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Health      HealthConfig      `yaml:"health"`
	Handlers    HandlersConfig    `yaml:"handlers"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
	Tracing     tracing.Config    `yaml:"tracing"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Backend is sqlite, postgres, or memory. memory keeps everything
	// in process and loses it on exit.
	Backend string `yaml:"backend"`

	// Path is the sqlite database file. Used when Backend is sqlite.
	Path string `yaml:"path,omitempty"`

	// WAL enables sqlite write-ahead logging for concurrent reads.
	WAL bool `yaml:"wal"`

	// DSN is the postgres connection URL. Used when Backend is
	// postgres. Environment: FOREMAN_STORE_DSN.
	DSN string `yaml:"dsn,omitempty"`

	// Pool settings for postgres. Zero leaves the driver default.
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// ServerConfig configures the daemon's HTTP listener, which serves only
// /health and /metrics.
type ServerConfig struct {
	// Addr is the listen address. Default ":8080".
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds the HTTP server drain on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// WorkerConfig configures the claim loop.
type WorkerConfig struct {
	// Enabled turns the worker loop on. Default true; a scheduler-only
	// deployment turns it off.
	Enabled bool `yaml:"enabled"`

	// Lane narrows claims to one lane. Empty claims from every lane.
	Lane string `yaml:"lane,omitempty"`

	// PollInterval is the time between ledger sweeps.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// BatchSize bounds the rows fetched per sweep.
	BatchSize int `yaml:"batch_size,omitempty"`

	// Concurrency bounds simultaneously executing runs.
	Concurrency int `yaml:"concurrency,omitempty"`

	// RunTimeout bounds a single handler invocation. Zero means no
	// per-run limit.
	RunTimeout time.Duration `yaml:"run_timeout,omitempty"`

	// ShutdownGrace bounds the drain of active runs on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`
}

// SchedulerConfig configures the cron service.
type SchedulerConfig struct {
	// Enabled turns the scheduler on. Default true.
	Enabled bool `yaml:"enabled"`

	// TickInterval is the evaluation cadence.
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`

	// LockLead is added to each schedule's misfire grace for the
	// firing lock TTL.
	LockLead time.Duration `yaml:"lock_lead,omitempty"`

	// TickTimeout bounds one tick end to end.
	TickTimeout time.Duration `yaml:"tick_timeout,omitempty"`

	// ScheduleFile is a YAML file of schedule definitions synced into
	// the repository and hot-reloaded on change. Empty disables the
	// file source. Environment: FOREMAN_SCHEDULE_FILE.
	ScheduleFile string `yaml:"schedule_file,omitempty"`

	// ReloadDebounce coalesces file-change bursts before a reload.
	ReloadDebounce time.Duration `yaml:"reload_debounce,omitempty"`
}

// HealthConfig tunes the health checker thresholds. Zero values use the
// checker's defaults.
type HealthConfig struct {
	DLQWarnDepth        int           `yaml:"dlq_warn_depth,omitempty"`
	DLQCriticalDepth    int           `yaml:"dlq_critical_depth,omitempty"`
	StaleRunAge         time.Duration `yaml:"stale_run_age,omitempty"`
	FailureRateWarn     float64       `yaml:"failure_rate_warn,omitempty"`
	FailureRateCritical float64       `yaml:"failure_rate_critical,omitempty"`
	FailureRateWindow   time.Duration `yaml:"failure_rate_window,omitempty"`
	CheckTimeout        time.Duration `yaml:"check_timeout,omitempty"`
}

// HandlersConfig controls which built-in handlers register at startup.
type HandlersConfig struct {
	// Builtins registers the safe built-ins (echo, sleep, fail,
	// http.request, transform.jq). Default true.
	Builtins bool `yaml:"builtins"`

	// Shell opts in to the shell.run handler, which executes
	// subprocesses and is never registered by default.
	Shell ShellHandlerConfig `yaml:"shell,omitempty"`
}

// ShellHandlerConfig configures the opt-in shell.run handler.
type ShellHandlerConfig struct {
	// Enabled registers shell.run. Default false.
	Enabled bool `yaml:"enabled"`

	// WorkingDir is the default working directory for commands.
	WorkingDir string `yaml:"working_dir,omitempty"`

	// Timeout bounds a single command.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// AllowedCommands restricts which argv[0] values may run. Empty
	// allows everything, which is only sane in trusted deployments.
	AllowedCommands []string `yaml:"allowed_commands,omitempty"`
}

// MaintenanceConfig configures the periodic retention sweep over
// terminal runs and resolved dead letters.
type MaintenanceConfig struct {
	// Interval is the sweep cadence. Zero or negative disables the
	// sweep entirely.
	Interval time.Duration `yaml:"interval"`

	// RunRetention is how long terminal runs and their events are
	// kept.
	RunRetention time.Duration `yaml:"run_retention,omitempty"`

	// DLQRetention is how long resolved dead letters are kept.
	DLQRetention time.Duration `yaml:"dlq_retention,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level,omitempty"`

	// Format is json or text.
	Format string `yaml:"format,omitempty"`

	// AddSource adds source file and line to every record.
	AddSource bool `yaml:"add_source"`
}

// Default returns the configuration foremand runs with when no file and
// no environment overrides are present: sqlite store next to the
// process, worker and scheduler on, safe built-ins registered.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    "foreman.db",
			WAL:     true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Enabled:       true,
			PollInterval:  time.Second,
			BatchSize:     10,
			Concurrency:   4,
			ShutdownGrace: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			TickInterval:   time.Second,
			ReloadDebounce: 500 * time.Millisecond,
		},
		Handlers: HandlersConfig{
			Builtins: true,
		},
		Maintenance: MaintenanceConfig{
			Interval:     time.Hour,
			RunRetention: 7 * 24 * time.Hour,
			DLQRetention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration: Default, then the YAML file when path
// is non-empty, then environment overrides, then validation. The file's
// omitted keys keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile unmarshals the YAML file over the receiver, so absent
// keys keep their current values.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = home + path[1:]
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values with the Default() equivalents, so a
// Config built in code without Load still works.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Backend == BackendSQLite && c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = defaults.Worker.PollInterval
	}
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = defaults.Worker.BatchSize
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = defaults.Worker.Concurrency
	}
	if c.Worker.ShutdownGrace <= 0 {
		c.Worker.ShutdownGrace = defaults.Worker.ShutdownGrace
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = defaults.Scheduler.TickInterval
	}
	if c.Scheduler.ReloadDebounce <= 0 {
		c.Scheduler.ReloadDebounce = defaults.Scheduler.ReloadDebounce
	}
	if c.Maintenance.RunRetention <= 0 {
		c.Maintenance.RunRetention = defaults.Maintenance.RunRetention
	}
	if c.Maintenance.DLQRetention <= 0 {
		c.Maintenance.DLQRetention = defaults.Maintenance.DLQRetention
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// loadFromEnv applies FOREMAN_* environment overrides. Unparseable
// values are ignored rather than failing startup; validation catches
// anything that matters.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("FOREMAN_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("FOREMAN_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("FOREMAN_STORE_DSN"); val != "" {
		c.Store.DSN = val
	}
	if val := os.Getenv("FOREMAN_LISTEN_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("FOREMAN_WORKER_ENABLED"); val != "" {
		c.Worker.Enabled = isTrue(val)
	}
	if val := os.Getenv("FOREMAN_WORKER_LANE"); val != "" {
		c.Worker.Lane = val
	}
	if val := os.Getenv("FOREMAN_WORKER_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.Concurrency = n
		}
	}
	if val := os.Getenv("FOREMAN_WORKER_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Worker.PollInterval = d
		}
	}
	if val := os.Getenv("FOREMAN_SCHEDULER_ENABLED"); val != "" {
		c.Scheduler.Enabled = isTrue(val)
	}
	if val := os.Getenv("FOREMAN_SCHEDULE_FILE"); val != "" {
		c.Scheduler.ScheduleFile = val
	}
	if val := os.Getenv("FOREMAN_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("FOREMAN_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("FOREMAN_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = isTrue(val)
	}
	if val := os.Getenv("FOREMAN_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("FOREMAN_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			return &errors.ConfigError{Key: "store.path", Reason: "sqlite backend requires a database path"}
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			return &errors.ConfigError{Key: "store.dsn", Reason: "postgres backend requires a connection URL"}
		}
	case BackendMemory:
	default:
		return &errors.ConfigError{
			Key:    "store.backend",
			Reason: fmt.Sprintf("unknown backend %q (want sqlite, postgres, or memory)", c.Store.Backend),
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &errors.ConfigError{
			Key:    "log.level",
			Reason: fmt.Sprintf("unknown level %q (want debug, info, warn, or error)", c.Log.Level),
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return &errors.ConfigError{
			Key:    "log.format",
			Reason: fmt.Sprintf("unknown format %q (want json or text)", c.Log.Format),
		}
	}

	if c.Health.FailureRateWarn < 0 || c.Health.FailureRateWarn > 1 {
		return &errors.ConfigError{Key: "health.failure_rate_warn", Reason: "must be a fraction between 0 and 1"}
	}
	if c.Health.FailureRateCritical < 0 || c.Health.FailureRateCritical > 1 {
		return &errors.ConfigError{Key: "health.failure_rate_critical", Reason: "must be a fraction between 0 and 1"}
	}
	if c.Health.FailureRateWarn > 0 && c.Health.FailureRateCritical > 0 &&
		c.Health.FailureRateWarn > c.Health.FailureRateCritical {
		return &errors.ConfigError{Key: "health.failure_rate_warn", Reason: "warn threshold exceeds critical"}
	}
	if c.Health.DLQWarnDepth > 0 && c.Health.DLQCriticalDepth > 0 &&
		c.Health.DLQWarnDepth > c.Health.DLQCriticalDepth {
		return &errors.ConfigError{Key: "health.dlq_warn_depth", Reason: "warn depth exceeds critical"}
	}

	if !c.Worker.Enabled && !c.Scheduler.Enabled {
		return &errors.ConfigError{
			Key:    "worker.enabled",
			Reason: "both worker and scheduler are disabled; nothing to run",
		}
	}
	return nil
}

func isTrue(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}
