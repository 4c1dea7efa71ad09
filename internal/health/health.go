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

// Package health aggregates component probes into one operator-facing
// report. The checker asks the ledger, dead letter queue, concurrency
// guard and worker registry for the numbers an operator would otherwise
// query by hand and grades each against configurable thresholds. The
// report marshals to JSON as-is, so a /health endpoint can serve it
// directly.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tombee/foreman/internal/dlq"
	"github.com/tombee/foreman/internal/guard"
	"github.com/tombee/foreman/internal/ledger"
	"github.com/tombee/foreman/internal/worker"
)

// Status grades one check or a whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worse returns the worse of the two statuses.
func (s Status) Worse(other Status) Status {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Check is the outcome of one probe.
type Check struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Report is the aggregate of every configured check. Status is the worst
// child status.
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether the process should be considered up. Degraded
// still counts: the engine is working, just with something worth looking
// at.
func (r Report) Healthy() bool {
	return r.Status != StatusUnhealthy
}

// HTTPStatus maps the report onto a response code for /health endpoints.
func (r Report) HTTPStatus() int {
	if r.Healthy() {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

const (
	// DefaultDLQWarnDepth and DefaultDLQCriticalDepth grade the number of
	// unresolved dead letters.
	DefaultDLQWarnDepth     = 10
	DefaultDLQCriticalDepth = 100

	// DefaultStaleRunAge is how long a run may sit in RUNNING before the
	// stale-run check flags it.
	DefaultStaleRunAge = 10 * time.Minute

	// DefaultFailureRateWarn and DefaultFailureRateCritical grade the
	// fraction of recent runs that failed or timed out.
	DefaultFailureRateWarn     = 0.10
	DefaultFailureRateCritical = 0.50

	// DefaultFailureRateWindow is the trailing window the failure rate is
	// computed over.
	DefaultFailureRateWindow = time.Hour

	// DefaultCheckTimeout bounds each individual probe.
	DefaultCheckTimeout = 5 * time.Second
)

// Config wires a Checker. Ledger is required; DLQ, Guard and Workers are
// optional, and their checks are omitted from the report when absent.
type Config struct {
	Ledger ledger.Ledger
	DLQ    dlq.Manager
	Guard  guard.Guard

	// Workers is the registry the in-process worker fleet reports into.
	Workers *worker.Registry

	// DLQWarnDepth and DLQCriticalDepth are the unresolved-entry counts
	// at which dlq_depth degrades and fails.
	DLQWarnDepth     int
	DLQCriticalDepth int

	// StaleRunAge is the age past which a RUNNING run counts as stale.
	StaleRunAge time.Duration

	// FailureRateWarn and FailureRateCritical are the recent failure
	// fractions at which failure_rate degrades and fails.
	FailureRateWarn     float64
	FailureRateCritical float64

	// FailureRateWindow is the trailing window for failure_rate.
	FailureRateWindow time.Duration

	// CheckTimeout bounds each probe.
	CheckTimeout time.Duration
}

func (c *Config) withDefaults() error {
	if c.Ledger == nil {
		return fmt.Errorf("health checker requires a ledger")
	}
	if c.DLQWarnDepth <= 0 {
		c.DLQWarnDepth = DefaultDLQWarnDepth
	}
	if c.DLQCriticalDepth <= 0 {
		c.DLQCriticalDepth = DefaultDLQCriticalDepth
	}
	if c.StaleRunAge <= 0 {
		c.StaleRunAge = DefaultStaleRunAge
	}
	if c.FailureRateWarn <= 0 {
		c.FailureRateWarn = DefaultFailureRateWarn
	}
	if c.FailureRateCritical <= 0 {
		c.FailureRateCritical = DefaultFailureRateCritical
	}
	if c.FailureRateWindow <= 0 {
		c.FailureRateWindow = DefaultFailureRateWindow
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = DefaultCheckTimeout
	}
	return nil
}

// Checker runs the configured probes on demand. Safe for concurrent use:
// every field is set at construction and never written again.
type Checker struct {
	cfg    Config
	checks []func(context.Context) Check
}

// New validates the configuration and builds a checker.
func New(cfg Config) (*Checker, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	c := &Checker{cfg: cfg}
	c.checks = append(c.checks, c.checkDatabase)
	if cfg.DLQ != nil {
		c.checks = append(c.checks, c.checkDLQDepth)
	}
	c.checks = append(c.checks, c.checkStaleRuns, c.checkFailureRate)
	if cfg.Guard != nil {
		c.checks = append(c.checks, c.checkActiveLocks)
	}
	if cfg.Workers != nil {
		c.checks = append(c.checks, c.checkWorkers)
	}
	return c, nil
}

// Check runs every probe and aggregates the worst status. A probe that
// cannot run reports unhealthy: a check that cannot reach its subsystem
// cannot vouch for it.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{
		Status:    StatusHealthy,
		CheckedAt: time.Now().UTC(),
	}
	for _, probe := range c.checks {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
		result := probe(probeCtx)
		cancel()
		report.Checks = append(report.Checks, result)
		report.Status = report.Status.Worse(result.Status)
	}
	return report
}

func (c *Checker) checkDatabase(ctx context.Context) Check {
	start := time.Now()
	err := c.cfg.Ledger.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return Check{
			Name:    "database",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}
	return Check{
		Name:    "database",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("round trip in %s", latency.Round(10*time.Microsecond)),
		Details: map[string]any{"latency_ms": float64(latency.Microseconds()) / 1000},
	}
}

func (c *Checker) checkDLQDepth(ctx context.Context) Check {
	depth, err := c.cfg.DLQ.Depth(ctx)
	if err != nil {
		return Check{
			Name:    "dlq_depth",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("depth query failed: %v", err),
		}
	}
	check := Check{
		Name:    "dlq_depth",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d unresolved", depth),
		Details: map[string]any{
			"depth":    depth,
			"warn":     c.cfg.DLQWarnDepth,
			"critical": c.cfg.DLQCriticalDepth,
		},
	}
	switch {
	case depth >= c.cfg.DLQCriticalDepth:
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("%d unresolved, at or past critical threshold %d", depth, c.cfg.DLQCriticalDepth)
	case depth >= c.cfg.DLQWarnDepth:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d unresolved, at or past warn threshold %d", depth, c.cfg.DLQWarnDepth)
	}
	return check
}

func (c *Checker) checkStaleRuns(ctx context.Context) Check {
	count, err := c.cfg.Ledger.CountRunningOlderThan(ctx, c.cfg.StaleRunAge)
	if err != nil {
		return Check{
			Name:    "stale_runs",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("count failed: %v", err),
		}
	}
	check := Check{
		Name:    "stale_runs",
		Status:  StatusHealthy,
		Message: "none",
		Details: map[string]any{
			"count":      count,
			"older_than": c.cfg.StaleRunAge.String(),
		},
	}
	if count > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d runs running longer than %s", count, c.cfg.StaleRunAge)
	}
	return check
}

func (c *Checker) checkFailureRate(ctx context.Context) Check {
	rate, err := c.cfg.Ledger.FailureRate(ctx, c.cfg.FailureRateWindow)
	if err != nil {
		return Check{
			Name:    "failure_rate",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("rate query failed: %v", err),
		}
	}
	check := Check{
		Name:    "failure_rate",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%.0f%% failed over the last %s", rate*100, c.cfg.FailureRateWindow),
		Details: map[string]any{
			"rate":     rate,
			"window":   c.cfg.FailureRateWindow.String(),
			"warn":     c.cfg.FailureRateWarn,
			"critical": c.cfg.FailureRateCritical,
		},
	}
	switch {
	case rate >= c.cfg.FailureRateCritical:
		check.Status = StatusUnhealthy
	case rate >= c.cfg.FailureRateWarn:
		check.Status = StatusDegraded
	}
	return check
}

// checkWorkers is informational: the registry is legitimately empty while
// the fleet boots or drains, so emptiness never downgrades the report.
func (c *Checker) checkWorkers(_ context.Context) Check {
	infos := c.cfg.Workers.Infos()
	var processed, failed int64
	inFlight := 0
	for _, info := range infos {
		processed += info.Processed
		failed += info.Failed
		inFlight += len(info.Active)
	}
	return Check{
		Name:    "workers",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d registered, %d runs in flight", len(infos), inFlight),
		Details: map[string]any{
			"count":     len(infos),
			"in_flight": inFlight,
			"processed": processed,
			"failed":    failed,
		},
	}
}

func (c *Checker) checkActiveLocks(ctx context.Context) Check {
	count, err := c.cfg.Guard.ActiveCount(ctx)
	if err != nil {
		return Check{
			Name:    "active_locks",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("count failed: %v", err),
		}
	}
	return Check{
		Name:    "active_locks",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d held", count),
		Details: map[string]any{"count": count},
	}
}
