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

package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tombee/foreman/internal/dlq"
	"github.com/tombee/foreman/internal/guard"
	"github.com/tombee/foreman/internal/ledger"
	"github.com/tombee/foreman/internal/worker"
)

// stubLedger scripts the analytics surface the checker reads. Embedding
// the interface keeps the stub small; only the methods health calls are
// implemented.
type stubLedger struct {
	ledger.Ledger
	pingErr  error
	stale    int
	staleErr error
	rate     float64
	rateErr  error
}

func (s *stubLedger) Ping(context.Context) error { return s.pingErr }

func (s *stubLedger) CountRunningOlderThan(context.Context, time.Duration) (int, error) {
	return s.stale, s.staleErr
}

func (s *stubLedger) FailureRate(context.Context, time.Duration) (float64, error) {
	return s.rate, s.rateErr
}

func checkByName(t *testing.T, r Report, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("report has no %q check", name)
	return Check{}
}

func TestCheckerRequiresLedger(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error without a ledger")
	}
}

func TestReportAllHealthy(t *testing.T) {
	ctx := context.Background()
	g := guard.NewMemory()
	for _, key := range []string{"workflow:nightly", "workflow:sync"} {
		if ok, err := g.Acquire(ctx, key, "run-1", time.Minute); err != nil || !ok {
			t.Fatalf("failed to plant lock %s: ok=%v err=%v", key, ok, err)
		}
	}

	checker, err := New(Config{
		Ledger: ledger.NewMemory(),
		DLQ:    dlq.NewMemory(),
		Guard:  g,
	})
	if err != nil {
		t.Fatalf("failed to build checker: %v", err)
	}

	report := checker.Check(ctx)
	if report.Status != StatusHealthy {
		t.Fatalf("expected a healthy report, got %s", report.Status)
	}
	if !report.Healthy() || report.HTTPStatus() != http.StatusOK {
		t.Fatalf("healthy report should map to 200, got %d", report.HTTPStatus())
	}
	if report.CheckedAt.IsZero() {
		t.Fatal("report is missing its timestamp")
	}

	want := []string{"database", "dlq_depth", "stale_runs", "failure_rate", "active_locks"}
	if len(report.Checks) != len(want) {
		t.Fatalf("expected %d checks, got %d", len(want), len(report.Checks))
	}
	for i, name := range want {
		if report.Checks[i].Name != name {
			t.Fatalf("check %d is %s, want %s", i, report.Checks[i].Name, name)
		}
		if report.Checks[i].Status != StatusHealthy {
			t.Fatalf("check %s is %s: %s", name, report.Checks[i].Status, report.Checks[i].Message)
		}
	}

	if _, ok := checkByName(t, report, "database").Details["latency_ms"]; !ok {
		t.Fatal("database check is missing its latency detail")
	}
	if got := checkByName(t, report, "active_locks").Details["count"]; got != 2 {
		t.Fatalf("expected 2 active locks, got %v", got)
	}
}

func TestCheckerOmitsAbsentComponents(t *testing.T) {
	checker, err := New(Config{Ledger: ledger.NewMemory()})
	if err != nil {
		t.Fatalf("failed to build checker: %v", err)
	}

	report := checker.Check(context.Background())
	want := []string{"database", "stale_runs", "failure_rate"}
	if len(report.Checks) != len(want) {
		t.Fatalf("expected %d checks, got %d", len(want), len(report.Checks))
	}
	for i, name := range want {
		if report.Checks[i].Name != name {
			t.Fatalf("check %d is %s, want %s", i, report.Checks[i].Name, name)
		}
	}
}

func TestWorkersCheckReportsFleet(t *testing.T) {
	checker, err := New(Config{
		Ledger:  ledger.NewMemory(),
		Workers: worker.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("failed to build checker: %v", err)
	}

	report := checker.Check(context.Background())
	got := checkByName(t, report, "workers")
	if got.Status != StatusHealthy {
		t.Fatalf("an empty fleet is informational, got %s", got.Status)
	}
	if got.Details["count"] != 0 {
		t.Fatalf("expected a count of 0, got %v", got.Details["count"])
	}
	if report.Status != StatusHealthy {
		t.Fatalf("report should stay healthy, got %s", report.Status)
	}
}

func TestDLQDepthThresholds(t *testing.T) {
	ctx := context.Background()
	q := dlq.NewMemory()
	checker, err := New(Config{
		Ledger:           ledger.NewMemory(),
		DLQ:              q,
		DLQWarnDepth:     2,
		DLQCriticalDepth: 4,
	})
	if err != nil {
		t.Fatalf("failed to build checker: %v", err)
	}

	seq := 0
	addEntries := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			seq++
			if err := q.Add(ctx, &dlq.Entry{RunID: fmt.Sprintf("run-%d", seq)}); err != nil {
				t.Fatalf("failed to add entry: %v", err)
			}
		}
	}

	if got := checkByName(t, checker.Check(ctx), "dlq_depth"); got.Status != StatusHealthy {
		t.Fatalf("empty queue should be healthy, got %s", got.Status)
	}

	addEntries(2)
	report := checker.Check(ctx)
	if got := checkByName(t, report, "dlq_depth"); got.Status != StatusDegraded {
		t.Fatalf("depth at warn threshold should degrade, got %s", got.Status)
	}
	if report.Status != StatusDegraded {
		t.Fatalf("one degraded check should degrade the report, got %s", report.Status)
	}
	if !report.Healthy() {
		t.Fatal("a degraded report still counts as up")
	}

	addEntries(2)
	report = checker.Check(ctx)
	got := checkByName(t, report, "dlq_depth")
	if got.Status != StatusUnhealthy {
		t.Fatalf("depth at critical threshold should fail, got %s", got.Status)
	}
	if !strings.Contains(got.Message, "critical") {
		t.Fatalf("message should name the critical threshold, got %q", got.Message)
	}
	if report.Status != StatusUnhealthy || report.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy report should map to 503, got %s / %d", report.Status, report.HTTPStatus())
	}
}

func TestStaleRunsDegradeReport(t *testing.T) {
	checker, err := New(Config{
		Ledger:      &stubLedger{stale: 3},
		StaleRunAge: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build checker: %v", err)
	}

	report := checker.Check(context.Background())
	got := checkByName(t, report, "stale_runs")
	if got.Status != StatusDegraded {
		t.Fatalf("stale runs should degrade, got %s", got.Status)
	}
	if !strings.Contains(got.Message, "5m") {
		t.Fatalf("message should name the age threshold, got %q", got.Message)
	}
	if got.Details["count"] != 3 {
		t.Fatalf("expected a count of 3, got %v", got.Details["count"])
	}
	if report.Status != StatusDegraded {
		t.Fatalf("report should be degraded, got %s", report.Status)
	}
}

func TestFailureRateThresholds(t *testing.T) {
	tests := []struct {
		rate float64
		want Status
	}{
		{0.0, StatusHealthy},
		{0.09, StatusHealthy},
		{0.10, StatusDegraded},
		{0.49, StatusDegraded},
		{0.50, StatusUnhealthy},
		{1.0, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2f", tt.rate), func(t *testing.T) {
			checker, err := New(Config{Ledger: &stubLedger{rate: tt.rate}})
			if err != nil {
				t.Fatalf("failed to build checker: %v", err)
			}
			got := checkByName(t, checker.Check(context.Background()), "failure_rate")
			if got.Status != tt.want {
				t.Fatalf("rate %.2f graded %s, want %s", tt.rate, got.Status, tt.want)
			}
		})
	}
}

func TestDatabaseDownFailsEverything(t *testing.T) {
	down := fmt.Errorf("connection refused")
	checker, err := New(Config{
		Ledger: &stubLedger{pingErr: down, staleErr: down, rateErr: down},
	})
	if err != nil {
		t.Fatalf("failed to build checker: %v", err)
	}

	report := checker.Check(context.Background())
	if report.Status != StatusUnhealthy || report.Healthy() {
		t.Fatalf("expected an unhealthy report, got %s", report.Status)
	}
	for _, c := range report.Checks {
		if c.Status != StatusUnhealthy {
			t.Fatalf("check %s should fail when the store is down, got %s", c.Name, c.Status)
		}
		if !strings.Contains(c.Message, "connection refused") {
			t.Fatalf("check %s should surface the error, got %q", c.Name, c.Message)
		}
	}
}

func TestStatusWorse(t *testing.T) {
	tests := []struct {
		a, b, want Status
	}{
		{StatusHealthy, StatusHealthy, StatusHealthy},
		{StatusHealthy, StatusDegraded, StatusDegraded},
		{StatusDegraded, StatusHealthy, StatusDegraded},
		{StatusDegraded, StatusUnhealthy, StatusUnhealthy},
		{StatusUnhealthy, StatusHealthy, StatusUnhealthy},
	}
	for _, tt := range tests {
		if got := tt.a.Worse(tt.b); got != tt.want {
			t.Fatalf("Worse(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}
