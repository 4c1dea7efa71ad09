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

package store

import "fmt"

// Table names are part of the engine's contract; hosts may point tooling
// at them but must not write to them.
const (
	TableExecutions       = "core_executions"
	TableExecutionEvents  = "core_execution_events"
	TableDeadLetters      = "core_dead_letters"
	TableConcurrencyLocks = "core_concurrency_locks"
	TableSchedules        = "core_schedules"
	TableScheduleRuns     = "core_schedule_runs"
	TableScheduleLocks    = "core_schedule_locks"
)

// Schema returns the DDL for every engine table, dialect differences
// injected. Timestamps are fixed-width UTC TEXT (see FormatTime) so string
// comparison is chronological on both engines; JSON payloads live in TEXT
// columns.
func Schema(d Dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			params TEXT,
			result TEXT,
			error TEXT,
			error_type TEXT,
			idempotency_key TEXT,
			correlation_id TEXT,
			priority TEXT,
			lane TEXT,
			parent_run_id TEXT,
			trigger_source TEXT,
			metadata TEXT,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_delay_ms INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_of_run_id TEXT,
			external_ref TEXT,
			executor TEXT,
			worker_id TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL
		)`, TableExecutions),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_idempotency
			ON %[1]s(idempotency_key) WHERE idempotency_key IS NOT NULL`, TableExecutions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status, created_at)`, TableExecutions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_name ON %[1]s(name)`, TableExecutions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_parent ON %[1]s(parent_run_id)`, TableExecutions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_lane ON %[1]s(lane, status)`, TableExecutions),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT,
			source TEXT
		)`, TableExecutionEvents, d.AutoIncrementPK()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_run
			ON %[1]s(run_id, timestamp, id)`, TableExecutionEvents),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			params TEXT,
			error TEXT,
			error_type TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_retry_at TEXT,
			resolved_at TEXT,
			resolved_by TEXT
		)`, TableDeadLetters),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_unresolved
			ON %[1]s(created_at) WHERE resolved_at IS NULL`, TableDeadLetters),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_run ON %[1]s(run_id)`, TableDeadLetters),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			lock_key TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`, TableConcurrencyLocks),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_expires ON %[1]s(expires_at)`, TableConcurrencyLocks),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			target_kind TEXT NOT NULL,
			target_name TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			cron_expr TEXT,
			interval_ms INTEGER,
			run_at TEXT,
			timezone TEXT,
			params TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			max_instances INTEGER NOT NULL DEFAULT 1,
			misfire_grace_ms INTEGER NOT NULL DEFAULT 60000,
			last_run_at TEXT,
			next_run_at TEXT,
			last_run_status TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, TableSchedules),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_due ON %[1]s(enabled, next_run_at)`, TableSchedules),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			schedule_name TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			status TEXT NOT NULL,
			run_id TEXT,
			error TEXT
		)`, TableScheduleRuns),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_schedule
			ON %[1]s(schedule_id, scheduled_at)`, TableScheduleRuns),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			lock_key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`, TableScheduleLocks),
	}
}
