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

// Package ledger persists runs and their event history. It is the single
// authority on run state: every status change goes through a guarded
// transition that enforces the state machine and appends the derived event
// atomically.
package ledger

import (
	"context"
	"time"

	"github.com/tombee/foreman/pkg/work"
)

// UpdateOpts carries the optional fields written alongside a status change.
type UpdateOpts struct {
	// Result is stored on completion.
	Result map[string]any

	// Error and ErrorType are stored on failure or timeout.
	Error     string
	ErrorType string

	// ExternalRef records the executor's token for the run.
	ExternalRef string

	// ExecutorName records which executor accepted the run.
	ExecutorName string

	// WorkerID records the claiming worker.
	WorkerID string

	// EventData is merged into the derived lifecycle event's payload.
	EventData map[string]any

	// EventSource names the component performing the change.
	EventSource string
}

// Filter narrows ListRuns.
type Filter struct {
	Kind        work.Kind
	Status      work.Status
	Name        string
	Lane        string
	ParentRunID string

	// Limit defaults to 100 when zero.
	Limit  int
	Offset int
}

// Ledger is the run store contract. Implementations must be safe for
// concurrent use.
type Ledger interface {
	// CreateRun persists a fully-populated pending run and its CREATED
	// event in one atomic step.
	CreateRun(ctx context.Context, run *work.Run) error

	// GetRun returns the run or a NotFoundError.
	GetRun(ctx context.Context, id string) (*work.Run, error)

	// GetByIdempotencyKey returns the run submitted under key, or a
	// NotFoundError.
	GetByIdempotencyKey(ctx context.Context, key string) (*work.Run, error)

	// UpdateStatus moves the run to status under the transition table.
	// The write is guarded on the current status; losing a race to a
	// concurrent writer surfaces as an InvalidTransitionError.
	UpdateStatus(ctx context.Context, runID string, status work.Status, opts UpdateOpts) error

	// Claim atomically moves a pending run to running on behalf of
	// workerID, appending the STARTED event. false means another worker
	// won the race (or the run left pending).
	Claim(ctx context.Context, runID, workerID string) (bool, error)

	// ListPending returns pending runs oldest-first. lane narrows to one
	// lane when non-empty.
	ListPending(ctx context.Context, lane string, limit int) ([]*work.Run, error)

	// IncrementRetry bumps the run's retry counter and returns the new
	// value.
	IncrementRetry(ctx context.Context, runID string) (int, error)

	// RecordEvent appends an informational event (progress, heartbeat,
	// retry bookkeeping). Lifecycle events are emitted by UpdateStatus.
	RecordEvent(ctx context.Context, runID string, eventType work.EventType, data map[string]any, source string) error

	// Events returns the run's history ordered by (timestamp, id).
	Events(ctx context.Context, runID string) ([]work.Event, error)

	// ListRuns returns runs matching the filter, newest-first.
	ListRuns(ctx context.Context, filter Filter) ([]*work.Run, error)

	// Children returns the step runs of a parent, oldest-first.
	Children(ctx context.Context, parentRunID string) ([]*work.Run, error)

	// MergeMetadata sets one metadata key on the run.
	MergeMetadata(ctx context.Context, runID, key, value string) error

	// CountRunningOlderThan counts runs still running that started more
	// than age ago. Feeds the stale-run health check.
	CountRunningOlderThan(ctx context.Context, age time.Duration) (int, error)

	// FailureRate returns the fraction of runs finishing within the
	// trailing window that failed or timed out. No finished runs means 0.
	FailureRate(ctx context.Context, window time.Duration) (float64, error)

	// CleanupOlderThan deletes terminal runs (and their events) that
	// finished more than the retention period ago, returning how many
	// runs were removed.
	CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
