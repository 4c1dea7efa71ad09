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

// Package dlq captures runs that exhausted their retries so they can be
// inspected and requeued later. Entries keep their own requeue budget,
// separate from the run-level retry policy that was already spent.
package dlq

import (
	"context"
	"time"
)

// DefaultMaxRetries is the requeue budget applied when an entry arrives
// without one.
const DefaultMaxRetries = 3

// Entry is one dead-lettered run.
type Entry struct {
	// ID identifies the entry.
	ID string `json:"id"`

	// RunID references the run that exhausted its retries.
	RunID string `json:"run_id"`

	// Name is the handler key of the failed run, kept on the entry so the
	// queue can be filtered without joining runs.
	Name string `json:"name"`

	// Params is a copy of the run's parameters at failure time.
	Params map[string]any `json:"params,omitempty"`

	// Error and ErrorType describe the terminal failure.
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	// RetryCount counts requeue attempts made from the queue.
	RetryCount int `json:"retry_count"`

	// MaxRetries bounds requeue attempts.
	MaxRetries int `json:"max_retries"`

	// CreatedAt is when the run was dead-lettered.
	CreatedAt time.Time `json:"created_at"`

	// LastRetryAt is the most recent requeue attempt, if any.
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`

	// ResolvedAt and ResolvedBy record who closed the entry and when.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

// Resolved reports whether the entry has been closed.
func (e *Entry) Resolved() bool { return e.ResolvedAt != nil }

// Manager is the dead letter queue contract. Requeueing itself is the
// dispatcher's job; the manager only tracks entries and their budgets.
type Manager interface {
	// Add appends an entry. A missing ID is generated, a missing
	// CreatedAt is stamped, and a non-positive MaxRetries gets
	// DefaultMaxRetries.
	Add(ctx context.Context, entry *Entry) error

	// Get returns the entry or a NotFoundError.
	Get(ctx context.Context, id string) (*Entry, error)

	// ListUnresolved returns open entries oldest first, so requeue sweeps
	// drain in arrival order. name narrows to one handler key when
	// non-empty.
	ListUnresolved(ctx context.Context, name string, limit int) ([]*Entry, error)

	// CanRetry reports whether the entry is open with requeue budget
	// remaining.
	CanRetry(ctx context.Context, id string) (bool, error)

	// MarkRetryAttempted consumes one unit of requeue budget.
	MarkRetryAttempted(ctx context.Context, id string) error

	// Resolve closes the entry. Resolving an already-closed entry is a
	// no-op.
	Resolve(ctx context.Context, id, by string) error

	// CleanupResolved deletes entries resolved more than the retention
	// period ago, returning how many were removed.
	CleanupResolved(ctx context.Context, retention time.Duration) (int, error)

	// Depth returns the number of open entries. Feeds health checks.
	Depth(ctx context.Context) (int, error)
}
