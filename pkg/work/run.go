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

package work

import (
	"time"
)

// Run is the persistent record of one execution attempt of a Spec. The
// ledger owns the authoritative copy; everything here is a snapshot.
type Run struct {
	// ID is the engine-assigned run identifier (UUID).
	ID string `json:"id"`

	// Spec is the request this run executes.
	Spec Spec `json:"spec"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Result holds the handler's output once the run completes.
	Result map[string]any `json:"result,omitempty"`

	// Error holds the failure message for failed or timed-out runs.
	Error string `json:"error,omitempty"`

	// ErrorType classifies the failure (see pkg/errors).
	ErrorType string `json:"error_type,omitempty"`

	// RetryCount is how many times this chain has been retried before this
	// run. The attempt number is RetryCount+1.
	RetryCount int `json:"retry_count"`

	// RetryOfRunID links a retry run back to the run it replaces.
	RetryOfRunID string `json:"retry_of_run_id,omitempty"`

	// ExternalRef is the executor's token for the in-flight work, when the
	// executor has one (queue message id, process pid, job handle).
	ExternalRef string `json:"external_ref,omitempty"`

	// ExecutorName names the executor the run was submitted to.
	ExecutorName string `json:"executor,omitempty"`

	// WorkerID identifies the worker that claimed the run, if any.
	WorkerID string `json:"worker_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Attempt returns the 1-based attempt number for this run.
func (r *Run) Attempt() int {
	return r.RetryCount + 1
}

// Duration returns wall time from start to completion. It returns zero
// until both timestamps are set.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	return r.Status.Terminal()
}

// Retryable reports whether a new run may be created to retry this one.
// Only failed and timed-out runs are retryable.
func (r *Run) Retryable() bool {
	return r.Status == StatusFailed || r.Status == StatusTimedOut
}

// Summary is the compact list-view projection of a run.
type Summary struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Lane        string     `json:"lane"`
	Priority    Priority   `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summarize projects the run onto its list view.
func (r *Run) Summarize() Summary {
	return Summary{
		ID:          r.ID,
		Kind:        r.Spec.Kind,
		Name:        r.Spec.Name,
		Status:      r.Status,
		Lane:        r.Spec.Lane,
		Priority:    r.Spec.Priority,
		RetryCount:  r.RetryCount,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}
