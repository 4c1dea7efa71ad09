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
	"github.com/tombee/foreman/pkg/errors"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// transitions is the only legal edge set. A failed or timed-out run never
// moves again; a retry creates a new run linked by RetryOfRunID.
// PENDING reaches FAILED directly when the executor refuses the
// submission, so a run that never started does not fabricate a STARTED
// event on its way to the failure.
var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning, StatusCancelled, StatusFailed},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Terminal reports whether the run can never change status again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Active reports whether the run still occupies the engine (not terminal).
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError when from -> to is
// not a legal edge. runID is carried into the error for diagnostics.
func ValidateTransition(runID string, from, to Status) error {
	if !CanTransition(from, to) {
		return &errors.InvalidTransitionError{RunID: runID, From: string(from), To: string(to)}
	}
	return nil
}

// EventTypeFor maps a status to the event type recorded when a run enters
// that status.
func EventTypeFor(s Status) EventType {
	switch s {
	case StatusPending:
		return EventCreated
	case StatusQueued:
		return EventQueued
	case StatusRunning:
		return EventStarted
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	case StatusCancelled:
		return EventCancelled
	case StatusTimedOut:
		return EventTimedOut
	}
	return ""
}
