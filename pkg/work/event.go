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

// EventType names one entry in a run's append-only history.
type EventType string

const (
	EventCreated        EventType = "created"
	EventQueued         EventType = "queued"
	EventStarted        EventType = "started"
	EventProgress       EventType = "progress"
	EventHeartbeat      EventType = "heartbeat"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventCancelled      EventType = "cancelled"
	EventTimedOut       EventType = "timed_out"
	EventRetryScheduled EventType = "retry_scheduled"
	EventRetried        EventType = "retried"
	EventDeadLettered   EventType = "dead_lettered"
	EventReprocessed    EventType = "reprocessed"

	// Step events are recorded against the parent workflow run.
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
)

// Event is one immutable entry in a run's history. ID is assigned by the
// ledger on insert and breaks ordering ties between events that share a
// timestamp.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`

	// Source names the component that recorded the event (dispatcher,
	// worker, scheduler).
	Source string `json:"source,omitempty"`
}
