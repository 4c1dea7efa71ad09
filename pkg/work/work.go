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

// Package work defines the engine's request and state records: the immutable
// Spec describing a unit of work, the mutable Run tracking one execution
// attempt, the append-only Event stream, and the status state machine that
// every writer must respect.
package work

import (
	"strings"
	"time"

	"github.com/tombee/foreman/pkg/errors"
)

// Kind classifies a unit of work.
type Kind string

const (
	KindTask     Kind = "task"
	KindPipeline Kind = "pipeline"
	KindWorkflow Kind = "workflow"
	KindStep     Kind = "step"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindPipeline, KindWorkflow, KindStep:
		return true
	}
	return false
}

// Priority is a routing hint to executors. Free-form by contract; these are
// the conventional values.
type Priority string

const (
	PriorityRealtime Priority = "realtime"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PrioritySlow     Priority = "slow"
)

// TriggerSource records what caused a submission, for audit.
type TriggerSource string

const (
	TriggerAPI      TriggerSource = "api"
	TriggerCLI      TriggerSource = "cli"
	TriggerSchedule TriggerSource = "schedule"
	TriggerRetry    TriggerSource = "retry"
	TriggerWorkflow TriggerSource = "workflow"
	TriggerInternal TriggerSource = "internal"
)

// DefaultLane is the queue name used when a spec does not name one.
const DefaultLane = "default"

// Spec is an immutable request for one unit of work. Construct it, hand it
// to the dispatcher, and do not mutate it afterwards; the dispatcher clones
// params and metadata before persisting.
type Spec struct {
	// Kind classifies the work (task, pipeline, workflow, step).
	Kind Kind `json:"kind"`

	// Name identifies the handler within the kind.
	Name string `json:"name"`

	// Params is the opaque, JSON-serializable argument map.
	Params map[string]any `json:"params,omitempty"`

	// IdempotencyKey, when set, makes repeated submissions return the same
	// run instead of creating new ones.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CorrelationID links related runs; all steps of one workflow share one.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Priority is a routing hint to executors.
	Priority Priority `json:"priority,omitempty"`

	// Lane is a free-form queue name (e.g. "gpu", "io", "default").
	Lane string `json:"lane,omitempty"`

	// ParentRunID is set on step specs to point at the owning workflow run.
	ParentRunID string `json:"parent_run_id,omitempty"`

	// TriggerSource tags what caused the submission.
	TriggerSource TriggerSource `json:"trigger_source,omitempty"`

	// Metadata is an opaque string map (tenant, trace id, etc).
	Metadata map[string]string `json:"metadata,omitempty"`

	// MaxRetries bounds automatic re-submission after failure. Zero means
	// no automatic retries.
	MaxRetries int `json:"max_retries,omitempty"`

	// RetryDelay is the base delay before an automatic retry.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
}

// HandlerKey returns the canonical "<kind>:<name>" registry key for the spec.
func (s Spec) HandlerKey() string {
	return string(s.Kind) + ":" + s.Name
}

// Normalized returns a copy of the spec with defaults applied: kind task,
// normal priority, the default lane, and the api trigger source.
func (s Spec) Normalized() Spec {
	if s.Kind == "" {
		s.Kind = KindTask
	}
	if s.Priority == "" {
		s.Priority = PriorityNormal
	}
	if s.Lane == "" {
		s.Lane = DefaultLane
	}
	if s.TriggerSource == "" {
		s.TriggerSource = TriggerAPI
	}
	return s
}

// Validate checks the spec for structural problems.
func (s Spec) Validate() error {
	if s.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if s.Kind != "" && !s.Kind.Valid() {
		return &errors.ValidationError{Field: "kind", Message: "unknown kind " + string(s.Kind)}
	}
	if strings.Contains(s.Name, ":") {
		return &errors.ValidationError{Field: "name", Message: "must not contain ':'"}
	}
	if s.Kind == KindStep && s.ParentRunID == "" {
		return &errors.ValidationError{Field: "parent_run_id", Message: "required for step specs"}
	}
	if s.MaxRetries < 0 {
		return &errors.ValidationError{Field: "max_retries", Message: "must not be negative"}
	}
	return nil
}

// Clone returns a deep copy of the spec. Params values are shared (they are
// treated as immutable once submitted); the maps themselves are copied.
func (s Spec) Clone() Spec {
	out := s
	if s.Params != nil {
		out.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// ParseHandlerKey splits a stored handler key into kind and name. Keys are
// either "<kind>:<name>" or a bare "<name>", which defaults to kind task.
func ParseHandlerKey(key string) (Kind, string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		k := Kind(key[:i])
		if k.Valid() {
			return k, key[i+1:]
		}
	}
	return KindTask, key
}
