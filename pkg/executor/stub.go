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

package executor

import (
	"context"
	"sync"

	"github.com/tombee/foreman/pkg/work"
)

// Stub is a scripted executor for tests and dry runs. It records every
// submission and cancellation and reports whatever outcome the test scripts
// for a ref; unscripted refs read as QUEUED.
type Stub struct {
	// Label overrides the executor name. Defaults to "stub".
	Label string

	// SubmitErr, when set, is returned from every Submit.
	SubmitErr error

	// Sync makes the stub advertise synchronous completion.
	Sync bool

	// Defer makes the stub advertise ledger-deferred handoff.
	Defer bool

	mu       sync.Mutex
	submits  []work.Run
	cancels  []string
	outcomes map[string]outcome
}

// NewStub creates an empty stub.
func NewStub() *Stub {
	return &Stub{outcomes: make(map[string]outcome)}
}

var (
	_ Executor      = (*Stub)(nil)
	_ ResultFetcher = (*Stub)(nil)
	_ ErrorFetcher  = (*Stub)(nil)
	_ Synchronous   = (*Stub)(nil)
	_ Deferred      = (*Stub)(nil)
)

// Name identifies the executor.
func (e *Stub) Name() string {
	if e.Label != "" {
		return e.Label
	}
	return "stub"
}

// Synchronous reports the scripted completion mode.
func (e *Stub) Synchronous() bool { return e.Sync }

// Deferred reports the scripted handoff mode.
func (e *Stub) Deferred() bool { return e.Defer }

// Submit records the run and returns its ID as the ref.
func (e *Stub) Submit(_ context.Context, run work.Run) (string, error) {
	if e.SubmitErr != nil {
		return "", e.SubmitErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submits = append(e.submits, run)
	return run.ID, nil
}

// Cancel records the ref and marks it cancelled unless already terminal.
func (e *Stub) Cancel(_ context.Context, ref string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels = append(e.cancels, ref)
	if o, ok := e.outcomes[ref]; ok && o.status.Terminal() {
		return false, nil
	}
	e.scriptLocked(ref, outcome{status: work.StatusCancelled})
	return true, nil
}

// Status reports the scripted outcome, or QUEUED for submitted refs.
func (e *Stub) Status(_ context.Context, ref string) (work.Status, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.outcomes[ref]; ok {
		return o.status, true, nil
	}
	for _, run := range e.submits {
		if run.ID == ref {
			return work.StatusQueued, true, nil
		}
	}
	return "", false, nil
}

// Result returns the scripted result.
func (e *Stub) Result(_ context.Context, ref string) (map[string]any, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outcomes[ref]
	return o.result, ok, nil
}

// Err returns the scripted error message.
func (e *Stub) Err(_ context.Context, ref string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outcomes[ref]
	return o.errMsg, ok, nil
}

// Complete scripts a successful outcome for ref.
func (e *Stub) Complete(ref string, result map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scriptLocked(ref, outcome{status: work.StatusCompleted, result: result})
}

// Fail scripts a failed outcome for ref.
func (e *Stub) Fail(ref, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scriptLocked(ref, outcome{status: work.StatusFailed, errMsg: errMsg})
}

// Script sets an arbitrary status for ref.
func (e *Stub) Script(ref string, status work.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scriptLocked(ref, outcome{status: status})
}

// Submissions returns a copy of every submitted run, in order.
func (e *Stub) Submissions() []work.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]work.Run, len(e.submits))
	copy(out, e.submits)
	return out
}

// Cancels returns a copy of every cancelled ref, in order.
func (e *Stub) Cancels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.cancels))
	copy(out, e.cancels)
	return out
}

func (e *Stub) scriptLocked(ref string, o outcome) {
	if e.outcomes == nil {
		e.outcomes = make(map[string]outcome)
	}
	e.outcomes[ref] = o
}
