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

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

// Inline runs the handler synchronously inside Submit. The ref is terminal
// by the time Submit returns, so the dispatcher can poll it straight
// through. Meant for tests, CLIs and scheduler-driven small jobs.
type Inline struct {
	registry *handler.Registry

	mu       sync.Mutex
	outcomes map[string]outcome
}

// NewInline creates an inline executor resolving handlers from registry.
// A nil registry uses the process default.
func NewInline(registry *handler.Registry) *Inline {
	if registry == nil {
		registry = handler.Default()
	}
	return &Inline{
		registry: registry,
		outcomes: make(map[string]outcome),
	}
}

var (
	_ Executor      = (*Inline)(nil)
	_ ResultFetcher = (*Inline)(nil)
	_ ErrorFetcher  = (*Inline)(nil)
	_ Synchronous   = (*Inline)(nil)
	_ Forgetter     = (*Inline)(nil)
)

// Name identifies the executor.
func (e *Inline) Name() string { return "inline" }

// Synchronous reports that Submit returns with a terminal outcome.
func (e *Inline) Synchronous() bool { return true }

// Submit resolves and runs the handler. Handler failure is not a Submit
// error; it is reported through Status and Err. Submit errors only when no
// handler is registered for the spec.
func (e *Inline) Submit(ctx context.Context, run work.Run) (string, error) {
	fn, err := e.registry.Get(run.Spec.Kind, run.Spec.Name)
	if err != nil {
		return "", err
	}

	ref := run.ID
	value, err := invoke(ctx, fn, run.Spec.Params)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case err == nil:
		e.outcomes[ref] = outcome{status: work.StatusCompleted, result: resultMap(value)}
	case errors.Is(err, context.Canceled):
		e.outcomes[ref] = outcome{status: work.StatusCancelled, errMsg: err.Error()}
	default:
		e.outcomes[ref] = outcome{status: work.StatusFailed, result: resultMap(value), errMsg: err.Error()}
	}
	return ref, nil
}

// Cancel never succeeds; inline runs are finished before anyone can cancel.
func (e *Inline) Cancel(_ context.Context, _ string) (bool, error) {
	return false, nil
}

// Status reports the recorded terminal state.
func (e *Inline) Status(_ context.Context, ref string) (work.Status, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outcomes[ref]
	if !ok {
		return "", false, nil
	}
	return o.status, true, nil
}

// Result returns the recorded result for completed refs.
func (e *Inline) Result(_ context.Context, ref string) (map[string]any, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outcomes[ref]
	if !ok {
		return nil, false, nil
	}
	return o.result, true, nil
}

// Err returns the recorded error message for failed refs.
func (e *Inline) Err(_ context.Context, ref string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outcomes[ref]
	if !ok {
		return "", false, nil
	}
	return o.errMsg, true, nil
}

// Forget drops bookkeeping for a recorded ref.
func (e *Inline) Forget(ref string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.outcomes, ref)
}
