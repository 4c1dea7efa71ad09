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

	"github.com/tombee/foreman/internal/ledger"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

// Queue hands runs to the worker loop through the ledger itself. Submit
// does no work: the run is already persisted as PENDING, and workers claim
// pending runs directly. Status, results and errors are read back from the
// run row, so the ledger is the single source of truth for queued work.
type Queue struct {
	ledger ledger.Ledger
}

// NewQueue creates a queue executor over the given ledger.
func NewQueue(led ledger.Ledger) *Queue {
	return &Queue{ledger: led}
}

var (
	_ Executor      = (*Queue)(nil)
	_ ResultFetcher = (*Queue)(nil)
	_ ErrorFetcher  = (*Queue)(nil)
	_ Deferred      = (*Queue)(nil)
)

// Name identifies the executor.
func (e *Queue) Name() string { return "queue" }

// Deferred reports that submitted runs stay PENDING for workers to claim.
func (e *Queue) Deferred() bool { return true }

// Submit accepts the run without side effects. The run ID doubles as the
// external ref.
func (e *Queue) Submit(_ context.Context, run work.Run) (string, error) {
	return run.ID, nil
}

// Cancel withdraws a run that no worker has claimed yet. Once a worker owns
// the run the pending guard loses and Cancel reports false.
func (e *Queue) Cancel(ctx context.Context, ref string) (bool, error) {
	err := e.ledger.UpdateStatus(ctx, ref, work.StatusCancelled, ledger.UpdateOpts{
		EventSource: "dispatch",
	})
	if err == nil {
		return true, nil
	}
	var invalid *errors.InvalidTransitionError
	var notFound *errors.NotFoundError
	if errors.As(err, &invalid) || errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

// Status reads the run row.
func (e *Queue) Status(ctx context.Context, ref string) (work.Status, bool, error) {
	run, err := e.ledger.GetRun(ctx, ref)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return run.Status, true, nil
}

// Result reads the recorded result once the run is terminal.
func (e *Queue) Result(ctx context.Context, ref string) (map[string]any, bool, error) {
	run, err := e.ledger.GetRun(ctx, ref)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return run.Result, run.Terminal(), nil
}

// Err reads the recorded error once the run is terminal.
func (e *Queue) Err(ctx context.Context, ref string) (string, bool, error) {
	run, err := e.ledger.GetRun(ctx, ref)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return run.Error, run.Terminal(), nil
}
