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

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/foreman/internal/ledger"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

// TrackedOpts configures a tracked execution.
type TrackedOpts struct {
	// Params are stored on the run for observability. The function
	// captures its real inputs directly, so these are descriptive.
	Params map[string]any

	// Metadata seeds the run's metadata map.
	Metadata map[string]string

	// IdempotencyKey short-circuits re-execution: a repeated key returns
	// the earlier run's ID without running the function again.
	IdempotencyKey string

	// Lane places the run for listing and filtering.
	Lane string

	// LockTTL bounds how long the execution lock is held before it
	// expires on its own. Non-positive values use the guard default.
	LockTTL time.Duration
}

// TrackedRun is the live handle a tracked function receives. Result keys
// accumulate in memory and are stored when the function returns; metadata
// and progress land on the run immediately.
type TrackedRun struct {
	d  *Dispatcher
	id string

	mu     sync.Mutex
	result map[string]any
}

// ID returns the run's identifier.
func (t *TrackedRun) ID() string { return t.id }

// SetResult stores one key of the run's result. Keys set later win.
func (t *TrackedRun) SetResult(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		t.result = make(map[string]any)
	}
	t.result[key] = value
}

// SetMeta merges one metadata key onto the run.
func (t *TrackedRun) SetMeta(ctx context.Context, key, value string) error {
	return t.d.ledger.MergeMetadata(ctx, t.id, key, value)
}

// Progress appends a progress event to the run's history.
func (t *TrackedRun) Progress(ctx context.Context, data map[string]any) error {
	return t.d.RecordProgress(ctx, t.id, data)
}

// Heartbeat appends a liveness event to the run's history.
func (t *TrackedRun) Heartbeat(ctx context.Context) error {
	return t.d.Heartbeat(ctx, t.id)
}

func (t *TrackedRun) snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.result) == 0 {
		return nil
	}
	out := make(map[string]any, len(t.result))
	for k, v := range t.result {
		out[k] = v
	}
	return out
}

// Tracked runs fn in the calling goroutine as a fully recorded workflow
// run. When a guard is configured, at most one tracked execution per name
// runs at a time; a contended lock marks the run CANCELLED and returns an
// ExecutionLockError. The run ID is returned in every case where a run
// was created, alongside fn's error.
func (d *Dispatcher) Tracked(ctx context.Context, name string, opts TrackedOpts, fn func(ctx context.Context, run *TrackedRun) error) (string, error) {
	spec := work.Spec{
		Kind:           work.KindWorkflow,
		Name:           name,
		Params:         opts.Params,
		Metadata:       opts.Metadata,
		IdempotencyKey: opts.IdempotencyKey,
		Lane:           opts.Lane,
		TriggerSource:  work.TriggerInternal,
	}.Normalized()
	if err := spec.Validate(); err != nil {
		return "", err
	}

	ctx, span := d.startSpan(ctx, "dispatch.tracked",
		attribute.String("run.handler", spec.HandlerKey()))
	defer endSpan(span)

	if spec.IdempotencyKey != "" {
		existing, err := d.ledger.GetByIdempotencyKey(ctx, spec.IdempotencyKey)
		switch {
		case err == nil:
			d.logger.Debug("idempotent tracked execution",
				log.String(log.RunIDKey, existing.ID),
				log.String("idempotency_key", spec.IdempotencyKey))
			return existing.ID, nil
		case !isNotFound(err):
			spanError(span, err)
			return "", errors.Wrap(err, "idempotency lookup")
		}
	}

	run := &work.Run{
		ID:        uuid.New().String(),
		Spec:      spec,
		Status:    work.StatusPending,
		CreatedAt: d.now().UTC(),
	}
	if err := d.ledger.CreateRun(ctx, run); err != nil {
		spanError(span, err)
		return "", errors.Wrap(err, "create run")
	}
	recordSubmit(spec)
	spanAttrs(span, attribute.String("run.id", run.ID))
	logger := d.runLogger(run)

	if d.guard != nil {
		key := "workflow:" + name
		acquired, err := d.guard.Acquire(ctx, key, run.ID, opts.LockTTL)
		if err != nil {
			lerr := &errors.ExecutionLockError{Name: name, Key: key, Cause: err}
			d.cancelForLock(ctx, run.ID, lerr, "")
			spanError(span, lerr)
			return run.ID, lerr
		}
		if !acquired {
			holder, _ := d.guard.Holder(ctx, key)
			lerr := &errors.ExecutionLockError{Name: name, Key: key}
			d.cancelForLock(ctx, run.ID, lerr, holder)
			logger.Warn("tracked execution skipped, lock held",
				log.String("lock_key", key),
				log.String("holder", holder))
			return run.ID, lerr
		}
		defer func() {
			// Unlock with a fresh context so a cancelled caller cannot
			// leave the key held until the TTL expires.
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if rerr := d.guard.Release(rctx, key, run.ID); rerr != nil {
				logger.Warn("lock release failed",
					log.String("lock_key", key),
					log.Error(rerr))
			}
		}()
	}

	if err := d.ledger.UpdateStatus(ctx, run.ID, work.StatusRunning, ledger.UpdateOpts{EventSource: source}); err != nil {
		return run.ID, errors.Wrap(err, "record running")
	}
	logger.Info("tracked execution started")
	started := d.now()

	tracked := &TrackedRun{d: d, id: run.ID}
	ferr := runSafely(ctx, tracked, fn)
	duration := d.now().Sub(started)

	if ferr != nil {
		status := work.StatusFailed
		switch {
		case errors.Is(ferr, context.DeadlineExceeded):
			status = work.StatusTimedOut
		case errors.Is(ferr, context.Canceled):
			status = work.StatusCancelled
		default:
			var te *errors.TimeoutError
			if errors.As(ferr, &te) {
				status = work.StatusTimedOut
			}
		}
		uerr := d.ledger.UpdateStatus(ctx, run.ID, status, ledger.UpdateOpts{
			Error:       ferr.Error(),
			ErrorType:   errors.TypeOf(ferr),
			EventSource: source,
		})
		if uerr != nil {
			logger.Warn("could not record tracked failure", log.Error(uerr))
		} else {
			recordSettled(status)
		}
		logger.Warn("tracked execution failed",
			log.String("status", string(status)),
			log.Duration(log.DurationKey, duration),
			log.Error(ferr))
		if status != work.StatusCancelled {
			if fresh, gerr := d.ledger.GetRun(ctx, run.ID); gerr == nil {
				d.afterFailure(ctx, fresh)
			}
		}
		spanError(span, ferr)
		return run.ID, ferr
	}

	if err := d.ledger.UpdateStatus(ctx, run.ID, work.StatusCompleted, ledger.UpdateOpts{
		Result:      tracked.snapshot(),
		EventSource: source,
	}); err != nil {
		return run.ID, errors.Wrap(err, "record completion")
	}
	recordSettled(work.StatusCompleted)
	logger.Info("tracked execution completed",
		log.Duration(log.DurationKey, duration))
	return run.ID, nil
}

// cancelForLock records a lock conflict as a CANCELLED run so the
// skipped execution is visible in the run list.
func (d *Dispatcher) cancelForLock(ctx context.Context, runID string, lerr *errors.ExecutionLockError, holder string) {
	opts := ledger.UpdateOpts{
		Error:       lerr.Error(),
		ErrorType:   lerr.ErrorType(),
		EventSource: source,
	}
	if holder != "" {
		opts.EventData = map[string]any{"holder": holder}
	}
	if err := d.ledger.UpdateStatus(ctx, runID, work.StatusCancelled, opts); err != nil {
		d.logger.Warn("could not record lock conflict",
			log.String(log.RunIDKey, runID),
			log.Error(err))
		return
	}
	recordSettled(work.StatusCancelled)
}

// runSafely invokes fn with panic containment. A panicking execution
// surfaces as an error rather than taking the process down.
func runSafely(ctx context.Context, tracked *TrackedRun, fn func(ctx context.Context, run *TrackedRun) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tracked execution panicked: %v", r)
		}
	}()
	return fn(ctx, tracked)
}
