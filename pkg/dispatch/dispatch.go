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

// Package dispatch coordinates the run lifecycle. A Dispatcher accepts
// specs, persists them as runs, hands them to an executor, and records
// every status change in the ledger. The ledger is the authority on run
// state; executors only carry the work.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/foreman/internal/dlq"
	"github.com/tombee/foreman/internal/guard"
	"github.com/tombee/foreman/internal/ledger"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/executor"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

// source tags ledger events written by the dispatcher.
const source = "dispatch"

// Dispatcher is the front door of the engine. It is safe for concurrent
// use once constructed.
type Dispatcher struct {
	exec     executor.Executor
	ledger   ledger.Ledger
	registry *handler.Registry
	guard    guard.Guard
	dlq      dlq.Manager
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLedger sets the run store. The default is an in-memory ledger,
// suitable for tests and embedded use.
func WithLedger(led ledger.Ledger) Option {
	return func(d *Dispatcher) { d.ledger = led }
}

// WithRegistry sets the handler registry consulted by Tracked and by the
// default inline executor. The default is the process-wide registry.
func WithRegistry(reg *handler.Registry) Option {
	return func(d *Dispatcher) { d.registry = reg }
}

// WithGuard enables advisory locking for tracked executions.
func WithGuard(g guard.Guard) Option {
	return func(d *Dispatcher) { d.guard = g }
}

// WithDLQ enables dead-lettering of runs that fail with no retries left.
func WithDLQ(m dlq.Manager) Option {
	return func(d *Dispatcher) { d.dlq = m }
}

// WithClock overrides the time source. Tests use it to pin timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.now = clock }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTracer enables span emission for submissions and tracked
// executions. A nil tracer disables tracing.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// New builds a Dispatcher around the given executor. A nil executor gets
// an inline executor over the dispatcher's registry, which runs handlers
// synchronously in the calling goroutine.
func New(exec executor.Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec: exec,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = handler.Default()
	}
	if d.ledger == nil {
		d.ledger = ledger.NewMemory()
	}
	if d.logger == nil {
		d.logger = log.New(nil)
	}
	d.logger = log.WithComponent(d.logger, "dispatch")
	if d.exec == nil {
		d.exec = executor.NewInline(d.registry)
	}
	return d
}

// Registry returns the handler registry the dispatcher was built with.
func (d *Dispatcher) Registry() *handler.Registry { return d.registry }

// Ledger returns the run store. Workers and health checks share it.
func (d *Dispatcher) Ledger() ledger.Ledger { return d.ledger }

// Submit validates and persists the spec as a new run, then hands it to
// the executor. It returns the run ID. For idempotent specs whose key has
// been seen before, the existing run's ID is returned and nothing new is
// created. A non-nil error with a non-empty ID means the run exists and
// holds the failure.
func (d *Dispatcher) Submit(ctx context.Context, spec work.Spec) (string, error) {
	spec = spec.Normalized()
	if err := spec.Validate(); err != nil {
		return "", err
	}

	ctx, span := d.startSpan(ctx, "dispatch.submit",
		attribute.String("run.handler", spec.HandlerKey()),
		attribute.String("run.lane", spec.Lane),
	)
	defer endSpan(span)

	if spec.IdempotencyKey != "" {
		existing, err := d.ledger.GetByIdempotencyKey(ctx, spec.IdempotencyKey)
		switch {
		case err == nil:
			d.logger.Debug("idempotent resubmission",
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

	d.runLogger(run).Info("run submitted",
		log.String("trigger", string(spec.TriggerSource)),
		log.String(log.LaneKey, spec.Lane))

	if err := d.handOff(ctx, run); err != nil {
		spanError(span, err)
		return run.ID, err
	}
	return run.ID, nil
}

// SubmitTask submits a one-shot task run.
func (d *Dispatcher) SubmitTask(ctx context.Context, name string, params map[string]any) (string, error) {
	return d.Submit(ctx, work.Spec{Kind: work.KindTask, Name: name, Params: params})
}

// SubmitPipeline submits a pipeline run.
func (d *Dispatcher) SubmitPipeline(ctx context.Context, name string, params map[string]any) (string, error) {
	return d.Submit(ctx, work.Spec{Kind: work.KindPipeline, Name: name, Params: params})
}

// SubmitWorkflow submits a workflow run.
func (d *Dispatcher) SubmitWorkflow(ctx context.Context, name string, params map[string]any) (string, error) {
	return d.Submit(ctx, work.Spec{Kind: work.KindWorkflow, Name: name, Params: params})
}

// SubmitStep submits a step run under a parent. The step inherits the
// parent's lane and priority and joins its correlation chain, falling back
// to the parent's run ID when the parent has no correlation ID of its own.
func (d *Dispatcher) SubmitStep(ctx context.Context, parentRunID, name string, params map[string]any) (string, error) {
	parent, err := d.ledger.GetRun(ctx, parentRunID)
	if err != nil {
		return "", errors.Wrap(err, "parent run")
	}
	correlation := parent.Spec.CorrelationID
	if correlation == "" {
		correlation = parent.ID
	}
	id, err := d.Submit(ctx, work.Spec{
		Kind:          work.KindStep,
		Name:          name,
		Params:        params,
		ParentRunID:   parent.ID,
		CorrelationID: correlation,
		Lane:          parent.Spec.Lane,
		Priority:      parent.Spec.Priority,
	})
	if err != nil {
		return id, err
	}
	d.recordEvent(ctx, parent.ID, work.EventStepStarted, map[string]any{
		"step_run_id": id,
		"step_name":   name,
	})
	return id, nil
}

// handOff gives a freshly persisted PENDING run to the executor and
// records the resulting transition. Deferred executors leave the run
// PENDING for a worker claim; synchronous executors are settled before
// handOff returns.
func (d *Dispatcher) handOff(ctx context.Context, run *work.Run) error {
	ref, err := d.exec.Submit(ctx, *run)
	if err != nil {
		d.failSubmit(ctx, run, err)
		return err
	}

	if deferred(d.exec) {
		return nil
	}

	opts := ledger.UpdateOpts{
		ExternalRef:  ref,
		ExecutorName: d.exec.Name(),
		EventSource:  source,
	}
	if err := d.ledger.UpdateStatus(ctx, run.ID, work.StatusQueued, opts); err != nil {
		return errors.Wrap(err, "record queued")
	}

	if synchronous(d.exec) {
		return d.settleSynchronous(ctx, run.ID, ref)
	}
	return nil
}

// failSubmit records an executor refusal as a FAILED run.
func (d *Dispatcher) failSubmit(ctx context.Context, run *work.Run, cause error) {
	d.runLogger(run).Error("executor refused run",
		log.String(log.ExecutorKey, d.exec.Name()),
		log.Error(cause))
	uerr := d.ledger.UpdateStatus(ctx, run.ID, work.StatusFailed, ledger.UpdateOpts{
		Error:       cause.Error(),
		ErrorType:   errors.TypeOf(cause),
		EventSource: source,
	})
	if uerr != nil {
		d.runLogger(run).Warn("could not record submit failure", log.Error(uerr))
		return
	}
	recordSettled(work.StatusFailed)
	if fresh, err := d.ledger.GetRun(ctx, run.ID); err == nil {
		d.afterFailure(ctx, fresh)
	}
}

// settleSynchronous walks a queued run through RUNNING to the terminal
// status the executor already holds. Only called for executors whose
// Submit returns after the outcome is known.
func (d *Dispatcher) settleSynchronous(ctx context.Context, runID, ref string) error {
	if err := d.ledger.UpdateStatus(ctx, runID, work.StatusRunning, ledger.UpdateOpts{EventSource: source}); err != nil {
		return errors.Wrap(err, "record running")
	}

	status, ok, err := d.exec.Status(ctx, ref)
	if err != nil {
		return errors.Wrap(err, "executor status")
	}
	if !ok || !status.Terminal() {
		// The executor broke its synchronous contract. Leave the run
		// RUNNING; the stale-run health check will surface it.
		d.logger.Warn("synchronous executor returned no outcome",
			log.String(log.RunIDKey, runID),
			log.String(log.ExecutorKey, d.exec.Name()))
		return nil
	}

	opts := ledger.UpdateOpts{EventSource: source}
	switch status {
	case work.StatusCompleted:
		if rf, ok := d.exec.(executor.ResultFetcher); ok {
			if result, found, rerr := rf.Result(ctx, ref); rerr == nil && found {
				opts.Result = result
			}
		}
	case work.StatusFailed, work.StatusTimedOut, work.StatusCancelled:
		if ef, ok := d.exec.(executor.ErrorFetcher); ok {
			if msg, found, eerr := ef.Err(ctx, ref); eerr == nil && found {
				opts.Error = msg
			}
		}
		opts.ErrorType = errTypeFor(status)
	}

	if err := d.ledger.UpdateStatus(ctx, runID, status, opts); err != nil {
		return errors.Wrap(err, "record outcome")
	}
	recordSettled(status)
	forget(d.exec, ref)

	run, gerr := d.ledger.GetRun(ctx, runID)
	if gerr != nil {
		return nil
	}
	d.echoStep(ctx, run)
	if run.Retryable() {
		d.afterFailure(ctx, run)
	}
	return nil
}

// Cancel stops a run that has not finished. Work already handed to an
// executor is cancelled best-effort; the ledger transition is what makes
// the cancellation stick. Cancelling a terminal run returns an
// InvalidTransitionError.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	run, err := d.ledger.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return &errors.InvalidTransitionError{
			From:  string(run.Status),
			To:    string(work.StatusCancelled),
			RunID: runID,
		}
	}

	if run.ExternalRef != "" {
		delivered, cerr := d.exec.Cancel(ctx, run.ExternalRef)
		if cerr != nil {
			d.runLogger(run).Warn("executor cancel failed", log.Error(cerr))
		} else if !delivered {
			d.runLogger(run).Debug("executor had nothing to cancel",
				log.String("external_ref", run.ExternalRef))
		}
	}

	if err := d.ledger.UpdateStatus(ctx, runID, work.StatusCancelled, ledger.UpdateOpts{EventSource: source}); err != nil {
		return err
	}
	recordSettled(work.StatusCancelled)
	d.runLogger(run).Info("run cancelled")
	return nil
}

// Retry clones a finished run into a fresh attempt. The clone drops the
// idempotency key so it can coexist with the original, is marked as
// retry-triggered, and links back through RetryOfRunID. Completed runs
// cannot be retried; resubmit instead.
func (d *Dispatcher) Retry(ctx context.Context, runID string) (string, error) {
	orig, err := d.ledger.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if !orig.Terminal() {
		return "", &errors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("run %s is %s and still in flight", runID, orig.Status),
		}
	}
	if orig.Status == work.StatusCompleted {
		return "", &errors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("run %s completed; submit a new run instead", runID),
		}
	}

	spec := orig.Spec.Clone()
	spec.IdempotencyKey = ""
	spec.TriggerSource = work.TriggerRetry

	retry := &work.Run{
		ID:           uuid.New().String(),
		Spec:         spec,
		Status:       work.StatusPending,
		RetryCount:   orig.RetryCount + 1,
		RetryOfRunID: orig.ID,
		CreatedAt:    d.now().UTC(),
	}
	if err := d.ledger.CreateRun(ctx, retry); err != nil {
		return "", errors.Wrap(err, "create retry run")
	}
	recordSubmit(spec)
	d.recordEvent(ctx, orig.ID, work.EventRetried, map[string]any{
		"retry_run_id": retry.ID,
		"attempt":      retry.Attempt(),
	})
	d.runLogger(retry).Info("run retried",
		log.String("retry_of", orig.ID),
		log.Int("attempt", retry.Attempt()))

	if err := d.handOff(ctx, retry); err != nil {
		return retry.ID, err
	}
	return retry.ID, nil
}

// MarkStarted moves a queued run to RUNNING on behalf of an external
// executor. Claimed runs are already RUNNING; callbacks that arrive after
// the run finished are logged and dropped.
func (d *Dispatcher) MarkStarted(ctx context.Context, runID string) error {
	err := d.ledger.UpdateStatus(ctx, runID, work.StatusRunning, ledger.UpdateOpts{EventSource: source})
	return d.dropLate(runID, work.StatusRunning, err)
}

// MarkCompleted finishes a run with its result. Late callbacks after a
// terminal status are logged and dropped.
func (d *Dispatcher) MarkCompleted(ctx context.Context, runID string, result map[string]any) error {
	err := d.ledger.UpdateStatus(ctx, runID, work.StatusCompleted, ledger.UpdateOpts{
		Result:      result,
		EventSource: source,
	})
	if err := d.dropLate(runID, work.StatusCompleted, err); err != nil {
		return err
	}
	if run, gerr := d.ledger.GetRun(ctx, runID); gerr == nil && run.Status == work.StatusCompleted {
		recordSettled(work.StatusCompleted)
		d.echoStep(ctx, run)
		d.runLogger(run).Info("run completed")
	}
	return nil
}

// MarkFailed finishes a run with an error. Timeouts are classified into
// TIMED_OUT, everything else into FAILED. When retry budget remains a new
// attempt is scheduled; otherwise the run is dead-lettered if a queue is
// configured. Late callbacks after a terminal status are logged and
// dropped.
func (d *Dispatcher) MarkFailed(ctx context.Context, runID string, cause error) error {
	if cause == nil {
		cause = errors.New("run failed")
	}
	status := work.StatusFailed
	var te *errors.TimeoutError
	if errors.As(cause, &te) {
		status = work.StatusTimedOut
	}

	err := d.ledger.UpdateStatus(ctx, runID, status, ledger.UpdateOpts{
		Error:       cause.Error(),
		ErrorType:   errors.TypeOf(cause),
		EventSource: source,
	})
	if err := d.dropLate(runID, status, err); err != nil {
		return err
	}
	run, gerr := d.ledger.GetRun(ctx, runID)
	if gerr != nil || run.Status != status {
		return nil
	}
	recordSettled(status)
	d.runLogger(run).Warn("run failed",
		log.String("status", string(status)),
		log.Error(cause))
	d.echoStep(ctx, run)
	d.afterFailure(ctx, run)
	return nil
}

// RecordProgress appends a progress event to an active run. Progress
// reported after the run finished is dropped.
func (d *Dispatcher) RecordProgress(ctx context.Context, runID string, data map[string]any) error {
	run, err := d.ledger.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		d.runLogger(run).Debug("progress after terminal status dropped")
		return nil
	}
	return d.ledger.RecordEvent(ctx, runID, work.EventProgress, data, "handler")
}

// Heartbeat appends a liveness event to an active run. Stale-run health
// checks treat the last heartbeat as proof of life.
func (d *Dispatcher) Heartbeat(ctx context.Context, runID string) error {
	run, err := d.ledger.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return nil
	}
	return d.ledger.RecordEvent(ctx, runID, work.EventHeartbeat, nil, "handler")
}

// Run returns one run by ID.
func (d *Dispatcher) Run(ctx context.Context, runID string) (*work.Run, error) {
	return d.ledger.GetRun(ctx, runID)
}

// ListRuns returns runs matching the filter, newest first.
func (d *Dispatcher) ListRuns(ctx context.Context, filter ledger.Filter) ([]*work.Run, error) {
	return d.ledger.ListRuns(ctx, filter)
}

// ListRunSummaries is ListRuns projected onto the compact list view,
// for surfaces that page through runs without needing params or results.
func (d *Dispatcher) ListRunSummaries(ctx context.Context, filter ledger.Filter) ([]work.Summary, error) {
	runs, err := d.ledger.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	summaries := make([]work.Summary, len(runs))
	for i, run := range runs {
		summaries[i] = run.Summarize()
	}
	return summaries, nil
}

// Events returns a run's history, oldest first.
func (d *Dispatcher) Events(ctx context.Context, runID string) ([]work.Event, error) {
	return d.ledger.Events(ctx, runID)
}

// Children returns the direct child runs of a parent.
func (d *Dispatcher) Children(ctx context.Context, parentRunID string) ([]*work.Run, error) {
	return d.ledger.Children(ctx, parentRunID)
}

// DeadLetters lists open dead letter entries, oldest first. name narrows
// to one handler key when non-empty.
func (d *Dispatcher) DeadLetters(ctx context.Context, name string, limit int) ([]*dlq.Entry, error) {
	if d.dlq == nil {
		return nil, noDLQ()
	}
	return d.dlq.ListUnresolved(ctx, name, limit)
}

// ResolveDeadLetter closes a dead letter entry without requeueing it.
func (d *Dispatcher) ResolveDeadLetter(ctx context.Context, dlqID, by string) error {
	if d.dlq == nil {
		return noDLQ()
	}
	return d.dlq.Resolve(ctx, dlqID, by)
}

// RequeueDeadLetter consumes one unit of an entry's requeue budget and
// submits its work as a fresh run. The new run ID is returned and a
// REPROCESSED event lands on the original run.
func (d *Dispatcher) RequeueDeadLetter(ctx context.Context, dlqID string) (string, error) {
	if d.dlq == nil {
		return "", noDLQ()
	}
	entry, err := d.dlq.Get(ctx, dlqID)
	if err != nil {
		return "", err
	}
	if entry.Resolved() {
		return "", &errors.ValidationError{
			Field:   "dlq_id",
			Message: fmt.Sprintf("entry %s is already resolved", dlqID),
		}
	}
	ok, err := d.dlq.CanRetry(ctx, dlqID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &errors.ValidationError{
			Field:   "dlq_id",
			Message: fmt.Sprintf("entry %s has no requeue budget left", dlqID),
		}
	}
	if err := d.dlq.MarkRetryAttempted(ctx, dlqID); err != nil {
		return "", err
	}

	kind, name := work.ParseHandlerKey(entry.Name)
	newID, err := d.Submit(ctx, work.Spec{
		Kind:          kind,
		Name:          name,
		Params:        entry.Params,
		TriggerSource: work.TriggerRetry,
	})
	if err != nil {
		return newID, err
	}
	d.recordEvent(ctx, entry.RunID, work.EventReprocessed, map[string]any{
		"dlq_id":     dlqID,
		"new_run_id": newID,
	})
	d.logger.Info("dead letter requeued",
		log.String("dlq_id", dlqID),
		log.String(log.RunIDKey, newID))
	return newID, nil
}

// afterFailure decides what happens after a run lands in FAILED or
// TIMED_OUT. With retry budget left, a retry is scheduled after the
// spec's delay; otherwise the run is dead-lettered when a queue is
// configured. Retry timers are process-local, so a crash between failure
// and timer fire leaves the run FAILED with no successor, which is
// visible in the run list.
func (d *Dispatcher) afterFailure(ctx context.Context, run *work.Run) {
	if run.Spec.MaxRetries > run.RetryCount {
		delay := run.Spec.RetryDelay
		recordRetryScheduled()
		d.recordEvent(ctx, run.ID, work.EventRetryScheduled, map[string]any{
			"attempt":  run.Attempt() + 1,
			"delay_ms": delay.Milliseconds(),
		})
		d.runLogger(run).Info("retry scheduled",
			log.Int("attempt", run.Attempt()+1),
			log.Duration("delay", delay))
		if delay <= 0 {
			d.retryNow(run.ID)
			return
		}
		time.AfterFunc(delay, func() { d.retryNow(run.ID) })
		return
	}

	if d.dlq == nil {
		return
	}
	entry := &dlq.Entry{
		RunID:     run.ID,
		Name:      run.Spec.HandlerKey(),
		Params:    run.Spec.Params,
		Error:     run.Error,
		ErrorType: run.ErrorType,
	}
	if err := d.dlq.Add(ctx, entry); err != nil {
		d.runLogger(run).Warn("dead letter append failed", log.Error(err))
		return
	}
	recordDeadLetter()
	d.recordEvent(ctx, run.ID, work.EventDeadLettered, map[string]any{"dlq_id": entry.ID})
	d.runLogger(run).Info("run dead lettered", log.String("dlq_id", entry.ID))
}

// retryNow runs a scheduled retry. It uses a fresh context so timers that
// outlive the failing request still fire.
func (d *Dispatcher) retryNow(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := d.Retry(ctx, runID); err != nil {
		d.logger.Warn("scheduled retry failed",
			log.String(log.RunIDKey, runID),
			log.Error(err))
	}
}

// echoStep mirrors a step run's terminal status onto its parent's event
// history, so a workflow's timeline reads as one trail.
func (d *Dispatcher) echoStep(ctx context.Context, run *work.Run) {
	if run.Spec.Kind != work.KindStep || run.Spec.ParentRunID == "" {
		return
	}
	var eventType work.EventType
	switch run.Status {
	case work.StatusCompleted:
		eventType = work.EventStepCompleted
	case work.StatusFailed, work.StatusTimedOut:
		eventType = work.EventStepFailed
	default:
		return
	}
	d.recordEvent(ctx, run.Spec.ParentRunID, eventType, map[string]any{
		"step_run_id": run.ID,
		"step_name":   run.Spec.Name,
		"status":      string(run.Status),
		"duration_ms": run.Duration().Milliseconds(),
	})
}

// dropLate swallows transition errors caused by callbacks that arrive
// after the run already reached a terminal status. Other errors pass
// through.
func (d *Dispatcher) dropLate(runID string, to work.Status, err error) error {
	if err == nil {
		return nil
	}
	var inv *errors.InvalidTransitionError
	if errors.As(err, &inv) && work.Status(inv.From).Terminal() {
		d.logger.Warn("late status callback dropped",
			log.String(log.RunIDKey, runID),
			log.String("from", inv.From),
			log.String("to", string(to)))
		return nil
	}
	return err
}

// recordEvent appends to a run's history, logging rather than failing the
// caller when the append cannot land.
func (d *Dispatcher) recordEvent(ctx context.Context, runID string, eventType work.EventType, data map[string]any) {
	if err := d.ledger.RecordEvent(ctx, runID, eventType, data, source); err != nil {
		d.logger.Warn("event append failed",
			log.String(log.RunIDKey, runID),
			log.String(log.EventKey, string(eventType)),
			log.Error(err))
	}
}

func (d *Dispatcher) runLogger(run *work.Run) *slog.Logger {
	return log.WithRunContext(d.logger, run.ID, run.Spec.HandlerKey())
}

// startSpan begins a span when a tracer is configured. It returns a nil
// span otherwise, which the other span helpers tolerate.
func (d *Dispatcher) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if d.tracer == nil {
		return ctx, nil
	}
	return d.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func spanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func spanAttrs(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// errTypeFor maps a terminal status to the error class stored alongside
// it when the executor reports no richer type.
func errTypeFor(status work.Status) string {
	switch status {
	case work.StatusTimedOut:
		return "timeout"
	case work.StatusFailed:
		return "handler"
	default:
		return ""
	}
}

func deferred(e executor.Executor) bool {
	def, ok := e.(executor.Deferred)
	return ok && def.Deferred()
}

func synchronous(e executor.Executor) bool {
	sync, ok := e.(executor.Synchronous)
	return ok && sync.Synchronous()
}

func forget(e executor.Executor, ref string) {
	if f, ok := e.(executor.Forgetter); ok {
		f.Forget(ref)
	}
}

func isNotFound(err error) bool {
	var nf *errors.NotFoundError
	return errors.As(err, &nf)
}

func noDLQ() error {
	return &errors.ConfigError{Key: "dlq", Reason: "no dead letter queue configured"}
}
