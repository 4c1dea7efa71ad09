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

// Package executor defines where runs actually execute. The dispatcher
// persists a run, hands it to an Executor, and tracks the returned external
// ref; everything behind Submit is the executor's business, whether that is
// an in-process goroutine, a subprocess, or a remote broker.
package executor

import (
	"context"
	"fmt"

	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

// Executor accepts runs for execution. Implementations must be safe for
// concurrent use.
type Executor interface {
	// Name identifies the executor in run records and logs.
	Name() string

	// Submit hands the run over and returns an opaque external ref for
	// later Cancel/Status calls. An error means the run was not accepted.
	Submit(ctx context.Context, run work.Run) (string, error)

	// Cancel attempts to stop the ref. It reports whether the attempt
	// took effect; refs already finished (or never seen) report false.
	Cancel(ctx context.Context, ref string) (bool, error)

	// Status reports the executor's view of the ref. The bool is false
	// when the ref is unknown.
	Status(ctx context.Context, ref string) (work.Status, bool, error)
}

// ResultFetcher is implemented by executors that can return a completed
// ref's result.
type ResultFetcher interface {
	Result(ctx context.Context, ref string) (map[string]any, bool, error)
}

// ErrorFetcher is implemented by executors that can return a failed ref's
// error message.
type ErrorFetcher interface {
	Err(ctx context.Context, ref string) (string, bool, error)
}

// Synchronous is implemented by executors whose Submit returns only after
// the run reached a terminal state. The dispatcher polls such executors
// immediately instead of waiting for a worker.
type Synchronous interface {
	Synchronous() bool
}

// Deferred is implemented by executors that merely park the run for an
// external claimer (the ledger-as-queue executor). The dispatcher leaves
// such runs PENDING rather than marking them QUEUED.
type Deferred interface {
	Deferred() bool
}

// Forgetter lets the caller drop an executor's bookkeeping for a ref once
// the outcome has been recorded elsewhere.
type Forgetter interface {
	Forget(ref string)
}

// Closer is implemented by executors that own background goroutines.
// Close drains gracefully until ctx expires.
type Closer interface {
	Close(ctx context.Context) error
}

// invoke runs a handler with panic containment, so one bad handler cannot
// take an executor goroutine down with it.
func invoke(ctx context.Context, fn handler.Handler, params map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, params)
}

// resultMap coerces a handler's return value into the run result shape.
// Maps pass through; any other non-nil value is wrapped under "output".
func resultMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"output": v}
}

// outcome is the shared terminal bookkeeping for in-process executors.
type outcome struct {
	status work.Status
	result map[string]any
	errMsg string
}
