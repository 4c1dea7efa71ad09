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

// Package deadline provides small helpers around context deadlines:
// attaching budgets, checking them cooperatively mid-handler, and enforcing
// a hard cutoff on functions that may not honor cancellation promptly.
package deadline

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/tombee/foreman/pkg/errors"
)

// With attaches a timeout to ctx. Nesting is always the minimum: a child
// deadline never extends past its parent's.
func With(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// Remaining returns the time left before ctx's deadline. ok is false when
// ctx has no deadline.
func Remaining(ctx context.Context) (time.Duration, bool) {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return time.Until(dl), true
}

// Check is a cooperative cancellation point for loops inside handlers. It
// returns nil while ctx is alive, a TimeoutError once the deadline has
// passed, and the raw ctx error for plain cancellation.
func Check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		err := ctx.Err()
		if stderrors.Is(err, context.DeadlineExceeded) {
			return &errors.TimeoutError{Operation: "context deadline", Cause: err}
		}
		return err
	default:
		return nil
	}
}

// Enforce runs fn with a hard budget of d. When the budget expires the call
// returns a TimeoutError immediately; fn keeps running in its goroutine
// until it notices the cancelled context. That orphaned work is the price
// of a guaranteed return time, so fn should still check its context.
func Enforce(ctx context.Context, op string, d time.Duration, fn func(context.Context) error) error {
	runCtx, cancel := With(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(runCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		err := runCtx.Err()
		if stderrors.Is(err, context.DeadlineExceeded) {
			return &errors.TimeoutError{Operation: op, Duration: d, Cause: err}
		}
		return err
	}
}
