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
	"testing"
	"time"

	"github.com/tombee/foreman/internal/ledger"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

func testRun(id, name string, params map[string]any) work.Run {
	return work.Run{
		ID:     id,
		Spec:   work.Spec{Kind: work.KindTask, Name: name, Params: params}.Normalized(),
		Status: work.StatusPending,
	}
}

// waitTerminal polls Status until the ref reaches a terminal state.
func waitTerminal(t *testing.T, e Executor, ref string) work.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, ok, err := e.Status(context.Background(), ref)
		if err != nil {
			t.Fatalf("Status(%s): %v", ref, err)
		}
		if ok && status.Terminal() {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", ref)
	return ""
}

func fetchResult(t *testing.T, e Executor, ref string) map[string]any {
	t.Helper()
	fetcher, ok := e.(ResultFetcher)
	if !ok {
		t.Fatalf("executor %s does not expose results", e.Name())
	}
	result, _, err := fetcher.Result(context.Background(), ref)
	if err != nil {
		t.Fatalf("Result(%s): %v", ref, err)
	}
	return result
}

func fetchErr(t *testing.T, e Executor, ref string) string {
	t.Helper()
	fetcher, ok := e.(ErrorFetcher)
	if !ok {
		t.Fatalf("executor %s does not expose errors", e.Name())
	}
	msg, _, err := fetcher.Err(context.Background(), ref)
	if err != nil {
		t.Fatalf("Err(%s): %v", ref, err)
	}
	return msg
}

func TestInlineCompletes(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "echo", func(_ context.Context, params map[string]any) (any, error) {
		return params, nil
	})

	e := NewInline(reg)
	if !e.Synchronous() {
		t.Fatal("inline executor must report synchronous completion")
	}

	run := testRun("run-1", "echo", map[string]any{"msg": "hi"})
	ref, err := e.Submit(context.Background(), run)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ref != "run-1" {
		t.Fatalf("ref = %q, want run-1", ref)
	}

	status, ok, err := e.Status(context.Background(), ref)
	if err != nil || !ok {
		t.Fatalf("Status: ok=%v err=%v", ok, err)
	}
	if status != work.StatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	result := fetchResult(t, e, ref)
	if result["msg"] != "hi" {
		t.Errorf("result = %v, want msg=hi", result)
	}
}

func TestInlineWrapsScalarResult(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "count", func(context.Context, map[string]any) (any, error) {
		return 42, nil
	})

	e := NewInline(reg)
	ref, err := e.Submit(context.Background(), testRun("run-1", "count", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	result := fetchResult(t, e, ref)
	if result["output"] != 42 {
		t.Errorf("result = %v, want output=42", result)
	}
}

func TestInlineUnknownHandler(t *testing.T) {
	e := NewInline(handler.NewRegistry())
	_, err := e.Submit(context.Background(), testRun("run-1", "missing", nil))
	if err == nil {
		t.Fatal("Submit of unregistered handler should fail")
	}
	var unknown *errors.UnknownHandlerError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want UnknownHandlerError", err)
	}
}

func TestInlineHandlerFailure(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "boom", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})

	e := NewInline(reg)
	ref, err := e.Submit(context.Background(), testRun("run-1", "boom", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	status, _, _ := e.Status(context.Background(), ref)
	if status != work.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if msg := fetchErr(t, e, ref); msg != "boom" {
		t.Errorf("error = %q, want boom", msg)
	}
}

func TestInlineCancelledContext(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "obedient", func(ctx context.Context, _ map[string]any) (any, error) {
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewInline(reg)
	ref, err := e.Submit(ctx, testRun("run-1", "obedient", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	status, _, _ := e.Status(context.Background(), ref)
	if status != work.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", status)
	}
}

func TestInlineForget(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "echo", func(_ context.Context, params map[string]any) (any, error) {
		return params, nil
	})

	e := NewInline(reg)
	ref, err := e.Submit(context.Background(), testRun("run-1", "echo", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if delivered, err := e.Cancel(context.Background(), ref); delivered || err != nil {
		t.Fatalf("Cancel = (%v, %v), want (false, nil)", delivered, err)
	}

	e.Forget(ref)
	if _, ok, _ := e.Status(context.Background(), ref); ok {
		t.Fatal("forgotten ref should be unknown")
	}
}

func TestStubScripting(t *testing.T) {
	s := NewStub()
	ref, err := s.Submit(context.Background(), testRun("run-1", "anything", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, ok, _ := s.Status(context.Background(), ref)
	if !ok || status != work.StatusQueued {
		t.Fatalf("unscripted status = (%s, %v), want (queued, true)", status, ok)
	}

	s.Complete(ref, map[string]any{"n": "1"})
	status, _, _ = s.Status(context.Background(), ref)
	if status != work.StatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	if result := fetchResult(t, s, ref); result["n"] != "1" {
		t.Errorf("result = %v, want n=1", result)
	}

	if delivered, _ := s.Cancel(context.Background(), ref); delivered {
		t.Error("cancel of a terminal ref should report false")
	}
	if got := s.Cancels(); len(got) != 1 || got[0] != ref {
		t.Errorf("cancels = %v, want [%s]", got, ref)
	}
	if got := s.Submissions(); len(got) != 1 || got[0].ID != "run-1" {
		t.Errorf("submissions = %v, want one run-1", got)
	}
}

func TestStubSubmitError(t *testing.T) {
	s := NewStub()
	s.SubmitErr = errors.New("refused")
	if _, err := s.Submit(context.Background(), testRun("run-1", "x", nil)); err == nil {
		t.Fatal("Submit should surface the scripted error")
	}
	if len(s.Submissions()) != 0 {
		t.Error("failed submission should not be recorded")
	}
}

func TestQueueHandsOffThroughLedger(t *testing.T) {
	led := ledger.NewMemory()
	e := NewQueue(led)
	if !e.Deferred() {
		t.Fatal("queue executor must report deferred handoff")
	}

	run := testRun("run-1", "sweep", nil)
	if err := led.CreateRun(context.Background(), &run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	ref, err := e.Submit(context.Background(), run)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ref != run.ID {
		t.Fatalf("ref = %q, want the run ID", ref)
	}

	// Submit must not move the run; workers claim pending runs themselves.
	status, ok, err := e.Status(context.Background(), ref)
	if err != nil || !ok {
		t.Fatalf("Status: ok=%v err=%v", ok, err)
	}
	if status != work.StatusPending {
		t.Fatalf("status after submit = %s, want pending", status)
	}
}

func TestQueueCancelPendingOnly(t *testing.T) {
	led := ledger.NewMemory()
	e := NewQueue(led)

	run := testRun("run-1", "sweep", nil)
	if err := led.CreateRun(context.Background(), &run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	delivered, err := e.Cancel(context.Background(), run.ID)
	if err != nil || !delivered {
		t.Fatalf("Cancel pending = (%v, %v), want (true, nil)", delivered, err)
	}
	status, _, _ := e.Status(context.Background(), run.ID)
	if status != work.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", status)
	}

	// A second cancel loses the guard and reports false without error.
	delivered, err = e.Cancel(context.Background(), run.ID)
	if err != nil || delivered {
		t.Fatalf("Cancel terminal = (%v, %v), want (false, nil)", delivered, err)
	}

	if delivered, err := e.Cancel(context.Background(), "no-such-run"); err != nil || delivered {
		t.Fatalf("Cancel unknown = (%v, %v), want (false, nil)", delivered, err)
	}
}

func TestQueueReadsOutcomeFromRun(t *testing.T) {
	led := ledger.NewMemory()
	e := NewQueue(led)

	run := testRun("run-1", "sweep", nil)
	if err := led.CreateRun(context.Background(), &run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if claimed, err := led.Claim(context.Background(), run.ID, "w-1"); err != nil || !claimed {
		t.Fatalf("Claim = (%v, %v)", claimed, err)
	}
	err := led.UpdateStatus(context.Background(), run.ID, work.StatusCompleted, ledger.UpdateOpts{
		Result: map[string]any{"rows": "10"},
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	result, ok, err := e.Result(context.Background(), run.ID)
	if err != nil || !ok {
		t.Fatalf("Result: ok=%v err=%v", ok, err)
	}
	if result["rows"] != "10" {
		t.Errorf("result = %v, want rows=10", result)
	}
	if msg, _, _ := e.Err(context.Background(), run.ID); msg != "" {
		t.Errorf("error = %q, want empty", msg)
	}
}

func TestResultMap(t *testing.T) {
	if got := resultMap(nil); got != nil {
		t.Errorf("resultMap(nil) = %v, want nil", got)
	}
	passthrough := map[string]any{"a": 1}
	if got := resultMap(passthrough); got["a"] != 1 {
		t.Errorf("resultMap(map) = %v, want passthrough", got)
	}
	if got := resultMap("done"); got["output"] != "done" {
		t.Errorf("resultMap(scalar) = %v, want output=done", got)
	}
}
