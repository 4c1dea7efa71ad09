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

package batch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/foreman/internal/dlq"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/dispatch"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

func silentLogger() *log.Config {
	return &log.Config{Output: io.Discard}
}

// doubler returns a registry with one task handler that doubles its "n"
// parameter and fails when asked to.
func doubler(t *testing.T) *handler.Registry {
	t.Helper()
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "double", func(_ context.Context, params map[string]any) (any, error) {
		if fail, _ := params["fail"].(bool); fail {
			return nil, fmt.Errorf("asked to fail")
		}
		n, _ := params["n"].(int)
		return map[string]any{"n": n * 2}, nil
	})
	return reg
}

func itemByID(t *testing.T, res Result, id string) Item {
	t.Helper()
	for _, it := range res.Items {
		if it.ID == id {
			return it
		}
	}
	t.Fatalf("result has no item %s", id)
	return Item{}
}

func TestRunnerRunsAllItems(t *testing.T) {
	r := NewRunner(Config{
		Handlers: doubler(t),
		Workers:  2,
		Logger:   log.New(silentLogger()),
	})
	ids := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		ids = append(ids, r.AddTask("double", map[string]any{"n": i}))
	}
	if r.Len() != 5 {
		t.Fatalf("Len = %d, want 5", r.Len())
	}

	res := r.RunAll(context.Background())
	if res.Total != 5 || res.Succeeded != 5 || res.Failed != 0 || res.Pending != 0 {
		t.Fatalf("counts = %d/%d/%d/%d, want 5 succeeded", res.Total, res.Succeeded, res.Failed, res.Pending)
	}
	if res.SuccessRate != 1.0 {
		t.Fatalf("success rate = %v, want 1.0", res.SuccessRate)
	}
	if res.Duration <= 0 {
		t.Fatal("result is missing its duration")
	}

	// Items come back in add order regardless of completion order.
	for i, it := range res.Items {
		if it.ID != ids[i] {
			t.Fatalf("item %d is %s, want %s", i, it.ID, ids[i])
		}
		if it.Status != ItemSucceeded {
			t.Fatalf("item %s is %s: %v", it.ID, it.Status, it.Err)
		}
		if got := it.Result["n"]; got != (i+1)*2 {
			t.Fatalf("item %s result = %v, want %d", it.ID, got, (i+1)*2)
		}
		if it.Duration < 0 {
			t.Fatalf("item %s has negative duration", it.ID)
		}
	}
}

func TestRunnerActuallyOverlaps(t *testing.T) {
	// ping sends, pong receives: the pair only completes when both run
	// at once, so a sequential pool fails this loudly instead of
	// hanging.
	ch := make(chan struct{})
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "ping", func(context.Context, map[string]any) (any, error) {
		select {
		case ch <- struct{}{}:
			return nil, nil
		case <-time.After(3 * time.Second):
			return nil, fmt.Errorf("pong never showed up")
		}
	})
	reg.MustRegister(work.KindTask, "pong", func(context.Context, map[string]any) (any, error) {
		select {
		case <-ch:
			return nil, nil
		case <-time.After(3 * time.Second):
			return nil, fmt.Errorf("ping never showed up")
		}
	})

	r := NewRunner(Config{Handlers: reg, Workers: 2, Logger: log.New(silentLogger())})
	r.AddTask("ping", nil)
	r.AddTask("pong", nil)

	res := r.RunAll(context.Background())
	if res.Succeeded != 2 {
		t.Fatalf("expected both items to succeed, got %+v", res)
	}
}

func TestRunnerHonorsWorkerBound(t *testing.T) {
	var cur, peak atomic.Int64
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "count", func(context.Context, map[string]any) (any, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return nil, nil
	})

	r := NewRunner(Config{Handlers: reg, Workers: 3, Logger: log.New(silentLogger())})
	for i := 0; i < 12; i++ {
		r.AddTask("count", nil)
	}
	res := r.RunAll(context.Background())
	if res.Succeeded != 12 {
		t.Fatalf("expected 12 successes, got %+v", res)
	}
	if got := peak.Load(); got > 3 {
		t.Fatalf("saw %d items in flight, pool is bounded at 3", got)
	}
}

func TestRunnerTracksRunsThroughDispatcher(t *testing.T) {
	ctx := context.Background()
	reg := doubler(t)
	q := dlq.NewMemory()
	d := dispatch.New(nil,
		dispatch.WithRegistry(reg),
		dispatch.WithDLQ(q),
		dispatch.WithLogger(log.New(silentLogger())))

	r := NewRunner(Config{
		Dispatcher: d,
		Handlers:   reg,
		Logger:     log.New(silentLogger()),
	})
	okID := r.AddTask("double", map[string]any{"n": 21})
	badID := r.AddTask("double", map[string]any{"fail": true})

	res := r.RunAll(ctx)
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("counts = %+v, want one success and one failure", res)
	}

	ok := itemByID(t, res, okID)
	if ok.RunID == "" {
		t.Fatal("tracked item is missing its run id")
	}
	run, err := d.Run(ctx, ok.RunID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != work.StatusCompleted {
		t.Fatalf("tracked run status = %s, want completed", run.Status)
	}
	if got := run.Result["n"]; got != 42 {
		t.Fatalf("tracked run result = %v, want 42", got)
	}
	if run.Spec.Metadata["batch_item"] != okID {
		t.Fatalf("run metadata = %v, want batch_item %s", run.Spec.Metadata, okID)
	}
	if run.Spec.Metadata["handler"] != "task:double" {
		t.Fatalf("run metadata handler = %q, want task:double", run.Spec.Metadata["handler"])
	}

	bad := itemByID(t, res, badID)
	if bad.Err == nil || bad.RunID == "" {
		t.Fatalf("failed item should carry its error and run id, got %+v", bad)
	}
	failed, err := d.Run(ctx, bad.RunID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if failed.Status != work.StatusFailed {
		t.Fatalf("failed run status = %s, want failed", failed.Status)
	}

	// With no retry budget the failure dead-letters immediately.
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("dlq depth = %d, want 1", depth)
	}
}

func TestRunnerFailsUnregisteredItem(t *testing.T) {
	r := NewRunner(Config{Handlers: handler.NewRegistry(), Logger: log.New(silentLogger())})
	id := r.AddPipeline("nowhere", nil)

	res := r.RunAll(context.Background())
	it := itemByID(t, res, id)
	if it.Status != ItemFailed || it.Err == nil {
		t.Fatalf("unregistered item should fail, got %+v", it)
	}
}

func TestRunnerContainsPanics(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "grenade", func(context.Context, map[string]any) (any, error) {
		panic("boom")
	})
	reg.MustRegister(work.KindTask, "fine", func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	})

	r := NewRunner(Config{Handlers: reg, Workers: 1, Logger: log.New(silentLogger())})
	badID := r.AddTask("grenade", nil)
	okID := r.AddTask("fine", nil)

	res := r.RunAll(context.Background())
	bad := itemByID(t, res, badID)
	if bad.Status != ItemFailed || bad.Err == nil || !strings.Contains(bad.Err.Error(), "panicked") {
		t.Fatalf("panicking item should fail with a panic error, got %+v", bad)
	}
	ok := itemByID(t, res, okID)
	if ok.Status != ItemSucceeded {
		t.Fatalf("the pool should survive a panic, got %+v", ok)
	}
	if ok.Result["output"] != "ok" {
		t.Fatalf("scalar results live under output, got %v", ok.Result)
	}
}

func TestSequentialRunsInOrder(t *testing.T) {
	var order []int
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "note", func(_ context.Context, params map[string]any) (any, error) {
		order = append(order, params["i"].(int))
		return nil, nil
	})

	s := NewSequential(Config{Handlers: reg, Logger: log.New(silentLogger())})
	for i := 1; i <= 4; i++ {
		s.AddTask("note", map[string]any{"i": i})
	}
	res := s.RunAll(context.Background())
	if res.Succeeded != 4 {
		t.Fatalf("expected 4 successes, got %+v", res)
	}
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("execution order = %v, want add order", order)
		}
	}
}

func TestSequentialStopOnFailure(t *testing.T) {
	s := NewSequential(Config{
		Handlers:      doubler(t),
		StopOnFailure: true,
		Logger:        log.New(silentLogger()),
	})
	s.AddTask("double", map[string]any{"n": 1})
	s.AddTask("double", map[string]any{"fail": true})
	thirdID := s.AddTask("double", map[string]any{"n": 3})

	res := s.RunAll(context.Background())
	if res.Succeeded != 1 || res.Failed != 1 || res.Pending != 1 {
		t.Fatalf("counts = %d/%d/%d, want 1/1/1", res.Succeeded, res.Failed, res.Pending)
	}
	if it := itemByID(t, res, thirdID); it.Status != ItemPending {
		t.Fatalf("the stop should leave later items pending, got %s", it.Status)
	}

	// A second pass resumes the pending remainder; the failed item is
	// settled and stays failed.
	res = s.RunAll(context.Background())
	if res.Succeeded != 2 || res.Failed != 1 || res.Pending != 0 {
		t.Fatalf("resume counts = %d/%d/%d, want 2/1/0", res.Succeeded, res.Failed, res.Pending)
	}
	if want := float64(2) / float64(3); res.SuccessRate != want {
		t.Fatalf("success rate = %v, want %v", res.SuccessRate, want)
	}
}

func TestSequentialContinuesWithoutStop(t *testing.T) {
	s := NewSequential(Config{Handlers: doubler(t), Logger: log.New(silentLogger())})
	s.AddTask("double", map[string]any{"fail": true})
	s.AddTask("double", map[string]any{"n": 2})

	res := s.RunAll(context.Background())
	if res.Succeeded != 1 || res.Failed != 1 || res.Pending != 0 {
		t.Fatalf("counts = %d/%d/%d, want the pass to continue past the failure", res.Succeeded, res.Failed, res.Pending)
	}
}

func TestProgressCallback(t *testing.T) {
	type tick struct {
		done, total int
		id          string
		status      ItemStatus
	}
	var ticks []tick

	s := NewSequential(Config{
		Handlers: doubler(t),
		OnProgress: func(done, total int, item Item) {
			ticks = append(ticks, tick{done, total, item.ID, item.Status})
		},
		Logger: log.New(silentLogger()),
	})
	s.AddTask("double", map[string]any{"n": 1})
	s.AddTask("double", map[string]any{"fail": true})
	s.AddTask("double", map[string]any{"n": 3})
	s.RunAll(context.Background())

	if len(ticks) != 3 {
		t.Fatalf("expected 3 progress ticks, got %d", len(ticks))
	}
	for i, tk := range ticks {
		if tk.done != i+1 || tk.total != 3 {
			t.Fatalf("tick %d = %d/%d, want %d/3", i, tk.done, tk.total, i+1)
		}
	}
	if ticks[1].status != ItemFailed {
		t.Fatalf("second tick should carry the failure, got %s", ticks[1].status)
	}
}

func TestRunnerCancelledContextLeavesPending(t *testing.T) {
	started := make(chan struct{})
	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "wait", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(Config{Handlers: reg, Workers: 1, Logger: log.New(silentLogger())})
	for i := 0; i < 3; i++ {
		r.AddTask("wait", nil)
	}

	go func() {
		<-started
		cancel()
	}()

	res := r.RunAll(ctx)
	if res.Pending == 0 {
		t.Fatalf("cancellation should leave unstarted items pending, got %+v", res)
	}
	if res.Failed == 0 {
		t.Fatalf("the in-flight item should fail with the context error, got %+v", res)
	}
}
