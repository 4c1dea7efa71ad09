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

package redisq

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

func newTestExecutor(t *testing.T) (*Executor, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	e, err := NewExecutor(Config{Client: client})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e, client
}

// startConsumer runs a consumer until the test ends.
func startConsumer(t *testing.T, client *redis.Client, reg *handler.Registry, lanes ...string) {
	t.Helper()
	c, err := NewConsumer(ConsumerConfig{
		Client:     client,
		Registry:   reg,
		Lanes:      lanes,
		WorkerID:   "test-worker",
		PopTimeout: 100 * time.Millisecond,
		Logger:     log.New(&log.Config{Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func queuedRun(id, name string, params map[string]any) work.Run {
	return work.Run{
		ID:     id,
		Spec:   work.Spec{Kind: work.KindTask, Name: name, Params: params}.Normalized(),
		Status: work.StatusPending,
	}
}

func waitRemoteStatus(t *testing.T, e *Executor, ref string, want work.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, ok, err := e.Status(context.Background(), ref)
		if err != nil {
			t.Fatalf("Status(%s): %v", ref, err)
		}
		if ok && status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", ref, want)
}

func TestSubmitSeedsQueuedStatus(t *testing.T) {
	e, _ := newTestExecutor(t)

	ref, err := e.Submit(context.Background(), queuedRun("run-1", "greet", map[string]any{"name": "ada"}))
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
	if status != work.StatusQueued {
		t.Fatalf("status = %s, want queued", status)
	}

	depth, err := e.Depth(context.Background(), work.DefaultLane)
	if err != nil || depth != 1 {
		t.Fatalf("Depth = (%d, %v), want 1", depth, err)
	}

	if _, ok, _ := e.Status(context.Background(), "no-such-run"); ok {
		t.Error("unknown ref should not be found")
	}
}

func TestConsumerRoundTrip(t *testing.T) {
	e, client := newTestExecutor(t)

	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "greet", func(_ context.Context, params map[string]any) (any, error) {
		name, _ := params["name"].(string)
		return map[string]any{"greeting": "hello " + name}, nil
	})
	startConsumer(t, client, reg)

	ref, err := e.Submit(context.Background(), queuedRun("run-1", "greet", map[string]any{"name": "ada"}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitRemoteStatus(t, e, ref, work.StatusCompleted)

	result, ok, err := e.Result(context.Background(), ref)
	if err != nil || !ok {
		t.Fatalf("Result: ok=%v err=%v", ok, err)
	}
	if result["greeting"] != "hello ada" {
		t.Errorf("result = %v, want greeting=hello ada", result)
	}

	// Forget clears the hash entry for the finished run.
	e.Forget(ref)
	if _, ok, _ := e.Status(context.Background(), ref); ok {
		t.Error("forgotten ref should be unknown")
	}
}

func TestCancelRevokesBeforeStart(t *testing.T) {
	e, client := newTestExecutor(t)

	// Submit and revoke while no consumer is attached yet.
	ref, err := e.Submit(context.Background(), queuedRun("run-1", "greet", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if delivered, err := e.Cancel(context.Background(), ref); err != nil || !delivered {
		t.Fatalf("Cancel = (%v, %v), want (true, nil)", delivered, err)
	}

	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "greet", func(context.Context, map[string]any) (any, error) {
		t.Error("revoked run must not execute")
		return nil, nil
	})
	startConsumer(t, client, reg)

	waitRemoteStatus(t, e, ref, work.StatusCancelled)
	if msg, _, _ := e.Err(context.Background(), ref); !strings.Contains(msg, "revoked") {
		t.Errorf("error = %q, want revocation notice", msg)
	}
}

func TestConsumerRecordsFailure(t *testing.T) {
	e, client := newTestExecutor(t)

	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "boom", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	startConsumer(t, client, reg)

	ref, err := e.Submit(context.Background(), queuedRun("run-1", "boom", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitRemoteStatus(t, e, ref, work.StatusFailed)
	if msg, _, _ := e.Err(context.Background(), ref); msg != "boom" {
		t.Errorf("error = %q, want boom", msg)
	}
}

func TestConsumerUnknownHandlerFails(t *testing.T) {
	e, client := newTestExecutor(t)
	startConsumer(t, client, handler.NewRegistry())

	ref, err := e.Submit(context.Background(), queuedRun("run-1", "nobody", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitRemoteStatus(t, e, ref, work.StatusFailed)
	if msg, _, _ := e.Err(context.Background(), ref); !strings.Contains(msg, "nobody") {
		t.Errorf("error = %q, want handler name mentioned", msg)
	}
}

func TestConsumerHandlerTimeout(t *testing.T) {
	e, client := newTestExecutor(t)

	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "stall", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c, err := NewConsumer(ConsumerConfig{
		Client:         client,
		Registry:       reg,
		PopTimeout:     100 * time.Millisecond,
		HandlerTimeout: 50 * time.Millisecond,
		Logger:         log.New(&log.Config{Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ref, err := e.Submit(context.Background(), queuedRun("run-1", "stall", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitRemoteStatus(t, e, ref, work.StatusTimedOut)
	if msg, _, _ := e.Err(context.Background(), ref); !strings.Contains(msg, "timed out") {
		t.Errorf("error = %q, want timeout message", msg)
	}
}

func TestLaneRouting(t *testing.T) {
	e, client := newTestExecutor(t)

	reg := handler.NewRegistry()
	reg.MustRegister(work.KindTask, "render", func(context.Context, map[string]any) (any, error) {
		return map[string]any{"done": true}, nil
	})
	// The consumer only serves the gpu lane.
	startConsumer(t, client, reg, "gpu")

	run := queuedRun("run-gpu", "render", nil)
	run.Spec.Lane = "gpu"
	ref, err := e.Submit(context.Background(), run)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitRemoteStatus(t, e, ref, work.StatusCompleted)

	// A default-lane envelope stays put.
	if _, err := e.Submit(context.Background(), queuedRun("run-default", "render", nil)); err != nil {
		t.Fatalf("Submit default: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	status, ok, _ := e.Status(context.Background(), "run-default")
	if !ok || status != work.StatusQueued {
		t.Fatalf("default lane run = (%s, %v), want still queued", status, ok)
	}
	depth, err := e.Depth(context.Background(), work.DefaultLane)
	if err != nil || depth != 1 {
		t.Fatalf("default lane depth = (%d, %v), want 1", depth, err)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewExecutor(Config{}); err == nil {
		t.Error("executor without client should be refused")
	}
	if _, err := NewConsumer(ConsumerConfig{}); err == nil {
		t.Error("consumer without client should be refused")
	}
}
