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

	"golang.org/x/sync/semaphore"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

// DefaultSemaphoreConcurrency gates the semaphore executor when the config
// leaves it zero.
const DefaultSemaphoreConcurrency = 8

// SemaphoreConfig configures a Semaphore executor.
type SemaphoreConfig struct {
	// MaxConcurrent is the number of runs executing at once. Further
	// submissions wait for a permit instead of being refused.
	MaxConcurrent int64

	// Registry resolves handlers. Nil uses the process default.
	Registry *handler.Registry
}

func (c SemaphoreConfig) withDefaults() SemaphoreConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultSemaphoreConcurrency
	}
	if c.Registry == nil {
		c.Registry = handler.Default()
	}
	return c
}

type semTask struct {
	status work.Status
	result map[string]any
	errMsg string
	cancel context.CancelFunc
}

// Semaphore runs each submission on its own goroutine, gated by a weighted
// semaphore. Suited to I/O-bound handlers where goroutines are cheap but
// concurrency still needs a ceiling. Unlike Pool, Cancel interrupts running
// handlers through their per-ref context.
type Semaphore struct {
	cfg SemaphoreConfig
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*semTask
	closed bool
}

// NewSemaphore creates a semaphore executor.
func NewSemaphore(cfg SemaphoreConfig) *Semaphore {
	cfg = cfg.withDefaults()
	return &Semaphore{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(cfg.MaxConcurrent),
		tasks: make(map[string]*semTask),
	}
}

var (
	_ Executor      = (*Semaphore)(nil)
	_ ResultFetcher = (*Semaphore)(nil)
	_ ErrorFetcher  = (*Semaphore)(nil)
	_ Forgetter     = (*Semaphore)(nil)
	_ Closer        = (*Semaphore)(nil)
)

// Name identifies the executor.
func (e *Semaphore) Name() string { return "semaphore" }

// Submit starts a goroutine for the run. The goroutine waits for a permit,
// so Submit itself never blocks on concurrency.
func (e *Semaphore) Submit(_ context.Context, run work.Run) (string, error) {
	fn, err := e.cfg.Registry.Get(run.Spec.Kind, run.Spec.Name)
	if err != nil {
		return "", err
	}

	refCtx, cancel := context.WithCancel(context.Background())
	task := &semTask{status: work.StatusQueued, cancel: cancel}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", errors.New("semaphore executor is closed")
	}
	e.tasks[run.ID] = task
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer cancel()

		if err := e.sem.Acquire(refCtx, 1); err != nil {
			// Cancelled while waiting for a permit.
			e.record(run.ID, outcome{status: work.StatusCancelled, errMsg: err.Error()})
			return
		}
		defer e.sem.Release(1)

		e.mu.Lock()
		if task.status != work.StatusQueued {
			e.mu.Unlock()
			return
		}
		task.status = work.StatusRunning
		e.mu.Unlock()

		value, err := invoke(refCtx, fn, run.Spec.Params)
		switch {
		case err == nil:
			e.record(run.ID, outcome{status: work.StatusCompleted, result: resultMap(value)})
		case errors.Is(err, context.Canceled):
			e.record(run.ID, outcome{status: work.StatusCancelled, errMsg: err.Error()})
		default:
			e.record(run.ID, outcome{status: work.StatusFailed, result: resultMap(value), errMsg: err.Error()})
		}
	}()
	return run.ID, nil
}

// Cancel interrupts a waiting or running ref through its context.
func (e *Semaphore) Cancel(_ context.Context, ref string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[ref]
	if !ok || task.status.Terminal() {
		return false, nil
	}
	task.cancel()
	return true, nil
}

// Status reports the executor's view of the ref.
func (e *Semaphore) Status(_ context.Context, ref string) (work.Status, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[ref]
	if !ok {
		return "", false, nil
	}
	return task.status, true, nil
}

// Result returns the recorded result for completed refs.
func (e *Semaphore) Result(_ context.Context, ref string) (map[string]any, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[ref]
	if !ok {
		return nil, false, nil
	}
	return task.result, true, nil
}

// Err returns the recorded error message for failed refs.
func (e *Semaphore) Err(_ context.Context, ref string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[ref]
	if !ok {
		return "", false, nil
	}
	return task.errMsg, true, nil
}

// Forget drops bookkeeping for a finished ref.
func (e *Semaphore) Forget(ref string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if task, ok := e.tasks[ref]; ok && task.status.Terminal() {
		delete(e.tasks, ref)
	}
}

// Close refuses further submissions and waits for in-flight runs. If ctx
// expires first, the remaining refs are cancelled.
func (e *Semaphore) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, task := range e.tasks {
			if !task.status.Terminal() {
				task.cancel()
			}
		}
		e.mu.Unlock()
		return ctx.Err()
	}
}

func (e *Semaphore) record(ref string, o outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[ref]
	if !ok {
		return
	}
	task.status = o.status
	task.result = o.result
	task.errMsg = o.errMsg
}
