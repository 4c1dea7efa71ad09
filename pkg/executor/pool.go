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
	"fmt"
	"sync"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

const (
	// DefaultPoolWorkers is the worker count when the config leaves it zero.
	DefaultPoolWorkers = 4

	// DefaultPoolQueueDepth bounds the submit backlog.
	DefaultPoolQueueDepth = 64
)

// PoolConfig configures a Pool executor.
type PoolConfig struct {
	// Workers is the number of executing goroutines.
	Workers int

	// QueueDepth bounds accepted-but-not-started runs. A full queue
	// refuses Submit rather than blocking the dispatcher.
	QueueDepth int

	// Registry resolves handlers. Nil uses the process default.
	Registry *handler.Registry
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultPoolWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultPoolQueueDepth
	}
	if c.Registry == nil {
		c.Registry = handler.Default()
	}
	return c
}

type poolTask struct {
	run work.Run
	fn  handler.Handler

	// status moves queued -> running -> terminal under the pool mutex.
	status work.Status
	result map[string]any
	errMsg string
}

// Pool executes runs on a fixed set of goroutines fed by a bounded queue.
// Cancel only dequeues runs that have not started; running handlers are
// interrupted solely by Close's context.
type Pool struct {
	cfg       PoolConfig
	queue     chan *poolTask
	wg        sync.WaitGroup
	execCtx   context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*poolTask
	closed bool
}

// NewPool creates and starts a pool executor.
func NewPool(cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		queue:     make(chan *poolTask, cfg.QueueDepth),
		execCtx:   ctx,
		cancelAll: cancel,
		tasks:     make(map[string]*poolTask),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

var (
	_ Executor      = (*Pool)(nil)
	_ ResultFetcher = (*Pool)(nil)
	_ ErrorFetcher  = (*Pool)(nil)
	_ Forgetter     = (*Pool)(nil)
	_ Closer        = (*Pool)(nil)
)

// Name identifies the executor.
func (p *Pool) Name() string { return "pool" }

// Submit resolves the handler and enqueues the run. A full queue or a
// closed pool refuses the run.
func (p *Pool) Submit(_ context.Context, run work.Run) (string, error) {
	fn, err := p.cfg.Registry.Get(run.Spec.Kind, run.Spec.Name)
	if err != nil {
		return "", err
	}
	task := &poolTask{run: run, fn: fn, status: work.StatusQueued}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", errors.New("pool executor is closed")
	}
	select {
	case p.queue <- task:
		p.tasks[run.ID] = task
		return run.ID, nil
	default:
		return "", fmt.Errorf("pool queue full (depth %d)", p.cfg.QueueDepth)
	}
}

// Cancel dequeues a not-yet-started ref. Running or finished refs report
// false.
func (p *Pool) Cancel(_ context.Context, ref string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[ref]
	if !ok || task.status != work.StatusQueued {
		return false, nil
	}
	task.status = work.StatusCancelled
	return true, nil
}

// Status reports the pool's view of the ref.
func (p *Pool) Status(_ context.Context, ref string) (work.Status, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[ref]
	if !ok {
		return "", false, nil
	}
	return task.status, true, nil
}

// Result returns the recorded result for completed refs.
func (p *Pool) Result(_ context.Context, ref string) (map[string]any, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[ref]
	if !ok {
		return nil, false, nil
	}
	return task.result, true, nil
}

// Err returns the recorded error message for failed refs.
func (p *Pool) Err(_ context.Context, ref string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[ref]
	if !ok {
		return "", false, nil
	}
	return task.errMsg, true, nil
}

// Forget drops bookkeeping for a finished ref.
func (p *Pool) Forget(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if task, ok := p.tasks[ref]; ok && task.status.Terminal() {
		delete(p.tasks, ref)
	}
}

// Close stops accepting runs and drains the queue. If ctx expires first,
// in-flight handlers are interrupted through their context; handlers that
// ignore it are abandoned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancelAll()
		return nil
	case <-ctx.Done():
		p.cancelAll()
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.mu.Lock()
		if task.status != work.StatusQueued {
			p.mu.Unlock()
			continue
		}
		task.status = work.StatusRunning
		p.mu.Unlock()

		value, err := invoke(p.execCtx, task.fn, task.run.Spec.Params)

		p.mu.Lock()
		switch {
		case err == nil:
			task.status = work.StatusCompleted
			task.result = resultMap(value)
		case errors.Is(err, context.Canceled):
			task.status = work.StatusCancelled
			task.errMsg = err.Error()
		default:
			task.status = work.StatusFailed
			task.result = resultMap(value)
			task.errMsg = err.Error()
		}
		p.mu.Unlock()
	}
}
