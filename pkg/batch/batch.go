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

// Package batch fans out independent items and collects their results.
// A Runner executes items on a fixed worker pool; a Sequential variant
// runs them one at a time and can stop at the first failure. When a
// dispatcher is wired, each item runs as a tracked execution, so runs
// land in the ledger and failures flow to retry policy and the dead
// letter queue. Async covers the lighter case of fanning out plain
// functions under a concurrency limit.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/dispatch"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

// DefaultWorkers is the Runner pool size when Config leaves it unset.
const DefaultWorkers = 4

// ItemStatus is an item's place in the batch lifecycle.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
)

// Item is one unit of a batch. Status, RunID, Result, Err, and Duration
// are filled in as the item settles.
type Item struct {
	ID     string
	Kind   work.Kind
	Name   string
	Params map[string]any

	Status   ItemStatus
	RunID    string
	Result   map[string]any
	Err      error
	Duration time.Duration
}

// Result summarizes one RunAll pass over the whole batch, including
// items that settled in earlier passes.
type Result struct {
	Items       []Item
	Total       int
	Succeeded   int
	Failed      int
	Pending     int
	SuccessRate float64
	Duration    time.Duration
}

// ProgressFunc observes items as they settle. done counts settled items
// across the whole batch; item is a snapshot of the one that just
// finished.
type ProgressFunc func(done, total int, item Item)

// Config wires a Runner or Sequential.
type Config struct {
	// Dispatcher, when set, wraps each item in a tracked execution so
	// the run is recorded and failures flow to retry policy and the
	// dead letter queue. Nil runs handlers directly with no ledger
	// record.
	Dispatcher *dispatch.Dispatcher

	// Handlers resolves item handlers. Nil uses the process default.
	Handlers *handler.Registry

	// Workers bounds parallel execution. Runner only. Default 4.
	Workers int

	// StopOnFailure stops a pass at the first failed item, leaving the
	// rest pending. Sequential only.
	StopOnFailure bool

	// Lane tags tracked runs for listing.
	Lane string

	// OnProgress is called after each item settles.
	OnProgress ProgressFunc

	// Logger is the base logger.
	Logger *slog.Logger
}

// core carries the item list and execution plumbing shared by Runner
// and Sequential.
type core struct {
	dispatcher *dispatch.Dispatcher
	handlers   *handler.Registry
	lane       string
	onProgress ProgressFunc
	logger     *slog.Logger

	// runMu serializes RunAll passes: a concurrent call waits, then
	// runs whatever is still pending.
	runMu sync.Mutex

	mu    sync.Mutex
	items []*Item
}

func newCore(cfg Config) *core {
	if cfg.Handlers == nil {
		cfg.Handlers = handler.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(nil)
	}
	return &core{
		dispatcher: cfg.Dispatcher,
		handlers:   cfg.Handlers,
		lane:       cfg.Lane,
		onProgress: cfg.OnProgress,
		logger:     log.WithComponent(cfg.Logger, "batch"),
	}
}

// Add enqueues one item and returns its id. Items added after a pass
// started join the next one.
func (c *core) Add(kind work.Kind, name string, params map[string]any) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := &Item{
		ID:     fmt.Sprintf("item-%d", len(c.items)+1),
		Kind:   kind,
		Name:   name,
		Params: params,
		Status: ItemPending,
	}
	c.items = append(c.items, item)
	return item.ID
}

// AddTask enqueues a task item.
func (c *core) AddTask(name string, params map[string]any) string {
	return c.Add(work.KindTask, name, params)
}

// AddPipeline enqueues a pipeline item.
func (c *core) AddPipeline(name string, params map[string]any) string {
	return c.Add(work.KindPipeline, name, params)
}

// Len returns the number of items added so far.
func (c *core) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *core) pendingItems() []*Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Item, 0, len(c.items))
	for _, it := range c.items {
		if it.Status == ItemPending {
			out = append(out, it)
		}
	}
	return out
}

// runItem executes one item and records its outcome.
func (c *core) runItem(ctx context.Context, item *Item) {
	start := time.Now()
	out, runID, err := c.execute(ctx, item)
	duration := time.Since(start)

	c.mu.Lock()
	item.RunID = runID
	item.Duration = duration
	if err != nil {
		item.Status = ItemFailed
		item.Err = err
	} else {
		item.Status = ItemSucceeded
		item.Result = resultMap(out)
	}
	done := 0
	for _, it := range c.items {
		if it.Status != ItemPending {
			done++
		}
	}
	total := len(c.items)
	snapshot := *item
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("batch item failed",
			log.String("item_id", item.ID),
			log.String(log.HandlerKey, string(item.Kind)+":"+item.Name),
			log.Duration(log.DurationKey, duration),
			log.Error(err))
	} else {
		c.logger.Debug("batch item completed",
			log.String("item_id", item.ID),
			log.String(log.HandlerKey, string(item.Kind)+":"+item.Name),
			log.Duration(log.DurationKey, duration))
	}
	if c.onProgress != nil {
		c.onProgress(done, total, snapshot)
	}
}

// execute resolves the item's handler and runs it, through a tracked
// execution when a dispatcher is wired.
func (c *core) execute(ctx context.Context, item *Item) (out any, runID string, err error) {
	h, err := c.handlers.Get(item.Kind, item.Name)
	if err != nil {
		return nil, "", err
	}

	if c.dispatcher == nil {
		out, err = invoke(ctx, h, item.Params)
		return out, "", err
	}

	runID, err = c.dispatcher.Tracked(ctx, item.Name, dispatch.TrackedOpts{
		Params: item.Params,
		Lane:   c.lane,
		Metadata: map[string]string{
			"batch_item": item.ID,
			"handler":    string(item.Kind) + ":" + item.Name,
		},
	}, func(ctx context.Context, run *dispatch.TrackedRun) error {
		v, herr := h(ctx, item.Params)
		if herr != nil {
			return herr
		}
		out = v
		for k, val := range resultMap(v) {
			run.SetResult(k, val)
		}
		return nil
	})
	return out, runID, err
}

// snapshot copies the item list into a Result with counts.
func (c *core) snapshot(duration time.Duration) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{
		Total:    len(c.items),
		Duration: duration,
		Items:    make([]Item, 0, len(c.items)),
	}
	for _, it := range c.items {
		res.Items = append(res.Items, *it)
		switch it.Status {
		case ItemSucceeded:
			res.Succeeded++
		case ItemFailed:
			res.Failed++
		default:
			res.Pending++
		}
	}
	if res.Total > 0 {
		res.SuccessRate = float64(res.Succeeded) / float64(res.Total)
	}
	return res
}

func (c *core) logPass(res Result) {
	c.logger.Info("batch pass finished",
		log.Int("total", res.Total),
		log.Int("succeeded", res.Succeeded),
		log.Int("failed", res.Failed),
		log.Int("pending", res.Pending),
		log.Duration(log.DurationKey, res.Duration))
}

// Runner executes items on a fixed-size worker pool.
type Runner struct {
	*core
	workers int
}

// NewRunner builds a parallel batch runner.
func NewRunner(cfg Config) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{core: newCore(cfg), workers: workers}
}

// RunAll executes every pending item on the pool and reports the batch
// outcome. Items settled in an earlier pass keep their result; a
// cancelled context leaves unstarted items pending, so a batch can be
// resumed.
func (r *Runner) RunAll(ctx context.Context) Result {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	pending := r.pendingItems()

	workers := r.workers
	if workers > len(pending) {
		workers = len(pending)
	}
	jobs := make(chan *Item)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				if ctx.Err() != nil {
					continue
				}
				r.runItem(ctx, item)
			}
		}()
	}

feed:
	for _, item := range pending {
		select {
		case jobs <- item:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	res := r.snapshot(time.Since(start))
	r.logPass(res)
	return res
}

// Sequential executes items one at a time in add order.
type Sequential struct {
	*core
	stopOnFailure bool
}

// NewSequential builds a sequential batch runner.
func NewSequential(cfg Config) *Sequential {
	return &Sequential{core: newCore(cfg), stopOnFailure: cfg.StopOnFailure}
}

// RunAll executes pending items in order. With StopOnFailure set the
// pass ends at the first failure and the rest stay pending.
func (s *Sequential) RunAll(ctx context.Context) Result {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	for _, item := range s.pendingItems() {
		if ctx.Err() != nil {
			break
		}
		s.runItem(ctx, item)
		if s.stopOnFailure && item.Status == ItemFailed {
			break
		}
	}

	res := s.snapshot(time.Since(start))
	s.logPass(res)
	return res
}

// invoke runs a handler directly with panic containment, mirroring what
// the executors do for dispatched runs.
func invoke(ctx context.Context, h handler.Handler, params map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch item panicked: %v", r)
		}
	}()
	return h(ctx, params)
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
