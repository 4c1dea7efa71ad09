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
	"log/slog"

	"github.com/tombee/foreman/pkg/dispatch"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

// Builder composes a batch fluently: items, handler registrations, the
// parallel/sequential choice, and a progress callback, finished with one
// Run call.
//
//	res, err := batch.NewBuilder().
//		Handle(work.KindTask, "resize", resize).
//		AddTask("resize", map[string]any{"file": "a.png"}).
//		AddTask("resize", map[string]any{"file": "b.png"}).
//		WithWorkers(8).
//		Run(ctx)
type Builder struct {
	cfg        Config
	sequential bool
	adds       []addSpec
	regs       []regSpec
}

type addSpec struct {
	kind   work.Kind
	name   string
	params map[string]any
}

type regSpec struct {
	kind work.Kind
	name string
	fn   handler.Handler
}

// NewBuilder starts an empty batch definition.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithDispatcher records each item as a tracked run on d.
func (b *Builder) WithDispatcher(d *dispatch.Dispatcher) *Builder {
	b.cfg.Dispatcher = d
	return b
}

// WithHandlers resolves items (and places Handle registrations) in reg.
func (b *Builder) WithHandlers(reg *handler.Registry) *Builder {
	b.cfg.Handlers = reg
	return b
}

// WithWorkers sets the parallel pool size.
func (b *Builder) WithWorkers(n int) *Builder {
	b.cfg.Workers = n
	return b
}

// WithLane tags tracked runs with a lane.
func (b *Builder) WithLane(lane string) *Builder {
	b.cfg.Lane = lane
	return b
}

// WithLogger sets the base logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.cfg.Logger = logger
	return b
}

// OnProgress is called after each item settles.
func (b *Builder) OnProgress(fn ProgressFunc) *Builder {
	b.cfg.OnProgress = fn
	return b
}

// Handle registers a handler for the batch. Without WithHandlers the
// registrations land in a registry private to this batch, leaving the
// process default untouched.
func (b *Builder) Handle(kind work.Kind, name string, fn handler.Handler) *Builder {
	b.regs = append(b.regs, regSpec{kind: kind, name: name, fn: fn})
	return b
}

// Add enqueues one item.
func (b *Builder) Add(kind work.Kind, name string, params map[string]any) *Builder {
	b.adds = append(b.adds, addSpec{kind: kind, name: name, params: params})
	return b
}

// AddTask enqueues a task item.
func (b *Builder) AddTask(name string, params map[string]any) *Builder {
	return b.Add(work.KindTask, name, params)
}

// AddPipeline enqueues a pipeline item.
func (b *Builder) AddPipeline(name string, params map[string]any) *Builder {
	return b.Add(work.KindPipeline, name, params)
}

// Sequential runs items one at a time, optionally stopping at the first
// failure.
func (b *Builder) Sequential(stopOnFailure bool) *Builder {
	b.sequential = true
	b.cfg.StopOnFailure = stopOnFailure
	return b
}

// Parallel runs items on the worker pool. This is the default.
func (b *Builder) Parallel() *Builder {
	b.sequential = false
	return b
}

// Run assembles the batch and executes it. Registration problems (a
// duplicate Handle pair, an empty name) surface here rather than
// per-item.
func (b *Builder) Run(ctx context.Context) (Result, error) {
	cfg := b.cfg
	if len(b.regs) > 0 {
		reg := cfg.Handlers
		if reg == nil {
			reg = handler.NewRegistry()
		}
		for _, r := range b.regs {
			if err := reg.Register(r.kind, r.name, r.fn); err != nil {
				return Result{}, err
			}
		}
		cfg.Handlers = reg
	}

	if b.sequential {
		s := NewSequential(cfg)
		for _, a := range b.adds {
			s.Add(a.kind, a.name, a.params)
		}
		return s.RunAll(ctx), nil
	}
	r := NewRunner(cfg)
	for _, a := range b.adds {
		r.Add(a.kind, a.name, a.params)
	}
	return r.RunAll(ctx), nil
}
