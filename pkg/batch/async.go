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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Async fans out plain functions under a concurrency limit. Items are
// in-process closures rather than registered handlers; use it when the
// work does not need a ledger record.
type Async struct {
	limit int

	mu    sync.Mutex
	items []asyncItem
}

type asyncItem struct {
	name string
	fn   func(context.Context) (any, error)
}

// AsyncResult is one item's outcome. Results come back in add order.
type AsyncResult struct {
	Name     string
	Value    any
	Err      error
	Duration time.Duration
}

// NewAsync builds an async batch. maxConcurrency bounds simultaneous
// items; non-positive means unbounded.
func NewAsync(maxConcurrency int) *Async {
	return &Async{limit: maxConcurrency}
}

// Go adds one item. Safe to call concurrently up until Run.
func (a *Async) Go(name string, fn func(context.Context) (any, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, asyncItem{name: name, fn: fn})
}

// Run executes every item and gathers results in add order. Item
// failures land in their slot rather than cancelling siblings; the
// items are independent by definition. The returned error reflects
// caller cancellation only, and items skipped because the context died
// carry its error.
func (a *Async) Run(ctx context.Context) ([]AsyncResult, error) {
	a.mu.Lock()
	items := make([]asyncItem, len(a.items))
	copy(items, a.items)
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if a.limit > 0 {
		g.SetLimit(a.limit)
	}

	results := make([]AsyncResult, len(items))
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = AsyncResult{Name: item.name, Err: err}
				return nil
			}
			start := time.Now()
			v, err := runAsync(gctx, item.fn)
			results[i] = AsyncResult{
				Name:     item.name,
				Value:    v,
				Err:      err,
				Duration: time.Since(start),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// runAsync invokes fn with panic containment.
func runAsync(ctx context.Context, fn func(context.Context) (any, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("async item panicked: %v", r)
		}
	}()
	return fn(ctx)
}
