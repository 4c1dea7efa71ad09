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

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTickInterval is the evaluation cadence when none is configured.
const DefaultTickInterval = 15 * time.Second

// TickFunc is called by a backend once per tick with the current time.
type TickFunc func(now time.Time)

// TickBackend supplies timing and nothing else. The service owns what a
// tick means; the backend only promises to call the function at the
// requested cadence until stopped.
type TickBackend interface {
	// Start begins ticking. It returns once the backend is running;
	// ticks are delivered on a backend-owned goroutine.
	Start(ctx context.Context, tick TickFunc) error

	// Stop halts ticking and waits for an in-flight tick to return.
	Stop()

	// Health reports nil while the backend is delivering ticks.
	Health() error
}

// TickerBackend drives ticks off an in-process time.Ticker.
type TickerBackend struct {
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewTickerBackend creates a ticker backend. A non-positive interval
// falls back to DefaultTickInterval.
func NewTickerBackend(interval time.Duration) *TickerBackend {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &TickerBackend{interval: interval}
}

var _ TickBackend = (*TickerBackend)(nil)

// Start launches the tick loop. Starting a running backend is an error.
func (b *TickerBackend) Start(ctx context.Context, tick TickFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("ticker backend already started")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	go b.loop(ctx, tick, b.stopCh, b.doneCh)
	return nil
}

func (b *TickerBackend) loop(ctx context.Context, tick TickFunc, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer b.setStopped()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			tick(now)
		}
	}
}

func (b *TickerBackend) setStopped() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

// Stop halts the loop and waits for it to drain.
func (b *TickerBackend) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	stopCh, doneCh := b.stopCh, b.doneCh
	b.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Health reports nil while the loop is live.
func (b *TickerBackend) Health() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return fmt.Errorf("ticker backend not running")
	}
	return nil
}

// CronBackend drives ticks off a cron expression, so the evaluation
// cadence itself can follow a calendar ("@every 15s", "*/1 * * * *").
type CronBackend struct {
	expr string

	mu      sync.Mutex
	runner  *cron.Cron
	running bool
}

// NewCronBackend creates a cron-driven backend from a standard five-field
// expression or a descriptor like "@every 30s".
func NewCronBackend(expr string) *CronBackend {
	return &CronBackend{expr: expr}
}

var _ TickBackend = (*CronBackend)(nil)

// Start validates the expression and begins the cron runner.
func (b *CronBackend) Start(ctx context.Context, tick TickFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("cron backend already started")
	}

	// Slow ticks skip the next beat instead of stacking up.
	runner := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := runner.AddFunc(b.expr, func() { tick(time.Now()) }); err != nil {
		return fmt.Errorf("invalid tick expression %q: %w", b.expr, err)
	}
	runner.Start()
	b.runner = runner
	b.running = true

	// The runner has no context of its own; mirror cancellation into Stop.
	go func() {
		<-ctx.Done()
		b.Stop()
	}()
	return nil
}

// Stop halts the runner and waits for an in-flight tick to finish.
func (b *CronBackend) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	runner := b.runner
	b.running = false
	b.mu.Unlock()

	<-runner.Stop().Done()
}

// Health reports nil while the runner is live.
func (b *CronBackend) Health() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return fmt.Errorf("cron backend not running")
	}
	return nil
}

// ManualBackend delivers ticks only when told to. Tests and external
// beat processes drive it through Tick.
type ManualBackend struct {
	mu   sync.Mutex
	tick TickFunc
}

// NewManualBackend creates a backend awaiting explicit ticks.
func NewManualBackend() *ManualBackend {
	return &ManualBackend{}
}

var _ TickBackend = (*ManualBackend)(nil)

// Start records the tick function; no goroutine is launched.
func (b *ManualBackend) Start(_ context.Context, tick TickFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tick != nil {
		return fmt.Errorf("manual backend already started")
	}
	b.tick = tick
	return nil
}

// Tick delivers one tick synchronously. Ticks before Start or after Stop
// are dropped.
func (b *ManualBackend) Tick(now time.Time) {
	b.mu.Lock()
	tick := b.tick
	b.mu.Unlock()
	if tick != nil {
		tick(now)
	}
}

// Stop detaches the tick function.
func (b *ManualBackend) Stop() {
	b.mu.Lock()
	b.tick = nil
	b.mu.Unlock()
}

// Health reports nil once started.
func (b *ManualBackend) Health() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tick == nil {
		return fmt.Errorf("manual backend not started")
	}
	return nil
}
