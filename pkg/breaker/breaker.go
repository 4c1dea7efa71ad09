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

// Package breaker implements a circuit breaker for dependencies that fail
// in bursts. A breaker trips open after consecutive failures, rejects calls
// while open, and probes with a bounded number of half-open calls before
// closing again.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/foreman/pkg/errors"
)

// State is the breaker's position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a breaker. Zero values select the defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open (default 5).
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing
	// half-open probes (default 30s).
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of half-open successes required to
	// close again (default 2).
	SuccessThreshold int

	// HalfOpenMaxCalls caps in-flight probes while half-open (default 1).
	HalfOpenMaxCalls int

	// OnStateChange, when set, is called outside the lock after each
	// transition.
	OnStateChange func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Attempts            uint64    `json:"attempts"`
	Successes           uint64    `json:"successes"`
	Failures            uint64    `json:"failures"`
	Rejected            uint64    `json:"rejected"`
	StateChanges        uint64    `json:"state_changes"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

// Breaker guards one dependency. Safe for concurrent use.
type Breaker struct {
	name   string
	config Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	halfOpenCalls       int
	halfOpenSuccesses   int
	openedAt            time.Time

	attempts     uint64
	successes    uint64
	failures     uint64
	rejected     uint64
	stateChanges uint64
}

// New creates a breaker in the closed state.
func New(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. While open it returns a
// CircuitOpenError carrying the remaining recovery time; while half-open it
// admits at most HalfOpenMaxCalls in-flight probes. Callers that get nil
// must later call RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	now := time.Now()
	notify := b.allowLocked(now)

	var err error
	switch b.state {
	case StateClosed:
		b.attempts++
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.rejected++
			err = &errors.CircuitOpenError{Breaker: b.name, RetryAfter: 0}
		} else {
			b.halfOpenCalls++
			b.attempts++
		}
	default: // StateOpen
		b.rejected++
		remaining := b.config.RecoveryTimeout - now.Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		err = &errors.CircuitOpenError{Breaker: b.name, RetryAfter: remaining}
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
	return err
}

// allowLocked moves open -> half_open once the recovery timeout has
// elapsed. Must be called with b.mu held; returns the deferred state-change
// callback, if any.
func (b *Breaker) allowLocked(now time.Time) func() {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.RecoveryTimeout {
		return b.transitionLocked(StateHalfOpen)
	}
	return nil
}

// RecordSuccess reports a successful call. In half-open state enough
// successes close the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var notify func()
	b.successes++
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		if b.halfOpenCalls > 0 {
			b.halfOpenCalls--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			notify = b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// Late result from a call admitted before the trip; counted, no
		// transition.
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// RecordFailure reports a failed call. In closed state enough consecutive
// failures trip the breaker; in half-open state a single failure re-opens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var notify func()
	b.failures++
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			notify = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if b.halfOpenCalls > 0 {
			b.halfOpenCalls--
		}
		notify = b.transitionLocked(StateOpen)
	case StateOpen:
		// Late failure; the open window is not extended.
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Do runs fn under the breaker: Allow, then RecordSuccess or RecordFailure
// from fn's result.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state, applying a pending open -> half_open
// lapse first.
func (b *Breaker) State() State {
	b.mu.Lock()
	notify := b.allowLocked(time.Now())
	state := b.state
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Name:                b.name,
		State:               b.state,
		Attempts:            b.attempts,
		Successes:           b.successes,
		Failures:            b.failures,
		Rejected:            b.rejected,
		StateChanges:        b.stateChanges,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// Reset forces the breaker closed and clears transition state. Cumulative
// counters are preserved.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var notify func()
	if b.state != StateClosed {
		notify = b.transitionLocked(StateClosed)
	} else {
		b.consecutiveFailures = 0
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// transitionLocked changes state and resets per-state counters. Must be
// called with b.mu held; the returned callback (for OnStateChange) must be
// invoked after the lock is released.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.stateChanges++

	switch to {
	case StateOpen:
		b.openedAt = time.Now()
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
		b.openedAt = time.Time{}
	}

	if cb := b.config.OnStateChange; cb != nil {
		name := b.name
		return func() { cb(name, from, to) }
	}
	return nil
}
