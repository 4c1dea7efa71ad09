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

package errors

import (
	"fmt"
	"time"
)

// InvalidTransitionError represents an attempt to move a run along a
// disallowed edge of the execution state machine. It is fatal for the
// caller and is never retried.
type InvalidTransitionError struct {
	// From is the status the run currently holds.
	From string

	// To is the status the caller attempted to move to.
	To string

	// RunID identifies the run, when known.
	RunID string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("invalid status transition %s -> %s for run %s", e.From, e.To, e.RunID)
	}
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ErrorType identifies the error category.
func (e *InvalidTransitionError) ErrorType() string { return "invalid_transition" }

// IsRetryable reports whether the operation should be retried.
func (e *InvalidTransitionError) IsRetryable() bool { return false }

// UnknownHandlerError represents a registry miss: no handler is registered
// under the requested (kind, name) pair. Workers convert it into a FAILED
// terminal state on the run.
type UnknownHandlerError struct {
	// Kind is the work kind (task, pipeline, workflow, step).
	Kind string

	// Name is the handler name within the kind.
	Name string
}

// Error implements the error interface.
func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s:%s", e.Kind, e.Name)
}

// ErrorType identifies the error category.
func (e *UnknownHandlerError) ErrorType() string { return "unknown_handler" }

// IsRetryable reports whether the operation should be retried.
func (e *UnknownHandlerError) IsRetryable() bool { return false }

// DuplicateHandlerError is returned when a handler is registered twice
// under the same (kind, name) pair.
type DuplicateHandlerError struct {
	Kind string
	Name string
}

// Error implements the error interface.
func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("handler already registered for %s:%s", e.Kind, e.Name)
}

// LockHeldError reports that an advisory lock is held by another owner.
// Callers decide how to react; the scheduler counts it as a skip, the
// tracked-execution helper escalates it to ExecutionLockError.
type LockHeldError struct {
	// Key is the lock key that could not be acquired.
	Key string

	// Holder is the run or instance currently holding the lock, when known.
	Holder string
}

// Error implements the error interface.
func (e *LockHeldError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock %q held by %s", e.Key, e.Holder)
	}
	return fmt.Sprintf("lock %q held by another owner", e.Key)
}

// ErrorType identifies the error category.
func (e *LockHeldError) ErrorType() string { return "lock_held" }

// IsRetryable reports whether the operation should be retried.
func (e *LockHeldError) IsRetryable() bool { return true }

// ExecutionLockError reports that a tracked execution could not acquire its
// concurrency lock. The associated run is marked CANCELLED before this error
// reaches the caller.
type ExecutionLockError struct {
	// Name is the tracked execution name.
	Name string

	// Key is the lock key that was contended.
	Key string

	// Cause is the underlying error, if the guard itself failed.
	Cause error
}

// Error implements the error interface.
func (e *ExecutionLockError) Error() string {
	return fmt.Sprintf("execution %q could not acquire lock %q", e.Name, e.Key)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionLockError) Unwrap() error { return e.Cause }

// ErrorType identifies the error category.
func (e *ExecutionLockError) ErrorType() string { return "execution_lock" }

// IsRetryable reports whether the operation should be retried.
func (e *ExecutionLockError) IsRetryable() bool { return true }

// TimeoutError represents a deadline that expired before the guarded
// operation finished. Runs transition to TIMED_OUT through the same pathway
// as any other terminal status.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "handler", "store round-trip").
	Operation string

	// Duration is how long the operation ran before timing out.
	Duration time.Duration

	// Cause is the underlying error (if any).
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType identifies the error category.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable reports whether the operation should be retried.
func (e *TimeoutError) IsRetryable() bool { return true }

// CircuitOpenError reports that a circuit breaker rejected the call without
// invoking the wrapped function. The calling site decides whether this
// counts as a failed run or a transient skip.
type CircuitOpenError struct {
	// Breaker is the breaker name.
	Breaker string

	// RetryAfter is how long until the breaker next admits a probe.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit %q open, retry after %v", e.Breaker, e.RetryAfter)
	}
	return fmt.Sprintf("circuit %q open", e.Breaker)
}

// ErrorType identifies the error category.
func (e *CircuitOpenError) ErrorType() string { return "circuit_open" }

// IsRetryable reports whether the operation should be retried.
func (e *CircuitOpenError) IsRetryable() bool { return true }

// RateLimitError reports that a non-blocking acquire was refused.
type RateLimitError struct {
	// Limiter names the limiter that refused, when known.
	Limiter string

	// RetryAfter is the wait before the request could be admitted.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.Limiter != "" {
		return fmt.Sprintf("rate limit %q exceeded, retry after %v", e.Limiter, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded, retry after %v", e.RetryAfter)
}

// ErrorType identifies the error category.
func (e *RateLimitError) ErrorType() string { return "rate_limited" }

// IsRetryable reports whether the operation should be retried.
func (e *RateLimitError) IsRetryable() bool { return true }

// NotFoundError represents a resource that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "run", "schedule", "dead letter").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType identifies the error category.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable reports whether the operation should be retried.
func (e *NotFoundError) IsRetryable() bool { return false }

// ValidationError represents invalid input: malformed specs, bad schedule
// definitions, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation.
	Field string

	// Message is the human-readable error description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType identifies the error category.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable reports whether the operation should be retried.
func (e *ValidationError) IsRetryable() bool { return false }

// ConfigError represents configuration problems: missing settings, invalid
// values, unreadable files.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g. "store.dsn").
	Key string

	// Reason explains what's wrong with the configuration.
	Reason string

	// Cause is the underlying error (e.g. file read error, parse error).
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// ErrorType identifies the error category.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable reports whether the operation should be retried.
func (e *ConfigError) IsRetryable() bool { return false }
