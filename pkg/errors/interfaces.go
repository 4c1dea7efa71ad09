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

// Package errors defines the engine's error taxonomy: typed errors for state
// machine violations, registry misses, lock contention, deadlines, breaker
// rejections, and rate limits, plus helpers for wrapping and classification.
package errors

// Classifier defines methods for programmatic error handling. Errors that
// implement this interface can be classified by category for retry
// filtering, ledger persistence, and reporting.
type Classifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "timeout", "lock_held", "unknown_handler", "validation".
	ErrorType() string

	// IsRetryable returns true if the failed operation may be retried.
	IsRetryable() bool
}

// Compile-time checks that the taxonomy implements Classifier.
var (
	_ Classifier = (*InvalidTransitionError)(nil)
	_ Classifier = (*UnknownHandlerError)(nil)
	_ Classifier = (*LockHeldError)(nil)
	_ Classifier = (*ExecutionLockError)(nil)
	_ Classifier = (*TimeoutError)(nil)
	_ Classifier = (*CircuitOpenError)(nil)
	_ Classifier = (*RateLimitError)(nil)
	_ Classifier = (*NotFoundError)(nil)
	_ Classifier = (*ValidationError)(nil)
	_ Classifier = (*ConfigError)(nil)
)
