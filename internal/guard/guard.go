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

// Package guard provides TTL-based advisory locks keyed by arbitrary
// strings. Locks are held on behalf of a run and expire on their own, so a
// crashed holder never wedges the key. Acquisition is re-entrant for the
// same run, which refreshes the TTL.
package guard

import (
	"context"
	"time"
)

// DefaultTTL applies when Acquire is called with a non-positive ttl.
const DefaultTTL = 15 * time.Minute

// Guard is the advisory lock contract. Implementations must be safe for
// concurrent use.
type Guard interface {
	// Acquire takes the lock for runID. It returns false when another
	// run holds the key and the hold has not expired. Acquiring a key
	// already held by the same run refreshes its expiry and returns true.
	Acquire(ctx context.Context, key, runID string, ttl time.Duration) (bool, error)

	// Release frees the lock if runID holds it. Releasing an absent lock
	// is a no-op; releasing another run's lock is an error.
	Release(ctx context.Context, key, runID string) error

	// IsLocked reports whether the key is held and unexpired.
	IsLocked(ctx context.Context, key string) (bool, error)

	// Holder returns the run holding the key, or "" when it is free.
	Holder(ctx context.Context, key string) (string, error)

	// Extend pushes the expiry of a lock held by runID.
	Extend(ctx context.Context, key, runID string, ttl time.Duration) error

	// CleanupExpired removes expired rows, returning how many were
	// reaped.
	CleanupExpired(ctx context.Context) (int, error)

	// ActiveCount returns the number of live locks. Feeds health checks.
	ActiveCount(ctx context.Context) (int, error)
}
