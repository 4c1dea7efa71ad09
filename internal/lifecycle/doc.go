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

// Package lifecycle manages a foremand process from the outside: pidfile
// ownership, liveness and identity checks, detached spawning, and health
// polling. The start, stop, and restart commands are built on it, and a
// serving daemon uses Acquire to pin itself to a pidfile.
//
// Liveness is keyed on the pidfile's flock rather than on signal probing:
// the serving process holds the lock for its lifetime, so a lock that can
// be taken means the owner is gone and the file is stale, however it died.
package lifecycle
