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

package handler

import (
	"sync"

	"github.com/tombee/foreman/pkg/work"
)

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry, creating it on first use.
// Components that are not handed an explicit registry fall back to it;
// tests should inject their own instead.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry()
	})
	return defaultReg
}

// Register adds a handler to the default registry.
func Register(kind work.Kind, name string, fn Handler, opts ...Option) error {
	return Default().Register(kind, name, fn, opts...)
}

// MustRegister adds a handler to the default registry, panicking on error.
func MustRegister(kind work.Kind, name string, fn Handler, opts ...Option) {
	Default().MustRegister(kind, name, fn, opts...)
}

// Get retrieves a handler from the default registry.
func Get(kind work.Kind, name string) (Handler, error) {
	return Default().Get(kind, name)
}

// Resolve resolves a handler key against the default registry.
func Resolve(key string) (Handler, error) {
	return Default().Resolve(key)
}
