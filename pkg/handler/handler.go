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

// Package handler maps (kind, name) pairs to executable functions. Workers
// and inline executors resolve handlers here before running a spec; anything
// submittable must be registered first.
package handler

import (
	"context"
	"sort"
	"sync"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

// Handler executes one unit of work. Params is the spec's argument map; the
// returned value is stored as the run result (maps are stored as-is, other
// values under an "output" key).
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Info describes a registered handler.
type Info struct {
	Kind        work.Kind `json:"kind"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Key returns the canonical "<kind>:<name>" registry key.
func (i Info) Key() string {
	return string(i.Kind) + ":" + i.Name
}

// Option customizes a registration.
type Option func(*Info)

// WithDescription attaches a human-readable description.
func WithDescription(desc string) Option {
	return func(i *Info) { i.Description = desc }
}

// WithTags attaches free-form tags.
func WithTags(tags ...string) Option {
	return func(i *Info) { i.Tags = append(i.Tags, tags...) }
}

type entry struct {
	info Info
	fn   Handler
}

// Registry maps (kind, name) pairs to handlers. Registration happens at
// startup; reads are lock-protected and cheap.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a handler for (kind, name). Registering the same pair twice
// is an error; replace deliberately with Deregister first.
func (r *Registry) Register(kind work.Kind, name string, fn Handler, opts ...Option) error {
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if fn == nil {
		return &errors.ValidationError{Field: "handler", Message: "must not be nil"}
	}
	if kind == "" {
		kind = work.KindTask
	}
	if !kind.Valid() {
		return &errors.ValidationError{Field: "kind", Message: "unknown kind " + string(kind)}
	}

	info := Info{Kind: kind, Name: name}
	for _, opt := range opts {
		opt(&info)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := info.Key()
	if _, exists := r.entries[key]; exists {
		return &errors.DuplicateHandlerError{Kind: string(kind), Name: name}
	}
	r.entries[key] = entry{info: info, fn: fn}
	return nil
}

// MustRegister is Register that panics on error, for init-time wiring.
func (r *Registry) MustRegister(kind work.Kind, name string, fn Handler, opts ...Option) {
	if err := r.Register(kind, name, fn, opts...); err != nil {
		panic(err)
	}
}

// Deregister removes a handler. It reports whether one was registered.
func (r *Registry) Deregister(kind work.Kind, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Info{Kind: kind, Name: name}.Key()
	_, existed := r.entries[key]
	delete(r.entries, key)
	return existed
}

// Get retrieves the handler for (kind, name).
func (r *Registry) Get(kind work.Kind, name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[Info{Kind: kind, Name: name}.Key()]
	if !ok {
		return nil, &errors.UnknownHandlerError{Kind: string(kind), Name: name}
	}
	return e.fn, nil
}

// Resolve parses a stored handler key ("<kind>:<name>" or bare "<name>",
// which defaults to kind task) and returns the handler.
func (r *Registry) Resolve(key string) (Handler, error) {
	kind, name := work.ParseHandlerKey(key)
	return r.Get(kind, name)
}

// Has reports whether (kind, name) is registered.
func (r *Registry) Has(kind work.Kind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[Info{Kind: kind, Name: name}.Key()]
	return ok
}

// List returns info for every registered handler, sorted by key.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Names returns the sorted handler names registered under kind.
func (r *Registry) Names(kind work.Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, e := range r.entries {
		if e.info.Kind == kind {
			names = append(names, e.info.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
