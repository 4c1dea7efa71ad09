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
	"sync"
	"testing"

	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

func TestBuilderComposesAndRuns(t *testing.T) {
	var mu sync.Mutex
	ticks := 0

	res, err := NewBuilder().
		Handle(work.KindTask, "shout", func(_ context.Context, params map[string]any) (any, error) {
			return map[string]any{"word": params["word"].(string) + "!"}, nil
		}).
		AddTask("shout", map[string]any{"word": "go"}).
		AddTask("shout", map[string]any{"word": "stop"}).
		WithWorkers(2).
		WithLogger(log.New(silentLogger())).
		OnProgress(func(done, total int, _ Item) {
			mu.Lock()
			ticks++
			mu.Unlock()
		}).
		Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Succeeded != 2 || res.Failed != 0 {
		t.Fatalf("counts = %+v, want 2 successes", res)
	}
	if res.Items[0].Result["word"] != "go!" {
		t.Fatalf("first item result = %v", res.Items[0].Result)
	}
	mu.Lock()
	defer mu.Unlock()
	if ticks != 2 {
		t.Fatalf("progress ticks = %d, want 2", ticks)
	}

	// Handle registrations stay private to the batch.
	if handler.Default().Has(work.KindTask, "shout") {
		t.Fatal("builder registrations must not leak into the process default registry")
	}
}

func TestBuilderSequentialStopsOnFailure(t *testing.T) {
	res, err := NewBuilder().
		Handle(work.KindTask, "trip", func(context.Context, map[string]any) (any, error) {
			return nil, context.DeadlineExceeded
		}).
		Handle(work.KindTask, "after", func(context.Context, map[string]any) (any, error) {
			return nil, nil
		}).
		AddTask("trip", nil).
		AddTask("after", nil).
		Sequential(true).
		WithLogger(log.New(silentLogger())).
		Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 1 || res.Pending != 1 {
		t.Fatalf("counts = %+v, want the second item left pending", res)
	}
}

func TestBuilderRejectsDuplicateRegistration(t *testing.T) {
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	_, err := NewBuilder().
		Handle(work.KindTask, "twice", noop).
		Handle(work.KindTask, "twice", noop).
		WithLogger(log.New(silentLogger())).
		Run(context.Background())
	if err == nil {
		t.Fatal("duplicate registrations should surface at Run")
	}
}

func TestBuilderUsesProvidedRegistry(t *testing.T) {
	reg := handler.NewRegistry()
	res, err := NewBuilder().
		WithHandlers(reg).
		Handle(work.KindTask, "echo", func(_ context.Context, params map[string]any) (any, error) {
			return params, nil
		}).
		AddTask("echo", map[string]any{"k": "v"}).
		WithLogger(log.New(silentLogger())).
		Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("counts = %+v, want 1 success", res)
	}
	if !reg.Has(work.KindTask, "echo") {
		t.Fatal("registrations should land in the provided registry")
	}
}
