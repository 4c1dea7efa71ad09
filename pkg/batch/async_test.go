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
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestAsyncGathersInAddOrder(t *testing.T) {
	a := NewAsync(2)
	for i := 1; i <= 4; i++ {
		a.Go(fmt.Sprintf("job-%d", i), func(context.Context) (any, error) {
			if i == 3 {
				return nil, fmt.Errorf("job 3 is broken")
			}
			return i * 10, nil
		})
	}

	results, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, res := range results {
		if want := fmt.Sprintf("job-%d", i+1); res.Name != want {
			t.Fatalf("result %d is %s, want %s", i, res.Name, want)
		}
	}
	if results[2].Err == nil {
		t.Fatal("the broken job should carry its error")
	}
	for _, i := range []int{0, 1, 3} {
		if results[i].Err != nil {
			t.Fatalf("%s should not be cancelled by a sibling failure: %v", results[i].Name, results[i].Err)
		}
		if results[i].Value != (i+1)*10 {
			t.Fatalf("%s value = %v, want %d", results[i].Name, results[i].Value, (i+1)*10)
		}
	}
}

func TestAsyncHonorsConcurrencyLimit(t *testing.T) {
	var cur, peak atomic.Int64
	a := NewAsync(2)
	for i := 0; i < 8; i++ {
		a.Go("job", func(context.Context) (any, error) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			cur.Add(-1)
			return nil, nil
		})
	}

	if _, err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("saw %d jobs in flight, limit is 2", got)
	}
}

func TestAsyncParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a := NewAsync(1)
	a.Go("blocker", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a.Go("skipped", func(context.Context) (any, error) {
		return "ran anyway", nil
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	results, err := a.Run(ctx)
	if err != context.Canceled {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if results[0].Err != context.Canceled {
		t.Fatalf("blocker should return the context error, got %v", results[0].Err)
	}
	if results[1].Err != context.Canceled || results[1].Value != nil {
		t.Fatalf("the queued job should be skipped after cancellation, got %+v", results[1])
	}
}

func TestAsyncContainsPanics(t *testing.T) {
	a := NewAsync(0)
	a.Go("grenade", func(context.Context) (any, error) {
		panic("boom")
	})
	a.Go("fine", func(context.Context) (any, error) {
		return "ok", nil
	})

	results, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Err == nil || !strings.Contains(results[0].Err.Error(), "panicked") {
		t.Fatalf("panicking job should fail with a panic error, got %v", results[0].Err)
	}
	if results[1].Err != nil || results[1].Value != "ok" {
		t.Fatalf("siblings should be untouched, got %+v", results[1])
	}
}
