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

// Package builtin ships the stock task handlers: echo, sleep, fail,
// http.request and transform.jq. shell.run exists too but is never
// registered by RegisterAll; hosts that want subprocess execution opt in
// with RegisterShell.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

// MaxSleepDuration caps the sleep handler to prevent abuse.
const MaxSleepDuration = 5 * time.Minute

// RegisterAll registers the safe built-in handlers under kind task.
// shell.run is deliberately excluded; see RegisterShell.
func RegisterAll(reg *handler.Registry) error {
	builtins := []struct {
		name string
		fn   handler.Handler
		desc string
	}{
		{"echo", Echo, "returns its params unchanged"},
		{"sleep", Sleep, "pauses for 'duration' or 'milliseconds'"},
		{"fail", Fail, "fails deterministically with 'message'"},
		{"http.request", NewHTTP(nil).Request, "performs an HTTP request"},
		{"transform.jq", NewJQ(0, 0).Transform, "applies a jq expression to 'input'"},
	}
	for _, b := range builtins {
		if err := reg.Register(work.KindTask, b.name, b.fn, handler.WithDescription(b.desc), handler.WithTags("builtin")); err != nil {
			return fmt.Errorf("failed to register builtin %q: %w", b.name, err)
		}
	}
	return nil
}

// Echo returns its params unchanged. Useful for smoke tests and as a
// scheduling no-op target.
func Echo(ctx context.Context, params map[string]any) (any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	return params, nil
}

// Sleep pauses for a duration given either as a "duration" string ("5s",
// "100ms") or a "milliseconds" number, honoring context cancellation.
func Sleep(ctx context.Context, params map[string]any) (any, error) {
	var d time.Duration

	switch {
	case params["duration"] != nil:
		str, ok := params["duration"].(string)
		if !ok {
			return nil, fmt.Errorf("'duration' must be a string, got %T", params["duration"])
		}
		parsed, err := time.ParseDuration(str)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", str, err)
		}
		d = parsed
	case params["milliseconds"] != nil:
		ms, err := toInt64(params["milliseconds"])
		if err != nil {
			return nil, fmt.Errorf("invalid 'milliseconds': %w", err)
		}
		d = time.Duration(ms) * time.Millisecond
	default:
		return nil, errors.New("provide 'duration' (string) or 'milliseconds' (number)")
	}

	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %v", d)
	}
	if d > MaxSleepDuration {
		return nil, fmt.Errorf("duration %v exceeds maximum allowed (%v)", d, MaxSleepDuration)
	}

	start := time.Now()
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, fmt.Errorf("sleep cancelled after %v of %v: %w",
			time.Since(start).Round(time.Millisecond), d, ctx.Err())
	}

	return map[string]any{"slept_ms": d.Milliseconds()}, nil
}

// Fail returns an error built from the "message" param. It exists for
// testing retry, DLQ and alerting paths end to end.
func Fail(ctx context.Context, params map[string]any) (any, error) {
	msg := "intentional failure"
	if m, ok := params["message"].(string); ok && m != "" {
		msg = m
	}
	return nil, errors.New(msg)
}

// toInt64 converts the numeric types JSON decoding produces.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
