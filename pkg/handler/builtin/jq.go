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

package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultJQTimeout bounds jq evaluation; expressions can loop forever.
	DefaultJQTimeout = 1 * time.Second

	// DefaultJQMaxInputSize caps the serialized input (10MB).
	DefaultJQMaxInputSize = 10 * 1024 * 1024
)

// JQ is the transform.jq handler: it evaluates a jq expression against a
// JSON value with a hard timeout and an input size cap.
type JQ struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewJQ creates the handler. Zero values select the defaults.
func NewJQ(timeout time.Duration, maxInputSize int64) *JQ {
	if timeout == 0 {
		timeout = DefaultJQTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultJQMaxInputSize
	}
	return &JQ{timeout: timeout, maxInputSize: maxInputSize}
}

// Transform evaluates params["expr"] against params["input"]. A single jq
// output is returned directly; multiple outputs come back as an array.
func (j *JQ) Transform(ctx context.Context, params map[string]any) (any, error) {
	expr, _ := params["expr"].(string)
	if expr == "" {
		return nil, fmt.Errorf("'expr' is required")
	}
	input := params["input"]

	if err := j.validateInputSize(input); err != nil {
		return nil, err
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)

	go func() {
		iter := code.RunWithContext(execCtx, input)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errCh <- err
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		return map[string]any{"output": result}, nil
	case err := <-errCh:
		return nil, fmt.Errorf("jq evaluation failed: %w", err)
	case <-execCtx.Done():
		return nil, fmt.Errorf("jq evaluation timeout after %v", j.timeout)
	}
}

// Validate compiles an expression without running it. Used when schedules
// or pipelines embed transforms, to catch syntax errors early.
func (j *JQ) Validate(expr string) error {
	if expr == "" {
		return nil
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}

func (j *JQ) validateInputSize(input any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	if int64(len(data)) > j.maxInputSize {
		return fmt.Errorf("input size (%d bytes) exceeds maximum (%d bytes)", len(data), j.maxInputSize)
	}
	return nil
}
