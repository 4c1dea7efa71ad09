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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/foreman/pkg/httpclient"
	"github.com/tombee/foreman/pkg/retry"
)

// ErrProbeTimeout is returned when the daemon never reports healthy within
// the wait window.
var ErrProbeTimeout = errors.New("health probe timed out")

// Probe polls a foremand /health endpoint. Start uses it to decide when a
// spawned daemon is ready, and to recognize an already-running one.
type Probe struct {
	url     string
	client  *http.Client
	backoff retry.Exponential
}

// ProbeResult is the outcome of a single health check.
type ProbeResult struct {
	Healthy bool
	Status  int
	Elapsed time.Duration
	Err     error
}

// NewProbe builds a probe for the daemon at baseURL (scheme and host, no
// path).
func NewProbe(baseURL string) *Probe {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 5 * time.Second
	// The probe runs its own schedule; transport retries would stack on
	// top of it.
	cfg.RetryAttempts = 0
	client, err := httpclient.New(cfg)
	if err != nil {
		// Unreachable: the config above always validates.
		panic(err)
	}

	return &Probe{
		url:    strings.TrimRight(baseURL, "/") + "/health",
		client: client,
		backoff: retry.Exponential{
			Base: 50 * time.Millisecond,
			Max:  1 * time.Second,
		},
	}
}

// WithClient substitutes the HTTP client, for tests.
func (p *Probe) WithClient(client *http.Client) *Probe {
	p.client = client
	return p
}

// Check performs one health check.
func (p *Probe) Check(ctx context.Context) ProbeResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return ProbeResult{Err: fmt.Errorf("build probe request: %w", err)}
	}

	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return ProbeResult{Elapsed: elapsed, Err: err}
	}
	defer resp.Body.Close()

	return ProbeResult{
		Healthy: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:  resp.StatusCode,
		Elapsed: elapsed,
	}
}

// Wait polls until the endpoint reports healthy, backing off between
// attempts, for at most timeout. The error wraps ErrProbeTimeout and
// carries the last failure.
func (p *Probe) Wait(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0
	for {
		result := p.Check(ctx)
		if result.Healthy {
			return nil
		}

		last := result.Err
		if last == nil {
			last = fmt.Errorf("status %d", result.Status)
		}

		delay := p.backoff.NextDelay(attempts)
		attempts++

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %d attempts: %v", ErrProbeTimeout, attempts, last)
		case <-time.After(delay):
		}
	}
}
