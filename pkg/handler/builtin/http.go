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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/foreman/pkg/httpclient"
)

const (
	// DefaultHTTPTimeout bounds a single request when params don't set one.
	DefaultHTTPTimeout = 30 * time.Second

	// MaxResponseSize caps how much of a response body is read (10MB).
	MaxResponseSize = 10 * 1024 * 1024
)

// HTTPConfig holds configuration for the http.request handler.
type HTTPConfig struct {
	// Timeout is the default per-request timeout.
	Timeout time.Duration

	// Client overrides the HTTP client, for tests.
	Client *http.Client
}

// HTTP is the http.request handler. One instance is safe for concurrent use.
type HTTP struct {
	config HTTPConfig
}

// NewHTTP creates the handler with defaults filled in.
func NewHTTP(config *HTTPConfig) *HTTP {
	cfg := HTTPConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	if cfg.Client == nil {
		// The shared client retries transient failures below the run
		// retry policy and redacts URL secrets from its logs.
		cfg.Client = httpclient.Default()
	}
	return &HTTP{config: cfg}
}

// Request performs one HTTP request described by params: "url" (required),
// "method" (default GET), "headers" (map), "body" (string or JSON value),
// "timeout" (duration string). JSON responses are decoded; everything else
// is returned as a string.
func (h *HTTP) Request(ctx context.Context, params map[string]any) (any, error) {
	url, ok := params["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("'url' is required")
	}

	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	timeout := h.config.Timeout
	if t, ok := params["timeout"].(string); ok && t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", t, err)
		}
		timeout = parsed
	}

	var body io.Reader
	contentType := ""
	if raw, ok := params["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode body: %w", err)
			}
			body = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := h.config.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var decoded any = string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			decoded = v
		}
	}

	result := map[string]any{
		"status":      resp.StatusCode,
		"body":        decoded,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	// Non-2xx is a handler failure so retry policies see it, but the
	// response details still travel in the error message.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("http %s %s returned status %d", method, url, resp.StatusCode)
	}
	return result, nil
}
