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

package log

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader is the header carrying (or receiving) the request ID.
const RequestIDHeader = "X-Request-ID"

// HTTPMiddleware logs one line per request with method, path, status and
// duration. Probe paths (health, metrics) log at debug so steady-state
// scraping does not drown the log.
type HTTPMiddleware struct {
	logger *slog.Logger
	quiet  map[string]bool
}

// NewHTTPMiddleware creates request-logging middleware. quietPaths are
// logged at debug instead of info.
func NewHTTPMiddleware(logger *slog.Logger, quietPaths ...string) *HTTPMiddleware {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}
	return &HTTPMiddleware{logger: logger, quiet: quiet}
}

// statusRecorder captures the response status and size for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Wrap returns a handler that logs every request served by next. A missing
// X-Request-ID is filled in and echoed on the response.
func (m *HTTPMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			"event", "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
			"request_id", requestID,
		}

		switch {
		case rec.status >= 500:
			m.logger.Error("http request failed", attrs...)
		case rec.status >= 400:
			m.logger.Warn("http request rejected", attrs...)
		case m.quiet[r.URL.Path]:
			m.logger.Debug("http request served", attrs...)
		default:
			m.logger.Info("http request served", attrs...)
		}
	})
}
