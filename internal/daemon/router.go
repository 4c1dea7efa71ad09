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

package daemon

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/tombee/foreman/internal/health"
	"github.com/tombee/foreman/internal/log"
)

// routerConfig wires the daemon HTTP surface.
type routerConfig struct {
	Version   string
	Commit    string
	BuildDate string

	// Checker answers /health.
	Checker *health.Checker

	// Metrics answers /metrics when non-nil.
	Metrics http.Handler
}

// router is the foremand HTTP surface: health, metrics and version. The
// engine itself is driven by the worker and scheduler loops, not HTTP.
// Request logging lives in the middleware the daemon wraps around it.
type router struct {
	mux *http.ServeMux
	cfg routerConfig
}

func newRouter(cfg routerConfig) *router {
	r := &router{
		mux: http.NewServeMux(),
		cfg: cfg,
	}

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /version", r.handleVersion)
	if cfg.Metrics != nil {
		r.mux.Handle("GET /metrics", cfg.Metrics)
	}
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// ServeHTTP implements http.Handler.
func (r *router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// handleRoot handles GET / for basic connectivity checks.
func (r *router) handleRoot(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "foremand",
		"version": r.cfg.Version,
	})
}

// handleHealth handles GET /health. The status code follows the report:
// 200 while healthy or degraded, 503 once any check fails.
func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	report := r.cfg.Checker.Check(req.Context())
	writeJSON(w, report.HTTPStatus(), report)
}

// VersionResponse is the response format for /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// handleVersion handles GET /version.
func (r *router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   r.cfg.Version,
		Commit:    r.cfg.Commit,
		BuildDate: r.cfg.BuildDate,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", log.Error(err))
	}
}
