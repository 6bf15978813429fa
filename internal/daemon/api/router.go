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

// Package api provides the HTTP API for the cascaded daemon.
package api

import (
	"log/slog"
	"net/http"

	"github.com/tombee/cascade/internal/daemon/httputil"
	"github.com/tombee/cascade/internal/log"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version string
	Commit  string
}

// Router wraps an http.ServeMux with request logging.
type Router struct {
	mux     *http.ServeMux
	config  RouterConfig
	logging *log.HTTPMiddleware
}

// NewRouter creates the router with health and version endpoints.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		config:  cfg,
		logging: log.NewHTTPMiddleware(logger),
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// ServeHTTP implements http.Handler, wrapping the mux in request logging.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.logging.Wrap(r.mux).ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

func (r *Router) handleRoot(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "cascaded",
		"version": r.config.Version,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version": r.config.Version,
		"commit":  r.config.Commit,
	})
}
