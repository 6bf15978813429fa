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

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tombee/cascade/internal/daemon/httputil"
	"github.com/tombee/cascade/internal/daemon/runner"
	"github.com/tombee/cascade/pkg/engine"
	"github.com/tombee/cascade/pkg/graph"
)

// RunsHandler handles run lifecycle API requests.
type RunsHandler struct {
	runner *runner.Runner
	eng    *engine.Engine
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(r *runner.Runner, eng *engine.Engine) *RunsHandler {
	return &RunsHandler{runner: r, eng: eng}
}

// RegisterRoutes registers run API routes on the router.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleCreate)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs/{id}/costs", h.handleGetCosts)
	mux.HandleFunc("DELETE /v1/runs/{id}", h.handleCancel)
}

// CreateRunRequest is the request body for creating a run. Workflow names
// a library definition; Definition supplies one inline and takes
// precedence.
type CreateRunRequest struct {
	Workflow   string          `json:"workflow,omitempty"`
	Definition json.RawMessage `json:"definition,omitempty"`
	Inputs     map[string]any  `json:"inputs,omitempty"`
	Global     map[string]any  `json:"global,omitempty"`
	Priority   int             `json:"priority,omitempty"`
}

// handleCreate handles POST /v1/runs.
func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if h.runner.IsDraining() {
		w.Header().Set("Retry-After", "10")
		httputil.WriteError(w, http.StatusServiceUnavailable, "daemon is shutting down gracefully")
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var inline *graph.Workflow
	if len(req.Definition) > 0 {
		var err error
		inline, err = graph.ParseWorkflow(req.Definition)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid workflow definition: %v", err))
			return
		}
	} else if req.Workflow == "" {
		httputil.WriteError(w, http.StatusBadRequest, "workflow or definition is required")
		return
	}

	run, err := h.runner.Submit(r.Context(), runner.SubmitRequest{
		WorkflowID: req.Workflow,
		Workflow:   inline,
		Trigger:    engine.Trigger{Type: "manual", Payload: req.Inputs},
		Global:     req.Global,
		Priority:   req.Priority,
	})
	if err != nil {
		httputil.WriteStoreError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, run)
}

// handleList handles GET /v1/runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := engine.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow"),
		Status:     engine.RunStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := h.eng.Store().ListRuns(r.Context(), filter)
	if err != nil {
		httputil.WriteStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGet handles GET /v1/runs/{id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.eng.Store().GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleGetCosts handles GET /v1/runs/{id}/costs.
func (h *RunsHandler) handleGetCosts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Confirm the run exists so unknown ids are 404, not an empty list.
	if _, err := h.eng.Store().GetRun(r.Context(), id); err != nil {
		httputil.WriteStoreError(w, err)
		return
	}

	records, err := h.eng.Store().ListCosts(r.Context(), id)
	if err != nil {
		httputil.WriteStoreError(w, err)
		return
	}
	var total float64
	for _, rec := range records {
		total += rec.CostUSD
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"records":        records,
		"total_cost_usd": total,
	})
}

// handleCancel handles DELETE /v1/runs/{id}.
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.eng.Cancel(r.Context(), id); err != nil {
		httputil.WriteStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "cancelling",
	})
}
