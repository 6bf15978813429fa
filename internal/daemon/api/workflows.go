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
	"context"
	"net/http"
	"sort"

	"github.com/tombee/cascade/internal/daemon/httputil"
	"github.com/tombee/cascade/pkg/graph"
)

// WorkflowLibrary is the read surface of the workflow library.
type WorkflowLibrary interface {
	GetWorkflow(ctx context.Context, id string) (*graph.Workflow, error)
	List() []string
}

// WorkflowsHandler serves loaded workflow definitions.
type WorkflowsHandler struct {
	library WorkflowLibrary
}

// NewWorkflowsHandler creates a workflows handler.
func NewWorkflowsHandler(library WorkflowLibrary) *WorkflowsHandler {
	return &WorkflowsHandler{library: library}
}

// RegisterRoutes registers workflow routes on the router.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/workflows", h.handleList)
	mux.HandleFunc("GET /v1/workflows/{id}", h.handleGet)
}

// handleList handles GET /v1/workflows.
func (h *WorkflowsHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	ids := h.library.List()
	sort.Strings(ids)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"workflows": ids,
		"count":     len(ids),
	})
}

// handleGet handles GET /v1/workflows/{id}.
func (h *WorkflowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.library.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wf)
}
