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
	"net/http"

	"github.com/tombee/cascade/internal/daemon/httputil"
	"github.com/tombee/cascade/pkg/engine"
)

// PinsHandler manages pinned node outputs.
type PinsHandler struct {
	pins *engine.PinManager
}

// NewPinsHandler creates a pins handler.
func NewPinsHandler(pins *engine.PinManager) *PinsHandler {
	return &PinsHandler{pins: pins}
}

// RegisterRoutes registers pin routes on the router.
func (h *PinsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /v1/workflows/{workflow}/pins/{node}", h.handleSet)
	mux.HandleFunc("GET /v1/workflows/{workflow}/pins/{node}", h.handleGet)
	mux.HandleFunc("DELETE /v1/workflows/{workflow}/pins/{node}", h.handleDelete)
}

// SetPinRequest is the request body for storing a pin.
type SetPinRequest struct {
	Data any    `json:"data"`
	Mode string `json:"mode,omitempty"`
}

// handleSet handles PUT /v1/workflows/{workflow}/pins/{node}.
func (h *PinsHandler) handleSet(w http.ResponseWriter, r *http.Request) {
	var req SetPinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	workflowID := r.PathValue("workflow")
	nodeID := r.PathValue("node")
	if err := h.pins.Set(r.Context(), workflowID, nodeID, req.Data, req.Mode); err != nil {
		httputil.WriteStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"workflow": workflowID,
		"node":     nodeID,
	})
}

// handleGet handles GET /v1/workflows/{workflow}/pins/{node}.
func (h *PinsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	pin, err := h.pins.Lookup(r.Context(), r.PathValue("workflow"), r.PathValue("node"))
	if err != nil {
		httputil.WriteStoreError(w, err)
		return
	}
	if pin == nil {
		httputil.WriteError(w, http.StatusNotFound, "pin not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pin)
}

// handleDelete handles DELETE /v1/workflows/{workflow}/pins/{node}.
func (h *PinsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.pins.Delete(r.Context(), r.PathValue("workflow"), r.PathValue("node")); err != nil {
		httputil.WriteStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
