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
	"github.com/tombee/cascade/internal/daemon/scheduler"
)

// SchedulesHandler exposes the cron scheduler state.
type SchedulesHandler struct {
	sched *scheduler.Scheduler
}

// NewSchedulesHandler creates a schedules handler.
func NewSchedulesHandler(sched *scheduler.Scheduler) *SchedulesHandler {
	return &SchedulesHandler{sched: sched}
}

// RegisterRoutes registers schedule routes on the router.
func (h *SchedulesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/schedules", h.handleList)
	mux.HandleFunc("PATCH /v1/schedules/{name}", h.handleUpdate)
}

// handleList handles GET /v1/schedules.
func (h *SchedulesHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	status := h.sched.Status()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"schedules": status,
		"count":     len(status),
	})
}

// UpdateScheduleRequest is the request body for toggling a schedule.
type UpdateScheduleRequest struct {
	Enabled bool `json:"enabled"`
}

// handleUpdate handles PATCH /v1/schedules/{name}.
func (h *SchedulesHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := r.PathValue("name")
	if err := h.sched.SetEnabled(name, req.Enabled); err != nil {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"enabled": req.Enabled,
	})
}
