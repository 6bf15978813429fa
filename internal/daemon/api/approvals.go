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

	"github.com/tombee/cascade/internal/daemon/auth"
	"github.com/tombee/cascade/internal/daemon/httputil"
	"github.com/tombee/cascade/pkg/engine"
)

// ApprovalsHandler resolves approval suspensions with signed tokens. The
// daemon mints a JWT per suspension; presenting it approves or rejects the
// waiting node.
type ApprovalsHandler struct {
	eng    *engine.Engine
	signer *auth.TokenSigner
}

// NewApprovalsHandler creates an approvals handler.
func NewApprovalsHandler(eng *engine.Engine, signer *auth.TokenSigner) *ApprovalsHandler {
	return &ApprovalsHandler{eng: eng, signer: signer}
}

// RegisterRoutes registers approval routes on the router.
func (h *ApprovalsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/approvals", h.handleDecide)
	mux.HandleFunc("GET /v1/suspensions/{id}/approval-token", h.handleMintToken)
}

// ApprovalRequest is the request body for deciding an approval.
type ApprovalRequest struct {
	Token    string `json:"token"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// handleDecide handles POST /v1/approvals.
func (h *ApprovalsHandler) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		httputil.WriteError(w, http.StatusBadRequest, "token is required")
		return
	}

	suspensionID, resumeToken, err := h.signer.Verify(req.Token)
	if err != nil {
		httputil.WriteError(w, http.StatusForbidden, err.Error())
		return
	}

	payload := map[string]any{"approved": req.Approved}
	if req.Comment != "" {
		payload["comment"] = req.Comment
	}

	run, err := h.eng.Resume(r.Context(), suspensionID, resumeToken, payload)
	if err != nil {
		httputil.WriteStoreError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run_id":   run.ID,
		"status":   run.Status,
		"approved": req.Approved,
	})
}

// handleMintToken handles GET /v1/suspensions/{id}/approval-token. It
// issues the signed token operators embed in approval links.
func (h *ApprovalsHandler) handleMintToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	susp, err := h.eng.Store().GetSuspension(r.Context(), id)
	if err != nil {
		httputil.WriteStoreError(w, err)
		return
	}
	if susp.Kind != engine.SuspendApproval {
		httputil.WriteError(w, http.StatusBadRequest, "suspension is not an approval")
		return
	}
	if susp.Resolved {
		httputil.WriteError(w, http.StatusConflict, "suspension already resolved")
		return
	}

	token, err := h.signer.Mint(susp.ID, susp.Token)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"suspension_id": susp.ID,
		"token":         token,
	})
}
