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
	"io"
	"net"
	"net/http"

	"github.com/tombee/cascade/internal/daemon/auth"
	"github.com/tombee/cascade/internal/daemon/httputil"
	"github.com/tombee/cascade/pkg/engine"
	"github.com/tombee/cascade/pkg/errors"
)

// WaitTokenHeader carries the webhook resume secret.
const WaitTokenHeader = "X-Wait-Token"

// WaitHandler resumes webhook-wait suspensions addressed by path. This is
// the daemon's only unauthenticated write surface, so it is rate limited
// per client IP.
type WaitHandler struct {
	eng     *engine.Engine
	limiter *auth.RateLimiter
}

// NewWaitHandler creates a wait handler.
func NewWaitHandler(eng *engine.Engine, limiter *auth.RateLimiter) *WaitHandler {
	return &WaitHandler{eng: eng, limiter: limiter}
}

// RegisterRoutes registers the public wait route on the router.
func (h *WaitHandler) RegisterRoutes(mux *http.ServeMux) {
	handler := http.HandlerFunc(h.handleResume)
	if h.limiter != nil {
		mux.Handle("POST /v1/wait/{path}", h.limiter.Middleware(handler))
		return
	}
	mux.Handle("POST /v1/wait/{path}", handler)
}

// handleResume handles POST /v1/wait/{path}.
func (h *WaitHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")

	var payload map[string]any
	if body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "payload must be a JSON object")
			return
		}
	}

	susp, err := h.eng.Store().GetSuspensionByPath(r.Context(), path)
	if err != nil {
		httputil.WriteStoreError(w, err)
		return
	}

	if !remoteAllowed(r.RemoteAddr, susp.AllowedIPs) {
		httputil.WriteError(w, http.StatusForbidden, "remote address is not allowed to resume this wait")
		return
	}

	run, err := h.eng.Resume(r.Context(), susp.ID, r.Header.Get(WaitTokenHeader), payload)
	if err != nil {
		var ve *errors.ValidationError
		if errors.As(err, &ve) && ve.Field == "token" {
			httputil.WriteError(w, http.StatusForbidden, "resume token does not match")
			return
		}
		httputil.WriteStoreError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

// remoteAllowed checks the caller's address against the suspension's IP
// allow-list. Entries may be plain IPs or CIDR ranges.
func remoteAllowed(remoteAddr string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, entry := range allowed {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}
