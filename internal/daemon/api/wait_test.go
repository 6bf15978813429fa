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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/daemon/auth"
	"github.com/tombee/cascade/pkg/engine"
	"github.com/tombee/cascade/pkg/graph"
)

func waitWorkflow(mode string) *graph.Workflow {
	return &graph.Workflow{
		ID: "wf-wait",
		Nodes: []graph.Node{
			{ID: "t", Type: "trigger"},
			{ID: "w", Type: "wait", Config: map[string]any{"mode": mode}},
			{ID: "out", Type: "action"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "t", Target: "w"},
			{ID: "e2", Source: "w", Target: "out"},
		},
	}
}

// startSuspended runs a webhook-wait workflow to its suspension point and
// returns the engine plus the pending suspension.
func startSuspended(t *testing.T, mode string) (*engine.Engine, *engine.Suspension) {
	t.Helper()
	eng := engine.New(engine.Options{})

	run, err := eng.StartRun(context.Background(), waitWorkflow(mode), engine.Trigger{
		Type:      "manual",
		Timestamp: time.Now().UTC(),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, engine.RunSuspended, run.Status)

	susp, err := eng.Store().GetSuspension(context.Background(), run.SuspensionID)
	require.NoError(t, err)
	return eng, susp
}

func TestWait_ResumeByPath(t *testing.T) {
	eng, susp := startSuspended(t, "webhook")

	mux := http.NewServeMux()
	NewWaitHandler(eng, nil).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wait/"+susp.WebhookPath, strings.NewReader(`{"result": 42}`))
	req.Header.Set(WaitTokenHeader, susp.Token)
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, susp.RunID, body.RunID)
	assert.Equal(t, string(engine.RunCompleted), body.Status)
}

func TestWait_WrongToken(t *testing.T) {
	eng, susp := startSuspended(t, "webhook")

	mux := http.NewServeMux()
	NewWaitHandler(eng, nil).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wait/"+susp.WebhookPath, nil)
	req.Header.Set(WaitTokenHeader, "not-the-token")
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The run is still suspended.
	run, err := eng.Store().GetRun(context.Background(), susp.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunSuspended, run.Status)
}

func TestWait_UnknownPath(t *testing.T) {
	eng, _ := startSuspended(t, "webhook")

	mux := http.NewServeMux()
	NewWaitHandler(eng, nil).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/wait/no-such-path", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWait_BadPayload(t *testing.T) {
	eng, susp := startSuspended(t, "webhook")

	mux := http.NewServeMux()
	NewWaitHandler(eng, nil).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wait/"+susp.WebhookPath, strings.NewReader(`[1, 2]`))
	req.Header.Set(WaitTokenHeader, susp.Token)
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWait_IPAllowList(t *testing.T) {
	eng := engine.New(engine.Options{})

	wf := waitWorkflow("webhook")
	wf.Nodes[1].Config["allowedIps"] = []any{"198.51.100.0/24"}

	run, err := eng.StartRun(context.Background(), wf, engine.Trigger{
		Type:      "manual",
		Timestamp: time.Now().UTC(),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, engine.RunSuspended, run.Status)

	susp, err := eng.Store().GetSuspension(context.Background(), run.SuspensionID)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewWaitHandler(eng, nil).RegisterRoutes(mux)

	// A caller outside the allowed range is rejected even with the token.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wait/"+susp.WebhookPath, nil)
	req.Header.Set(WaitTokenHeader, susp.Token)
	req.RemoteAddr = "203.0.113.9:3000"
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	stored, err := eng.Store().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunSuspended, stored.Status)

	// A caller inside the range resumes normally.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/wait/"+susp.WebhookPath, nil)
	req.Header.Set(WaitTokenHeader, susp.Token)
	req.RemoteAddr = "198.51.100.7:3000"
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestWait_RateLimited(t *testing.T) {
	eng, susp := startSuspended(t, "webhook")

	mux := http.NewServeMux()
	NewWaitHandler(eng, auth.NewRateLimiter(1, 1)).RegisterRoutes(mux)

	// First request consumes the burst, second is throttled before any
	// suspension lookup happens.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wait/"+susp.WebhookPath, nil)
	req.Header.Set(WaitTokenHeader, "wrong")
	req.RemoteAddr = "203.0.113.7:4242"
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/wait/"+susp.WebhookPath, nil)
	req.RemoteAddr = "203.0.113.7:4242"
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
