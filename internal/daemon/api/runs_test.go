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

	"github.com/tombee/cascade/internal/daemon/runner"
	"github.com/tombee/cascade/pkg/engine"
	"github.com/tombee/cascade/pkg/graph"
)

const inlineDefinition = `{
	"workflow": "",
	"definition": {
		"id": "wf-api",
		"nodes": [
			{"id": "t", "type": "trigger"},
			{"id": "a", "type": "action"}
		],
		"edges": [{"id": "e1", "source": "t", "target": "a"}]
	},
	"inputs": {"k": "v"}
}`

type apiFixture struct {
	eng    *engine.Engine
	runner *runner.Runner
	mux    *http.ServeMux
	cancel context.CancelFunc
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	eng := engine.New(engine.Options{})
	library := engine.WorkflowSourceFunc(func(_ context.Context, id string) (*graph.Workflow, error) {
		return &graph.Workflow{
			ID: id,
			Nodes: []graph.Node{
				{ID: "t", Type: "trigger"},
			},
		}, nil
	})
	r := runner.New(runner.Config{Workers: 2, QueueCapacity: 8}, eng, library, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(cancel)

	mux := http.NewServeMux()
	NewRunsHandler(r, eng).RegisterRoutes(mux)
	return &apiFixture{eng: eng, runner: r, mux: mux, cancel: cancel}
}

func (f *apiFixture) waitTerminal(t *testing.T, runID string) *engine.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := f.eng.Store().GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run never settled")
	return nil
}

func TestCreateRun_InlineDefinition(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(inlineDefinition))
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var run engine.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "wf-api", run.WorkflowID)

	final := f.waitTerminal(t, run.ID)
	assert.Equal(t, engine.RunCompleted, final.Status)
}

func TestCreateRun_ByReference(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(`{"workflow":"wf-lib"}`))
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var run engine.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	f.waitTerminal(t, run.ID)
}

func TestCreateRun_BadRequests(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"neither workflow nor definition", `{}`},
		{"invalid definition", `{"definition": {"id": "x", "nodes": []}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(tt.body))
			f.mux.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateRun_Draining(t *testing.T) {
	f := newAPIFixture(t)
	f.runner.Drain(time.Second)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(inlineDefinition))
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))
}

func TestGetRun(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(inlineDefinition)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created engine.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	f.waitTerminal(t, created.ID)

	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/absent", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(inlineDefinition)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created engine.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	f.waitTerminal(t, created.ID)

	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?workflow=wf-api", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	// Bad limit is rejected.
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCosts_UnknownRun(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/absent/costs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(inlineDefinition)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created engine.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	final := f.waitTerminal(t, created.ID)

	// Cancelling a settled run is a validation error.
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/runs/"+final.ID, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/runs/absent", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
