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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/graph"
)

type fakeLibrary map[string]*graph.Workflow

func (f fakeLibrary) GetWorkflow(_ context.Context, id string) (*graph.Workflow, error) {
	wf, ok := f[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return wf, nil
}

func (f fakeLibrary) List() []string {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	return ids
}

func TestWorkflows_List(t *testing.T) {
	lib := fakeLibrary{
		"beta":  {ID: "beta"},
		"alpha": {ID: "alpha"},
	}
	mux := http.NewServeMux()
	NewWorkflowsHandler(lib).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workflows", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workflows []string `json:"workflows"`
		Count     int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, []string{"alpha", "beta"}, body.Workflows)
}

func TestWorkflows_Get(t *testing.T) {
	lib := fakeLibrary{"alpha": {ID: "alpha", Name: "Alpha"}}
	mux := http.NewServeMux()
	NewWorkflowsHandler(lib).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workflows/alpha", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var wf graph.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	assert.Equal(t, "alpha", wf.ID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workflows/absent", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
