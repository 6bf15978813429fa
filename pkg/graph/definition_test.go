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

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

const sampleWorkflowJSON = `{
  "id": "wf-1",
  "name": "enrich-leads",
  "version": 2,
  "nodes": [
    {"id": "t", "type": "trigger", "position": {"x": 0, "y": 0}},
    {"id": "fetch", "type": "http", "position": {"x": 100, "y": 0},
     "data": {"url": "https://api.example.com/leads", "method": "GET"}}
  ],
  "edges": [
    {"id": "e1", "source": "t", "target": "fetch"}
  ],
  "variables": [
    {"name": "region", "type": "string", "defaultValue": "eu", "required": false}
  ],
  "settings": {"maxExecutionTime": 60000, "parallelLimit": 3}
}`

func TestParseWorkflow(t *testing.T) {
	wf, err := ParseWorkflow([]byte(sampleWorkflowJSON))
	require.NoError(t, err)

	assert.Equal(t, "wf-1", wf.ID)
	assert.Equal(t, 2, wf.Version)
	require.Len(t, wf.Nodes, 2)
	assert.Equal(t, "GET", wf.Nodes[1].Config["method"])

	// Defaults fill unset settings but keep explicit values.
	assert.Equal(t, 60000, wf.Settings.MaxExecutionTime)
	assert.Equal(t, 3, wf.Settings.ParallelLimit)
	assert.Equal(t, DefaultMaxRetries, wf.Settings.MaxRetries)
	assert.Equal(t, ErrorHandlingFailFast, wf.Settings.ErrorHandling)
}

func TestParseWorkflow_InvalidJSON(t *testing.T) {
	_, err := ParseWorkflow([]byte(`{not json`))
	var verr *cascadeerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "workflow", verr.Field)
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	w := &Workflow{
		ID: "wf",
		Nodes: []Node{
			{ID: "a", Type: "action"},
			{ID: "a", Type: "action"},
		},
	}
	err := w.Validate()
	var verr *cascadeerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "duplicate node id")
}

func TestValidate_DanglingEdge(t *testing.T) {
	w := &Workflow{
		ID:    "wf",
		Nodes: []Node{{ID: "a", Type: "action"}},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "missing"}},
	}
	err := w.Validate()
	var verr *cascadeerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "unknown target node")
}

func TestInitialVariables(t *testing.T) {
	w := &Workflow{
		Variables: []Variable{
			{Name: "region", Type: "string", DefaultValue: "eu"},
			{Name: "limit", Type: "number", Required: true},
		},
	}

	vars, err := w.InitialVariables(map[string]any{"limit": 10})
	require.NoError(t, err)
	assert.Equal(t, "eu", vars["region"])
	assert.Equal(t, 10, vars["limit"])

	_, err = w.InitialVariables(nil)
	var verr *cascadeerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "variables.limit", verr.Field)
}

func TestNodeByID(t *testing.T) {
	w := linearWorkflow()
	require.NotNil(t, w.NodeByID("a"))
	assert.Equal(t, "action", w.NodeByID("a").Type)
	assert.Nil(t, w.NodeByID("nope"))
}
