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

package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/metrics"
	"github.com/tombee/cascade/pkg/engine"
	"github.com/tombee/cascade/pkg/graph"
)

func testWorkflow(id string) *graph.Workflow {
	return &graph.Workflow{
		ID: id,
		Nodes: []graph.Node{
			{ID: "t", Type: "trigger"},
			{ID: "a", Type: "action"},
		},
		Edges: []graph.Edge{{ID: "e1", Source: "t", Target: "a"}},
	}
}

func newTestRunner(t *testing.T) (*Runner, *engine.Engine) {
	t.Helper()
	eng := engine.New(engine.Options{})
	library := engine.WorkflowSourceFunc(func(_ context.Context, id string) (*graph.Workflow, error) {
		return testWorkflow(id), nil
	})
	r := New(Config{Workers: 2, QueueCapacity: 16}, eng, library, metrics.New(), nil)
	return r, eng
}

func waitForStatus(t *testing.T, eng *engine.Engine, runID string, want engine.RunStatus) *engine.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := eng.Store().GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func TestSubmit_ExecutesQueuedRun(t *testing.T) {
	r, eng := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	run, err := r.Submit(ctx, SubmitRequest{
		WorkflowID: "wf-1",
		Trigger:    engine.Trigger{Type: "manual", Payload: map[string]any{"k": "v"}},
	})
	require.NoError(t, err)
	assert.Equal(t, engine.RunPending, run.Status)

	final := waitForStatus(t, eng, run.ID, engine.RunCompleted)
	assert.Equal(t, engine.NodeCompleted, final.NodeStates["a"].Status)
}

func TestSubmit_InlineWorkflow(t *testing.T) {
	eng := engine.New(engine.Options{})
	r := New(Config{Workers: 1, QueueCapacity: 4}, eng, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	run, err := r.Submit(ctx, SubmitRequest{
		Workflow: testWorkflow("inline"),
		Trigger:  engine.Trigger{Type: "manual"},
	})
	require.NoError(t, err)
	waitForStatus(t, eng, run.ID, engine.RunCompleted)
}

func TestSubmit_NoLibraryForReference(t *testing.T) {
	eng := engine.New(engine.Options{})
	r := New(Config{Workers: 1, QueueCapacity: 4}, eng, nil, nil, nil)

	_, err := r.Submit(context.Background(), SubmitRequest{WorkflowID: "wf-1"})
	require.Error(t, err)
}

func TestDrain_RefusesNewSubmissions(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Drain(time.Second)
	assert.True(t, r.IsDraining())

	_, err := r.Submit(ctx, SubmitRequest{WorkflowID: "wf-1"})
	require.Error(t, err)
}

func TestDrain_FinishesQueuedRuns(t *testing.T) {
	r, eng := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run, err := r.Submit(ctx, SubmitRequest{
		WorkflowID: "wf-1",
		Trigger:    engine.Trigger{Type: "manual"},
	})
	require.NoError(t, err)

	// Workers start after the submission is queued; drain must still
	// execute it before shutdown completes.
	r.Start(ctx)
	r.Drain(5 * time.Second)

	final, err := eng.Store().GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompleted, final.Status)
}
