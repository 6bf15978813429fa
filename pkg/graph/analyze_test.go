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

func linearWorkflow() *Workflow {
	w := &Workflow{
		ID:   "wf-linear",
		Name: "linear",
		Nodes: []Node{
			{ID: "t", Type: "trigger"},
			{ID: "a", Type: "action"},
			{ID: "b", Type: "action"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "t", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
		},
	}
	w.ApplyDefaults()
	return w
}

func TestAnalyze_LinearWaves(t *testing.T) {
	a, err := Analyze(linearWorkflow())
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"t"}, {"a"}, {"b"}}, a.Waves)
	assert.Equal(t, []string{"t", "a", "b"}, a.SortedNodeIDs)
	assert.Empty(t, a.BranchNodeIDs)
	assert.Empty(t, a.MergeNodeIDs)
	assert.Equal(t, 0, a.WaveOf("t"))
	assert.Equal(t, 2, a.WaveOf("b"))
}

func TestAnalyze_BranchAndMergeClassification(t *testing.T) {
	w := &Workflow{
		ID: "wf-diamond",
		Nodes: []Node{
			{ID: "t", Type: "trigger"},
			{ID: "cond", Type: "condition"},
			{ID: "a", Type: "action"},
			{ID: "b", Type: "action"},
			{ID: "m", Type: "merge"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "t", Target: "cond"},
			{ID: "e2", Source: "cond", Target: "a", SourcePort: PortTrue},
			{ID: "e3", Source: "cond", Target: "b", SourcePort: PortFalse},
			{ID: "e4", Source: "a", Target: "m"},
			{ID: "e5", Source: "b", Target: "m"},
		},
	}
	w.ApplyDefaults()

	a, err := Analyze(w)
	require.NoError(t, err)

	assert.True(t, a.BranchNodeIDs["cond"])
	assert.True(t, a.MergeNodeIDs["m"])
	assert.Equal(t, [][]string{{"t"}, {"cond"}, {"a", "b"}, {"m"}}, a.Waves)
	assert.Len(t, a.Incoming("m"), 2)
	assert.Len(t, a.Outgoing("cond"), 2)
}

func TestAnalyze_CycleRejected(t *testing.T) {
	w := &Workflow{
		ID: "wf-cycle",
		Nodes: []Node{
			{ID: "t", Type: "trigger"},
			{ID: "a", Type: "action"},
			{ID: "b", Type: "action"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "t", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
			{ID: "e3", Source: "b", Target: "a"},
		},
	}
	w.ApplyDefaults()

	_, err := Analyze(w)
	require.Error(t, err)

	var cycleErr *cascadeerrors.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Path, "a")
	assert.Contains(t, cycleErr.Path, "b")
}

func TestAnalyze_LoopScopeDetection(t *testing.T) {
	// t -> loop -(loop)-> double -> feedback(-> loop) ; loop -(done)-> out
	w := &Workflow{
		ID: "wf-loop",
		Nodes: []Node{
			{ID: "t", Type: "trigger"},
			{ID: "loop", Type: "splitInBatches"},
			{ID: "double", Type: "transform"},
			{ID: "out", Type: "action"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "t", Target: "loop"},
			{ID: "e2", Source: "loop", Target: "double", SourcePort: PortLoop},
			{ID: "e3", Source: "double", Target: "loop"},
			{ID: "e4", Source: "loop", Target: "out", SourcePort: PortDone},
		},
	}
	w.ApplyDefaults()

	a, err := Analyze(w)
	require.NoError(t, err)

	require.True(t, a.LoopNodeIDs["loop"])
	scope := a.LoopScopes["loop"]
	require.NotNil(t, scope)
	require.NotNil(t, scope.LoopOut)
	require.NotNil(t, scope.DoneOut)
	assert.Equal(t, "double", scope.LoopOut.Target)
	assert.Equal(t, "out", scope.DoneOut.Target)
	assert.True(t, scope.Nodes["double"])
	assert.False(t, scope.Nodes["out"])
	assert.Equal(t, []string{"double"}, scope.FeedbackNodeIDs)

	// The feedback edge is a back-edge and must not appear in the layering.
	require.Len(t, a.LoopBackEdges, 1)
	assert.Equal(t, "e3", a.LoopBackEdges[0].ID)
	assert.Equal(t, scope, a.ScopeOf("double"))

	// Waves order the loop before its body; done target follows the loop.
	assert.Less(t, a.WaveOf("loop"), a.WaveOf("double"))
	assert.Less(t, a.WaveOf("loop"), a.WaveOf("out"))
}

func TestAnalyze_LoopScopeMultiNodeBody(t *testing.T) {
	w := &Workflow{
		ID: "wf-loop-body",
		Nodes: []Node{
			{ID: "t", Type: "trigger"},
			{ID: "loop", Type: "splitInBatches"},
			{ID: "s1", Type: "transform"},
			{ID: "s2", Type: "transform"},
			{ID: "side", Type: "action"},
			{ID: "out", Type: "action"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "t", Target: "loop"},
			{ID: "e2", Source: "loop", Target: "s1", SourcePort: PortLoop},
			{ID: "e3", Source: "s1", Target: "s2"},
			{ID: "e4", Source: "s2", Target: "loop"},
			{ID: "e5", Source: "s1", Target: "side"},
			{ID: "e6", Source: "loop", Target: "out", SourcePort: PortDone},
		},
	}
	w.ApplyDefaults()

	a, err := Analyze(w)
	require.NoError(t, err)

	scope := a.LoopScopes["loop"]
	require.NotNil(t, scope)
	assert.True(t, scope.Nodes["s1"])
	assert.True(t, scope.Nodes["s2"])
	// side never reaches the loop node again, so it is outside the scope.
	assert.False(t, scope.Nodes["side"])
	assert.Equal(t, []string{"s2"}, scope.FeedbackNodeIDs)
}

func TestAnalyze_UnlabeledLoopPorts(t *testing.T) {
	w := &Workflow{
		ID: "wf-loop-unlabeled",
		Nodes: []Node{
			{ID: "loop", Type: "splitInBatches"},
			{ID: "body", Type: "transform"},
			{ID: "out", Type: "action"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "loop", Target: "body"},
			{ID: "e2", Source: "loop", Target: "out"},
			{ID: "e3", Source: "body", Target: "loop"},
		},
	}
	w.ApplyDefaults()

	a, err := Analyze(w)
	require.NoError(t, err)

	scope := a.LoopScopes["loop"]
	require.NotNil(t, scope)
	assert.Equal(t, "body", scope.LoopOut.Target)
	assert.Equal(t, "out", scope.DoneOut.Target)
	assert.True(t, scope.Nodes["body"])
}

func TestAnalyze_ParallelTriggersShareWaveZero(t *testing.T) {
	w := &Workflow{
		ID: "wf-two-triggers",
		Nodes: []Node{
			{ID: "t1", Type: "trigger"},
			{ID: "t2", Type: "trigger"},
			{ID: "join", Type: "merge"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "t1", Target: "join"},
			{ID: "e2", Source: "t2", Target: "join"},
		},
	}
	w.ApplyDefaults()

	a, err := Analyze(w)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"t1", "t2"}, {"join"}}, a.Waves)
	assert.True(t, a.MergeNodeIDs["join"])
}
