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
	"sort"

	"github.com/tombee/cascade/pkg/errors"
)

// LoopNodeTypes are the node types driven by the loop controller.
var LoopNodeTypes = map[string]bool{
	"splitInBatches": true,
	"batch":          true,
}

// LoopScope describes the subgraph owned by one loop node.
type LoopScope struct {
	// LoopNodeID is the owning loop node
	LoopNodeID string

	// LoopOut is the edge feeding the loop body (port "loop", or the
	// first outgoing edge when unlabeled)
	LoopOut *Edge

	// DoneOut is the edge taken after the final iteration (port "done")
	DoneOut *Edge

	// Nodes is the set of node ids executed once per iteration
	Nodes map[string]bool

	// FeedbackNodeIDs are scope nodes with an edge back to the loop node;
	// their outputs are collected at the end of each iteration
	FeedbackNodeIDs []string
}

// Analysis is the result of topological analysis of a workflow graph.
type Analysis struct {
	// SortedNodeIDs is a topological order of all nodes
	SortedNodeIDs []string

	// Waves groups nodes by topological level; nodes within a wave are
	// mutually independent and may execute concurrently
	Waves [][]string

	// BranchNodeIDs are nodes with more than one outgoing regular edge
	BranchNodeIDs map[string]bool

	// MergeNodeIDs are nodes with more than one incoming regular edge
	MergeNodeIDs map[string]bool

	// LoopNodeIDs are nodes whose type is a batch/iteration type
	LoopNodeIDs map[string]bool

	// LoopScopes maps each loop node to its detected scope
	LoopScopes map[string]*LoopScope

	// LoopBackEdges are the edges excluded from acyclicity analysis
	LoopBackEdges []Edge

	workflow *Workflow
	incoming map[string][]Edge // regular (non-back) incoming edges per node
	outgoing map[string][]Edge // regular (non-back) outgoing edges per node
	waveOf   map[string]int
}

// Analyze parses the graph structure of a workflow: it detects loop scopes,
// strips loop back-edges, layers the remaining DAG into waves with Kahn's
// algorithm, and classifies branch/merge/loop nodes. A cycle outside any loop
// scope yields a CycleError and the workflow is rejected before execution.
func Analyze(w *Workflow) (*Analysis, error) {
	a := &Analysis{
		BranchNodeIDs: make(map[string]bool),
		MergeNodeIDs:  make(map[string]bool),
		LoopNodeIDs:   make(map[string]bool),
		LoopScopes:    make(map[string]*LoopScope),
		workflow:      w,
		incoming:      make(map[string][]Edge),
		outgoing:      make(map[string][]Edge),
		waveOf:        make(map[string]int),
	}

	for _, n := range w.Nodes {
		if LoopNodeTypes[n.Type] {
			a.LoopNodeIDs[n.ID] = true
		}
	}

	a.detectLoopScopes(w)

	backEdge := make(map[string]bool, len(a.LoopBackEdges))
	for _, e := range a.LoopBackEdges {
		backEdge[e.ID] = true
	}

	// Regular adjacency excludes back-edges.
	for _, e := range w.Edges {
		if backEdge[e.ID] {
			continue
		}
		a.outgoing[e.Source] = append(a.outgoing[e.Source], e)
		a.incoming[e.Target] = append(a.incoming[e.Target], e)
	}

	if err := a.layer(w); err != nil {
		return nil, err
	}

	for _, n := range w.Nodes {
		if len(a.outgoing[n.ID]) > 1 {
			a.BranchNodeIDs[n.ID] = true
		}
		if len(a.incoming[n.ID]) > 1 {
			a.MergeNodeIDs[n.ID] = true
		}
	}

	return a, nil
}

// detectLoopScopes locates, for each loop node L, the nodes reachable from
// L's loop output that eventually reach L again without crossing the done
// edge. Feedback edges (scope node -> L) are back-edges; so is any edge
// explicitly annotated with sourcePort "loop" that does not originate at a
// loop node.
func (a *Analysis) detectLoopScopes(w *Workflow) {
	outAll := make(map[string][]Edge)
	for _, e := range w.Edges {
		outAll[e.Source] = append(outAll[e.Source], e)
	}

	for loopID := range a.LoopNodeIDs {
		scope := &LoopScope{
			LoopNodeID: loopID,
			Nodes:      make(map[string]bool),
		}

		edges := outAll[loopID]
		for i := range edges {
			switch edges[i].SourcePort {
			case PortLoop:
				scope.LoopOut = &edges[i]
			case PortDone:
				scope.DoneOut = &edges[i]
			}
		}
		// Unlabeled ports: first edge feeds the body, second is done.
		if scope.LoopOut == nil && len(edges) > 0 && edges[0].SourcePort == "" {
			scope.LoopOut = &edges[0]
		}
		if scope.DoneOut == nil && len(edges) > 1 && edges[1].SourcePort == "" {
			scope.DoneOut = &edges[1]
		}

		if scope.LoopOut != nil {
			reachable := reachFrom(scope.LoopOut.Target, outAll, scope.DoneOut)
			// Scope keeps only nodes that can reach L again.
			for n := range reachable {
				if n == loopID {
					continue
				}
				if reaches(n, loopID, outAll, scope.DoneOut) {
					scope.Nodes[n] = true
				}
			}
			for n := range scope.Nodes {
				for _, e := range outAll[n] {
					if e.Target == loopID {
						scope.FeedbackNodeIDs = append(scope.FeedbackNodeIDs, n)
						a.LoopBackEdges = append(a.LoopBackEdges, e)
					}
				}
			}
			sort.Strings(scope.FeedbackNodeIDs)
		}

		a.LoopScopes[loopID] = scope
	}

	// Explicit back-edge annotation on non-loop nodes.
	for _, e := range w.Edges {
		if e.SourcePort == PortLoop && !a.LoopNodeIDs[e.Source] {
			a.LoopBackEdges = append(a.LoopBackEdges, e)
		}
	}
}

// reachFrom returns every node reachable from start, never crossing skip.
func reachFrom(start string, out map[string][]Edge, skip *Edge) map[string]bool {
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range out[n] {
			if skip != nil && e.ID == skip.ID {
				continue
			}
			if !visited[e.Target] {
				visited[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	return visited
}

// reaches reports whether target is reachable from start, never crossing skip.
func reaches(start, target string, out map[string][]Edge, skip *Edge) bool {
	return reachFrom(start, out, skip)[target]
}

// layer runs Kahn's algorithm over the back-edge-free graph. Leftover nodes
// indicate a cycle outside loop scopes; the error carries one concrete cycle
// path for diagnostics.
func (a *Analysis) layer(w *Workflow) error {
	indeg := make(map[string]int, len(w.Nodes))
	for _, n := range w.Nodes {
		indeg[n.ID] = len(a.incoming[n.ID])
	}

	var wave []string
	for _, n := range w.Nodes {
		if indeg[n.ID] == 0 {
			wave = append(wave, n.ID)
		}
	}

	placed := 0
	for len(wave) > 0 {
		sort.Strings(wave)
		for _, id := range wave {
			a.waveOf[id] = len(a.Waves)
		}
		a.Waves = append(a.Waves, wave)
		a.SortedNodeIDs = append(a.SortedNodeIDs, wave...)
		placed += len(wave)

		var next []string
		for _, id := range wave {
			for _, e := range a.outgoing[id] {
				indeg[e.Target]--
				if indeg[e.Target] == 0 {
					next = append(next, e.Target)
				}
			}
		}
		wave = next
	}

	if placed < len(w.Nodes) {
		return &errors.CycleError{Path: a.findCycle(indeg)}
	}
	return nil
}

// findCycle extracts one cycle among the nodes Kahn could not place.
func (a *Analysis) findCycle(indeg map[string]int) []string {
	remaining := make(map[string]bool)
	for id, d := range indeg {
		if d > 0 {
			remaining[id] = true
		}
	}

	var start string
	for _, n := range a.workflow.Nodes {
		if remaining[n.ID] {
			start = n.ID
			break
		}
	}

	// Walk forward inside the remaining set until a node repeats.
	seen := make(map[string]int)
	path := []string{}
	cur := start
	for {
		if idx, ok := seen[cur]; ok {
			return append(path[idx:], cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)

		advanced := false
		for _, e := range a.outgoing[cur] {
			if remaining[e.Target] {
				cur = e.Target
				advanced = true
				break
			}
		}
		if !advanced {
			return path
		}
	}
}

// WaveOf returns the wave index of a node, or -1 if unknown.
func (a *Analysis) WaveOf(nodeID string) int {
	if w, ok := a.waveOf[nodeID]; ok {
		return w
	}
	return -1
}

// Incoming returns the regular (non-back) incoming edges of a node.
func (a *Analysis) Incoming(nodeID string) []Edge {
	return a.incoming[nodeID]
}

// Outgoing returns the regular (non-back) outgoing edges of a node.
func (a *Analysis) Outgoing(nodeID string) []Edge {
	return a.outgoing[nodeID]
}

// ScopeOf returns the loop scope containing a node, or nil. A node belongs
// to at most one innermost scope; nested scopes return the smallest.
func (a *Analysis) ScopeOf(nodeID string) *LoopScope {
	var best *LoopScope
	for _, s := range a.LoopScopes {
		if s.Nodes[nodeID] {
			if best == nil || len(s.Nodes) < len(best.Nodes) {
				best = s
			}
		}
	}
	return best
}
