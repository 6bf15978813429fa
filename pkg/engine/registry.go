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

package engine

import (
	"context"
	"sync"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/graph"
	"github.com/tombee/cascade/pkg/resolver"
)

// Input is everything an executor sees for one node execution. Config is
// already resolved; Items is the item-scoped input list assembled from the
// node's parents.
type Input struct {
	// Node is the graph node being executed
	Node *graph.Node

	// Config is the node configuration with references resolved
	Config map[string]any

	// Items is the item-scoped input list
	Items []resolver.Item

	// Resolution is the resolver context built for this node, for
	// executors that evaluate expressions (condition, transform)
	Resolution *resolver.Context

	// Resume is the resolved suspension when this node is re-executed
	// after a suspension, nil on first execution
	Resume *Suspension

	// Run identifies the executing run
	Run *Run
}

// OutputMeta carries executor signals back to the engine.
type OutputMeta struct {
	// Suspend requests run suspension; Suspension describes it
	Suspend    bool
	Suspension *Suspension

	// OutputPort routes downstream edges ("true"/"false" for conditions)
	OutputPort string

	// WaitingForMerge marks a merge node still awaiting branches
	WaitingForMerge bool

	// ContinueLoop requests another iteration from the loop controller
	ContinueLoop bool

	// TokensIn/TokensOut/CostUSD account LLM usage for budget enforcement
	TokensIn  int
	TokensOut int
	CostUSD   float64
	Model     string

	// Variables are run-variable writes; the engine applies them on commit
	// so executors never mutate shared run state from their goroutine
	Variables map[string]any
}

// Output is the result of one node execution.
type Output struct {
	// Data is the node's output, committed to run state on success
	Data any

	// Meta carries engine-level signals
	Meta OutputMeta
}

// Executor runs one node type. Implementations must honor ctx cancellation
// on any blocking work and return typed errors; the Retryable flag on an
// ExecutorError controls retry eligibility.
type Executor interface {
	// Type returns the node type this executor handles.
	Type() string

	// Execute runs the node and returns its output.
	Execute(ctx context.Context, in *Input) (*Output, error)
}

// Registry maps node types to executors. An unknown type falls back to the
// default executor when one is set.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor, replacing any previous one for the same type.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
}

// SetFallback sets the executor used for unregistered node types.
func (r *Registry) SetFallback(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = e
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[nodeType]; ok {
		return e, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, &errors.ExecutorError{
		NodeType: nodeType,
		Message:  "no executor registered for node type",
	}
}

// Types returns the registered node types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}
