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

// Package graph provides the workflow graph model: the JSON wire format for
// workflow definitions and the topological analysis that turns a node/edge
// graph into execution waves.
//
// A workflow is a directed graph of typed nodes. Edges may carry a source
// port; edges with port "loop" are loop back-edges and are excluded from
// acyclicity analysis. Any other cycle makes the definition invalid.
package graph

import (
	"encoding/json"
	"fmt"

	"github.com/tombee/cascade/pkg/errors"
)

// Port names with engine-level meaning.
const (
	// PortLoop marks the edge feeding a loop body. Loop back-edges are
	// excluded from acyclicity analysis.
	PortLoop = "loop"

	// PortDone marks the edge a loop node emits on after the final iteration.
	PortDone = "done"

	// PortTrue and PortFalse route condition node output.
	PortTrue  = "true"
	PortFalse = "false"
)

// Node is a single computational unit in a workflow graph.
type Node struct {
	// ID is the unique node identifier within the graph
	ID string `json:"id"`

	// Type selects the executor (trigger, http, llm, condition, merge, ...)
	Type string `json:"type"`

	// Position is the editor position; opaque to the runtime
	Position Position `json:"position"`

	// Config holds executor-specific configuration. Values may contain
	// {{...}} references resolved against run state at execution time.
	Config map[string]any `json:"data,omitempty"`
}

// Position is a node's editor coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	// ID is the unique edge identifier within the graph
	ID string `json:"id"`

	// Source and Target are node ids
	Source string `json:"source"`
	Target string `json:"target"`

	// SourcePort selects the source node's output port. "loop" marks a
	// loop back-edge.
	SourcePort string `json:"sourcePort,omitempty"`

	// TargetPort selects the target node's input port
	TargetPort string `json:"targetPort,omitempty"`

	// Condition is an optional expression gating traversal of this edge
	Condition string `json:"condition,omitempty"`
}

// Variable declares a workflow-level variable.
type Variable struct {
	// Name is the variable identifier
	Name string `json:"name"`

	// Type is the declared type (string, number, boolean, object, array)
	Type string `json:"type"`

	// DefaultValue is used when the trigger supplies no value
	DefaultValue any `json:"defaultValue,omitempty"`

	// Required marks variables that must be supplied by the trigger
	Required bool `json:"required"`
}

// ErrorHandling selects how the run reacts to node failures.
type ErrorHandling string

const (
	// ErrorHandlingFailFast stops the run on the first fatal node error.
	ErrorHandlingFailFast ErrorHandling = "fail-fast"
	// ErrorHandlingContinue records node errors and keeps executing.
	ErrorHandlingContinue ErrorHandling = "continue"
	// ErrorHandlingCompensate stops the run and triggers error workflows.
	ErrorHandlingCompensate ErrorHandling = "compensate"
)

// Settings are workflow-level execution settings.
type Settings struct {
	// MaxExecutionTime is the run-level timeout in milliseconds.
	// Suspensions do not consume it. Default 5 minutes.
	MaxExecutionTime int `json:"maxExecutionTime,omitempty"`

	// MaxRetries is the default per-node retry count
	MaxRetries int `json:"maxRetries,omitempty"`

	// RetryDelay is the base retry delay in milliseconds
	RetryDelay int `json:"retryDelay,omitempty"`

	// ParallelLimit bounds intra-wave concurrency
	ParallelLimit int `json:"parallelLimit,omitempty"`

	// ErrorHandling selects the failure policy
	ErrorHandling ErrorHandling `json:"errorHandling,omitempty"`

	// ErrorWorkflow names a workflow dispatched when this one fails.
	// Error workflows never trigger further error workflows.
	ErrorWorkflow string `json:"errorWorkflow,omitempty"`

	// Logging selects log verbosity: minimal, standard, debug
	Logging string `json:"logging,omitempty"`
}

// Workflow is the immutable definition a run executes.
type Workflow struct {
	// ID is the workflow identifier
	ID string `json:"id"`

	// Name is the human-readable workflow name
	Name string `json:"name"`

	// Version tracks definition revisions
	Version int `json:"version"`

	// Nodes and Edges define the graph
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	// Variables declare workflow-level variables
	Variables []Variable `json:"variables,omitempty"`

	// Settings are workflow-level execution settings
	Settings Settings `json:"settings"`
}

// Default settings applied by ApplyDefaults.
const (
	DefaultMaxExecutionTimeMs = 5 * 60 * 1000
	DefaultMaxRetries         = 1
	DefaultRetryDelayMs       = 1000
	DefaultParallelLimit      = 5
)

// ParseWorkflow parses a JSON workflow definition, applies defaults, and
// validates it. The graph is not analyzed here; cycle detection happens in
// Analyze so that analysis results can be reused by the engine.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, &errors.ValidationError{
			Field:      "workflow",
			Message:    fmt.Sprintf("invalid JSON: %s", err.Error()),
			Suggestion: "check the workflow document against the wire format",
		}
	}

	wf.ApplyDefaults()

	if err := wf.Validate(); err != nil {
		return nil, err
	}

	return &wf, nil
}

// ApplyDefaults fills zero-valued settings with engine defaults.
func (w *Workflow) ApplyDefaults() {
	if w.Version == 0 {
		w.Version = 1
	}
	if w.Settings.MaxExecutionTime <= 0 {
		w.Settings.MaxExecutionTime = DefaultMaxExecutionTimeMs
	}
	if w.Settings.MaxRetries <= 0 {
		w.Settings.MaxRetries = DefaultMaxRetries
	}
	if w.Settings.RetryDelay <= 0 {
		w.Settings.RetryDelay = DefaultRetryDelayMs
	}
	if w.Settings.ParallelLimit <= 0 {
		w.Settings.ParallelLimit = DefaultParallelLimit
	}
	if w.Settings.ErrorHandling == "" {
		w.Settings.ErrorHandling = ErrorHandlingFailFast
	}
	if w.Settings.Logging == "" {
		w.Settings.Logging = "standard"
	}
}

// Validate checks structural invariants: non-empty graph, unique node ids,
// edges referencing existing nodes, and declared variables with names.
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return &errors.ValidationError{
			Field:      "nodes",
			Message:    "workflow has no nodes",
			Suggestion: "add at least one trigger node",
		}
	}

	seen := make(map[string]bool, len(w.Nodes))
	for i, node := range w.Nodes {
		if node.ID == "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("nodes[%d].id", i),
				Message:    "node id cannot be empty",
				Suggestion: "assign a unique id to every node",
			}
		}
		if node.Type == "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("nodes[%d].type", i),
				Message:    fmt.Sprintf("node %s has no type", node.ID),
				Suggestion: "set a node type such as trigger, http, or condition",
			}
		}
		if seen[node.ID] {
			return &errors.ValidationError{
				Field:      "nodes",
				Message:    fmt.Sprintf("duplicate node id %q", node.ID),
				Suggestion: "node ids must be unique within a workflow",
			}
		}
		seen[node.ID] = true
	}

	for i, edge := range w.Edges {
		if !seen[edge.Source] {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("edges[%d].source", i),
				Message:    fmt.Sprintf("edge %s references unknown source node %q", edge.ID, edge.Source),
				Suggestion: "every edge endpoint must be a declared node id",
			}
		}
		if !seen[edge.Target] {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("edges[%d].target", i),
				Message:    fmt.Sprintf("edge %s references unknown target node %q", edge.ID, edge.Target),
				Suggestion: "every edge endpoint must be a declared node id",
			}
		}
	}

	for i, v := range w.Variables {
		if v.Name == "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("variables[%d].name", i),
				Message:    "variable name cannot be empty",
				Suggestion: "name every declared variable",
			}
		}
	}

	return nil
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// InitialVariables builds the variables map from declarations and trigger
// overrides. Returns an error if a required variable has no value.
func (w *Workflow) InitialVariables(overrides map[string]any) (map[string]any, error) {
	vars := make(map[string]any, len(w.Variables))
	for _, v := range w.Variables {
		if val, ok := overrides[v.Name]; ok {
			vars[v.Name] = val
			continue
		}
		if v.DefaultValue != nil {
			vars[v.Name] = v.DefaultValue
			continue
		}
		if v.Required {
			return nil, &errors.ValidationError{
				Field:      "variables." + v.Name,
				Message:    "required variable has no value",
				Suggestion: "supply the variable in the trigger payload or set a default",
			}
		}
	}
	return vars, nil
}
