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

// Package engine executes workflow graphs: wave-parallel scheduling over the
// analyzed DAG, durable run state, suspension and resumption, loop iteration,
// merge coordination, budget enforcement, and error workflow dispatch.
package engine

import (
	"time"

	"github.com/tombee/cascade/pkg/graph"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeStatus is the lifecycle state of one node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeSuspended NodeStatus = "suspended"
	NodeWaiting   NodeStatus = "waiting"
)

// Trigger describes what started a run.
type Trigger struct {
	// Type is the trigger kind: manual, webhook, schedule, workflow
	Type string `json:"type"`

	// Payload is the trigger-supplied data
	Payload map[string]any `json:"payload,omitempty"`

	// Timestamp is when the trigger fired
	Timestamp time.Time `json:"timestamp"`
}

// NodeState is the persisted execution state of one node.
type NodeState struct {
	NodeID string     `json:"nodeId"`
	Status NodeStatus `json:"status"`

	// Output is the committed output data, nil until completed
	Output any `json:"output,omitempty"`

	// OutputPort routes downstream edges for branch nodes ("true"/"false")
	OutputPort string `json:"outputPort,omitempty"`

	// Error is the final error message after retries are exhausted
	Error string `json:"error,omitempty"`

	// Attempts counts executions including retries
	Attempts int `json:"attempts,omitempty"`

	// Pinned marks output served from pinned data instead of execution
	Pinned bool `json:"pinned,omitempty"`

	// SoftFailed marks nodes that failed with onError continue; they carry
	// an error payload as output and still route downstream
	SoftFailed bool `json:"softFailed,omitempty"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`

	// TokensUsed and CostUSD account LLM usage attributed to this node
	TokensUsed int     `json:"tokensUsed,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
}

// Meta renders the node state as the metadata map visible to references.
func (ns *NodeState) Meta() map[string]any {
	m := map[string]any{
		"status":     string(ns.Status),
		"durationMs": ns.DurationMs,
	}
	if ns.Error != "" {
		m["error"] = ns.Error
	}
	if ns.OutputPort != "" {
		m["outputPort"] = ns.OutputPort
	}
	if ns.Pinned {
		m["pinned"] = true
	}
	if ns.CostUSD > 0 {
		m["costUsd"] = ns.CostUSD
	}
	return m
}

// Run is the durable state of one workflow execution. It is persisted at
// wave boundaries and on suspension, and is sufficient to resume execution
// on any engine instance.
type Run struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflowId"`
	Status     RunStatus `json:"status"`

	// Workflow is the immutable definition snapshot this run executes.
	// Resumption uses the snapshot, not the current workflow version.
	Workflow *graph.Workflow `json:"workflow"`

	Trigger Trigger `json:"trigger"`

	// Global holds immutable run metadata (userId, workspaceId, env, ...)
	Global map[string]any `json:"global,omitempty"`

	// Variables is the run's mutable scratch map
	Variables map[string]any `json:"variables,omitempty"`

	// NodeStates maps node id to its execution state
	NodeStates map[string]*NodeState `json:"nodeStates"`

	// WaveIndex is the next wave to execute; resumption restarts here
	WaveIndex int `json:"waveIndex"`

	// SuspensionID links a suspended run to its suspension record
	SuspensionID string `json:"suspensionId,omitempty"`

	// Depth tracks sub-workflow nesting; the root run has depth 0
	Depth int `json:"depth"`

	// ParentRunID and ParentNodeID locate the executeWorkflow node that
	// spawned this run, empty for root runs
	ParentRunID  string `json:"parentRunId,omitempty"`
	ParentNodeID string `json:"parentNodeId,omitempty"`

	// ErrorWorkflow marks runs dispatched as error handlers; such runs are
	// exempt from budgets and never trigger further error workflows
	ErrorWorkflow bool `json:"errorWorkflow,omitempty"`

	// Error is the run-level failure message
	Error string `json:"error,omitempty"`

	// TokensUsed and CostUSD aggregate LLM usage across all nodes
	TokensUsed int     `json:"tokensUsed,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	// ExecutionMs accumulates active execution time across resumptions.
	// Suspended time does not count against the run timeout.
	ExecutionMs int64 `json:"executionMs,omitempty"`
}

// NodeState returns the state record for a node, creating it on first use.
func (r *Run) NodeState(nodeID string) *NodeState {
	if r.NodeStates == nil {
		r.NodeStates = make(map[string]*NodeState)
	}
	ns, ok := r.NodeStates[nodeID]
	if !ok {
		ns = &NodeState{NodeID: nodeID, Status: NodePending}
		r.NodeStates[nodeID] = ns
	}
	return ns
}

// RemainingTimeout returns how much of the run-level timeout is left.
func (r *Run) RemainingTimeout() time.Duration {
	total := time.Duration(r.Workflow.Settings.MaxExecutionTime) * time.Millisecond
	used := time.Duration(r.ExecutionMs) * time.Millisecond
	if used >= total {
		return 0
	}
	return total - used
}

// Output assembles the run result: the outputs of all terminal nodes
// (nodes with no outgoing regular edges) keyed by node id.
func (r *Run) Output(analysis *graph.Analysis) map[string]any {
	out := make(map[string]any)
	for _, n := range r.Workflow.Nodes {
		if len(analysis.Outgoing(n.ID)) > 0 {
			continue
		}
		if ns, ok := r.NodeStates[n.ID]; ok && ns.Status == NodeCompleted {
			out[n.ID] = ns.Output
		}
	}
	return out
}

// SuspensionKind distinguishes why a run is suspended.
type SuspensionKind string

const (
	SuspendTimer       SuspensionKind = "timer"
	SuspendDateTime    SuspensionKind = "datetime"
	SuspendWebhook     SuspensionKind = "webhook"
	SuspendApproval    SuspensionKind = "approval"
	SuspendSubWorkflow SuspensionKind = "subworkflow"
	SuspendCondition   SuspensionKind = "condition"
)

// TimeoutAction selects what happens when a suspension's timeout elapses
// before an external event resumes it.
type TimeoutAction string

const (
	// TimeoutError fails the run.
	TimeoutError TimeoutAction = "error"
	// TimeoutContinue resumes with a timedOut marker payload.
	TimeoutContinue TimeoutAction = "continue"
	// TimeoutDefault resumes with a configured default payload.
	TimeoutDefault TimeoutAction = "default"
)

// Suspension is the durable record of a paused run awaiting an external
// event. Resume is idempotent: the first resolution wins and later attempts
// are rejected.
type Suspension struct {
	ID     string         `json:"id"`
	RunID  string         `json:"runId"`
	NodeID string         `json:"nodeId"`
	Kind   SuspensionKind `json:"kind"`

	// ResumeAt is the wall-clock resume time for timer/datetime kinds,
	// and the timeout deadline for event kinds when a timeout is set
	ResumeAt *time.Time `json:"resumeAt,omitempty"`

	// WebhookPath is the externally visible path for webhook kinds
	WebhookPath string `json:"webhookPath,omitempty"`

	// Token authenticates the resuming caller for webhook/approval kinds
	Token string `json:"token,omitempty"`

	// AllowedIPs restricts which remote addresses may resume a webhook
	// wait; empty admits any caller with the token
	AllowedIPs []string `json:"allowedIps,omitempty"`

	// OnTimeout selects the timeout behavior for event kinds
	OnTimeout TimeoutAction `json:"onTimeout,omitempty"`

	// DefaultPayload is resumed with when OnTimeout is "default"
	DefaultPayload map[string]any `json:"defaultPayload,omitempty"`

	// ChildRunID links subworkflow suspensions to the spawned run
	ChildRunID string `json:"childRunId,omitempty"`

	// Resolved marks consumed suspensions; resume is first-writer-wins
	Resolved bool `json:"resolved"`

	// Payload is the resume payload recorded at resolution
	Payload map[string]any `json:"payload,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// CostRecord is one accounted LLM call, kept for budget reporting.
type CostRecord struct {
	RunID      string    `json:"runId"`
	NodeID     string    `json:"nodeId"`
	Model      string    `json:"model"`
	TokensIn   int       `json:"tokensIn"`
	TokensOut  int       `json:"tokensOut"`
	CostUSD    float64   `json:"costUsd"`
	RecordedAt time.Time `json:"recordedAt"`
}
