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

package errors

import (
	"fmt"
	"strings"
)

// Error codes surfaced on terminal failed runs.
const (
	CodeCycleDetected  = "CycleDetected"
	CodeBudgetExceeded = "BudgetExceeded"
	CodeTimeout        = "Timeout"
	CodeRecursionLimit = "RecursionLimit"
	CodeExecutorError  = "ExecutorError"
	CodeResolverError  = "ResolverError"
	CodeSuspension     = "SuspensionError"
	CodeValidation     = "ValidationError"
)

// CycleError reports a cycle in a workflow graph outside any loop scope.
// Graphs with such cycles are rejected before any node executes.
type CycleError struct {
	// Path is the node id sequence forming the cycle
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow graph contains a cycle: %s", strings.Join(e.Path, " -> "))
}

// ResolverError reports a variable reference that could not be resolved.
// Recoverable per-node: the reference resolves to nil and execution continues.
type ResolverError struct {
	// Reference is the original {{...}} expression
	Reference string

	// Reason explains why resolution failed
	Reason string

	// Forbidden is true when the path matched a reserved segment
	Forbidden bool
}

// Error implements the error interface.
func (e *ResolverError) Error() string {
	if e.Forbidden {
		return fmt.Sprintf("reference %q uses a forbidden path segment", e.Reference)
	}
	return fmt.Sprintf("cannot resolve reference %q: %s", e.Reference, e.Reason)
}

// ExecutorError reports a node-specific execution failure.
// Subject to the node's retry policy and onError setting.
type ExecutorError struct {
	// NodeID is the failing node
	NodeID string

	// NodeType is the executor that failed
	NodeType string

	// Message is the human-readable failure description
	Message string

	// Retryable indicates whether re-execution may succeed
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutorError) Error() string {
	return fmt.Sprintf("node %s (%s) failed: %s", e.NodeID, e.NodeType, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// BudgetExceededError is returned when the projected or accumulated cost of a
// run exceeds the remaining budget. Terminal: the run fails with code
// BudgetExceeded and no further node executes.
type BudgetExceededError struct {
	// Scope names the exceeded limit: "node" for a single call estimate,
	// "run" for the accumulated run budget
	Scope string

	// LimitUSD is the configured budget
	LimitUSD float64

	// ActualUSD is the projected or accrued cost
	ActualUSD float64
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s cost $%.4f exceeds budget $%.4f", e.Scope, e.ActualUSD, e.LimitUSD)
}

// SuspensionError reports an invalid resume attempt: unknown suspension id,
// already-cancelled suspension, or a failed credential check on a webhook wait.
type SuspensionError struct {
	// SuspensionID identifies the suspension record
	SuspensionID string

	// Reason explains why the resume was rejected
	Reason string
}

// Error implements the error interface.
func (e *SuspensionError) Error() string {
	return fmt.Sprintf("suspension %s: %s", e.SuspensionID, e.Reason)
}

// RecursionLimitError is returned when sub-workflow nesting exceeds the
// configured depth limit.
type RecursionLimitError struct {
	// Depth is the depth that was attempted
	Depth int

	// Limit is the configured maximum
	Limit int

	// WorkflowID is the child workflow that would have been spawned
	WorkflowID string
}

// Error implements the error interface.
func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("sub-workflow depth %d exceeds limit %d (workflow %s)", e.Depth, e.Limit, e.WorkflowID)
}
