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
	"log/slog"
	"time"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/graph"
)

// DefaultMaxLoopIterations bounds runaway loops when the node sets no limit.
const DefaultMaxLoopIterations = 1000

// LoopState is the durable iteration state of one splitInBatches node.
type LoopState struct {
	RunID  string `json:"runId"`
	NodeID string `json:"nodeId"`

	// Items is the input snapshot taken on first execution; the loop
	// iterates over this snapshot even if upstream state changes
	Items []any `json:"items"`

	// BatchSize is items per iteration
	BatchSize int `json:"batchSize"`

	// Cursor is the offset of the next unprocessed item
	Cursor int `json:"cursor"`

	// Iteration counts completed iterations; exposed as $runIndex
	Iteration int `json:"iteration"`

	// MaxIterations aborts the loop when exceeded
	MaxIterations int `json:"maxIterations"`

	// Collected accumulates feedback outputs across iterations
	Collected []any `json:"collected,omitempty"`

	// Done marks an exhausted loop; the next execution takes the done port
	Done bool `json:"done"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// CurrentBatch returns the items of the in-flight iteration.
func (ls *LoopState) CurrentBatch() []any {
	if ls.Cursor >= len(ls.Items) {
		return nil
	}
	end := ls.Cursor + ls.BatchSize
	if end > len(ls.Items) {
		end = len(ls.Items)
	}
	return ls.Items[ls.Cursor:end]
}

// IsLastBatch reports whether the current batch exhausts the snapshot.
func (ls *LoopState) IsLastBatch() bool {
	return ls.Cursor+ls.BatchSize >= len(ls.Items)
}

// Vars builds the loop-scope variable view for body nodes.
func (ls *LoopState) Vars() map[string]any {
	return map[string]any{
		"runIndex":    ls.Iteration,
		"batchIndex":  ls.Iteration,
		"totalItems":  len(ls.Items),
		"batchSize":   ls.BatchSize,
		"isLastBatch": ls.IsLastBatch(),
		"loopNodeId":  ls.NodeID,
	}
}

// LoopController owns iteration state for splitInBatches nodes: snapshotting
// input, batch windowing, iteration advance with scope reset, aggregation,
// and the runaway-iteration guard.
type LoopController struct {
	store  Store
	logger *slog.Logger
}

// NewLoopController creates a controller backed by the given store.
func NewLoopController(store Store, logger *slog.Logger) *LoopController {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopController{store: store, logger: logger}
}

// Begin loads or initializes the loop state for a node. On first execution
// the input items are snapshotted and config is read: batchSize (default 1)
// and maxIterations (default 1000).
func (c *LoopController) Begin(ctx context.Context, run *Run, node *graph.Node, items []any) (*LoopState, error) {
	ls, err := c.store.GetLoopState(ctx, run.ID, node.ID)
	if err == nil {
		return ls, nil
	}
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}

	ls = &LoopState{
		RunID:         run.ID,
		NodeID:        node.ID,
		Items:         items,
		BatchSize:     1,
		MaxIterations: DefaultMaxLoopIterations,
		UpdatedAt:     time.Now().UTC(),
	}
	if n, ok := numberAsInt(node.Config["batchSize"]); ok && n > 0 {
		ls.BatchSize = n
	}
	if n, ok := numberAsInt(node.Config["maxIterations"]); ok && n > 0 {
		ls.MaxIterations = n
	}
	if len(ls.Items) == 0 {
		ls.Done = true
	}

	if err := c.store.SaveLoopState(ctx, ls); err != nil {
		return nil, err
	}
	return ls, nil
}

// Advance completes the current iteration: feedback outputs are collected,
// the cursor moves one batch forward, and the iteration counter increments.
// Exceeding MaxIterations logs a warning and ends the loop through the done
// port with whatever was collected so far.
func (c *LoopController) Advance(ctx context.Context, ls *LoopState, feedback []any) error {
	for _, out := range feedback {
		if list, ok := out.([]any); ok {
			ls.Collected = append(ls.Collected, list...)
		} else if out != nil {
			ls.Collected = append(ls.Collected, out)
		}
	}

	ls.Cursor += ls.BatchSize
	ls.Iteration++
	ls.UpdatedAt = time.Now().UTC()

	if ls.Iteration > ls.MaxIterations {
		c.logger.Warn("loop reached maximum iterations, terminating",
			"runId", ls.RunID, "nodeId", ls.NodeID,
			"maxIterations", ls.MaxIterations, "cursor", ls.Cursor)
		ls.Done = true
	}
	if ls.Cursor >= len(ls.Items) {
		ls.Done = true
	}

	return c.store.SaveLoopState(ctx, ls)
}

// ResetScope returns the loop body to pending so the next iteration
// re-executes it. Only node state inside the scope is touched; committed
// outputs elsewhere in the run are preserved.
func (c *LoopController) ResetScope(run *Run, scope *graph.LoopScope) {
	for nodeID := range scope.Nodes {
		delete(run.NodeStates, nodeID)
	}
}

// Aggregate returns the collected outputs emitted on the done port.
func (c *LoopController) Aggregate(ls *LoopState) []any {
	if ls.Collected == nil {
		return []any{}
	}
	return ls.Collected
}
