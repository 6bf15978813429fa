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

// Package resolver evaluates {{...}} variable references against run state.
//
// References address run-level data (global, variables, trigger, node
// outputs) and item-scoped data ($json, $items, $node, $input) plus
// loop-scope variables ($runIndex, $batchIndex, ...). A string consisting of
// exactly one reference resolves to the referenced value's native type;
// references embedded in longer strings are stringified and spliced.
//
// Path segments matching reserved prototype/metaclass names are rejected and
// logged as security warnings; the reference resolves to nil.
package resolver

import (
	"fmt"
	"time"
)

// Item is one element of an item-scoped input list.
type Item struct {
	// JSON is the item payload, addressable as $json / $items[i].json
	JSON any `json:"json"`
}

// NodeView exposes a completed node's output and metadata to references.
type NodeView struct {
	// Output is the node's committed output data
	Output any

	// Meta holds execution metadata (status, durationMs, ...)
	Meta map[string]any
}

// LoopVars are the loop-scope variables available inside a splitInBatches
// subgraph. Outside a loop they are absent and references to them fail.
type LoopVars struct {
	RunIndex    int
	BatchIndex  int
	ItemIndex   int
	TotalItems  int
	BatchSize   int
	IsLastBatch bool
	LoopNodeID  string
}

// Context is the resolution environment for one node execution.
type Context struct {
	// Global holds immutable run metadata (userId, workspaceId, env, ...)
	Global map[string]any

	// Trigger holds the trigger type, payload, and timestamp
	Trigger map[string]any

	// Variables is the run's free-form scratch map
	Variables map[string]any

	// Nodes maps node id to its committed output and metadata
	Nodes map[string]NodeView

	// Items is the item-scoped input list for the executing node
	Items []Item

	// ItemIndex is the current item position within Items
	ItemIndex int

	// NodeItems maps node names to their outputs as item lists, for
	// $node["Name"].json access
	NodeItems map[string][]Item

	// Loop carries loop-scope variables, nil outside a loop
	Loop *LoopVars
}

// NewContext creates an empty resolution context.
func NewContext() *Context {
	return &Context{
		Global:    make(map[string]any),
		Trigger:   make(map[string]any),
		Variables: make(map[string]any),
		Nodes:     make(map[string]NodeView),
		NodeItems: make(map[string][]Item),
	}
}

// CurrentItem returns the item at ItemIndex, or nil when out of range.
func (c *Context) CurrentItem() any {
	if c.ItemIndex < 0 || c.ItemIndex >= len(c.Items) {
		return nil
	}
	return c.Items[c.ItemIndex].JSON
}

// EnvMap flattens the context into a map for expression evaluation.
// Node outputs appear under "nodes" keyed by node id, item scope under
// "json", and loop variables under their $-less names.
func (c *Context) EnvMap() map[string]any {
	env := map[string]any{
		"global":    c.Global,
		"variables": c.Variables,
		"trigger":   c.Trigger,
	}

	nodes := make(map[string]any, len(c.Nodes))
	for id, view := range c.Nodes {
		nodes[id] = map[string]any{
			"output": view.Output,
			"meta":   view.Meta,
		}
	}
	env["nodes"] = nodes

	if cur := c.CurrentItem(); cur != nil {
		env["json"] = cur
	}
	env["itemIndex"] = c.ItemIndex
	env["itemCount"] = len(c.Items)

	if c.Loop != nil {
		env["runIndex"] = c.Loop.RunIndex
		env["batchIndex"] = c.Loop.BatchIndex
		env["totalItems"] = c.Loop.TotalItems
		env["batchSize"] = c.Loop.BatchSize
		env["isLastBatch"] = c.Loop.IsLastBatch
		env["loopNodeId"] = c.Loop.LoopNodeID
	}

	return env
}

// ItemsFromValue normalizes a node output into an item list: a slice yields
// one item per element, anything else yields a single item.
func ItemsFromValue(v any) []Item {
	if v == nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		items := make([]Item, len(list))
		for i, el := range list {
			items[i] = Item{JSON: el}
		}
		return items
	}
	return []Item{{JSON: v}}
}

// ValueFromItems is the inverse of ItemsFromValue for single-item lists.
func ValueFromItems(items []Item) any {
	switch len(items) {
	case 0:
		return nil
	case 1:
		return items[0].JSON
	default:
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = it.JSON
		}
		return out
	}
}

// Stringify renders a resolved value for splicing into a larger string.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}
