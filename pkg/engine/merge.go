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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/graph"
	"github.com/tombee/cascade/pkg/resolver"
)

// Merge policies: how many branches must arrive before the merge fires.
const (
	MergeWaitAll = "wait_all"
	MergeWaitAny = "wait_any"
	MergeWaitN   = "wait_n"
)

// Merge strategies: how arrived branch outputs combine into one value.
const (
	MergeAppend      = "append"
	MergeJoin        = "join"
	MergePassThrough = "pass_through"
	MergeDeepMerge   = "deep_merge"
	MergeKeyedMerge  = "keyed_merge"
)

// MergeState is the durable record of branch arrivals at one merge node.
type MergeState struct {
	RunID  string `json:"runId"`
	NodeID string `json:"nodeId"`

	// Arrived maps source node id to its delivered output. Values are
	// deep-copied on arrival so later mutation of the source cannot leak
	// into the merge result.
	Arrived map[string]any `json:"arrived"`

	// Order records arrival order for strategies that care
	Order []string `json:"order"`

	// Fired marks a merge that already emitted; late arrivals are dropped
	Fired bool `json:"fired"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// MergeCoordinator tracks branch arrivals and decides when a merge node
// fires. Arrivals for the same run/node are serialized on a striped lock;
// distinct merge nodes proceed concurrently.
type MergeCoordinator struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMergeCoordinator creates a coordinator backed by the given store.
func NewMergeCoordinator(store Store) *MergeCoordinator {
	return &MergeCoordinator{store: store, locks: make(map[string]*sync.Mutex)}
}

func (c *MergeCoordinator) lockFor(runID, nodeID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := mergeKey(runID, nodeID)
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// mergeConfig is the parsed node configuration.
type mergeConfig struct {
	policy    string
	n         int
	strategy  string
	key       string
	timeoutMs int
}

func parseMergeConfig(node *graph.Node) (mergeConfig, error) {
	cfg := mergeConfig{policy: MergeWaitAll, strategy: MergeAppend}
	if node.Config == nil {
		return cfg, nil
	}
	if p, ok := node.Config["policy"].(string); ok && p != "" {
		cfg.policy = p
	}
	if s, ok := node.Config["strategy"].(string); ok && s != "" {
		cfg.strategy = s
	}
	if k, ok := node.Config["key"].(string); ok {
		cfg.key = k
	}
	if n, ok := numberAsInt(node.Config["count"]); ok {
		cfg.n = n
	}
	if ms, ok := numberAsInt(node.Config["timeoutMs"]); ok {
		cfg.timeoutMs = ms
	}

	switch cfg.policy {
	case MergeWaitAll, MergeWaitAny:
	case MergeWaitN:
		if cfg.n < 1 {
			return cfg, &errors.ValidationError{
				Field:   "merge.count",
				Message: fmt.Sprintf("wait_n merge %s requires count >= 1", node.ID),
			}
		}
	default:
		return cfg, &errors.ValidationError{
			Field:   "merge.policy",
			Message: fmt.Sprintf("unknown merge policy %q", cfg.policy),
		}
	}
	switch cfg.strategy {
	case MergeAppend, MergeJoin, MergePassThrough, MergeDeepMerge:
	case MergeKeyedMerge:
		if cfg.key == "" {
			return cfg, &errors.ValidationError{
				Field:   "merge.key",
				Message: fmt.Sprintf("keyed_merge merge %s requires a key", node.ID),
			}
		}
	default:
		return cfg, &errors.ValidationError{
			Field:   "merge.strategy",
			Message: fmt.Sprintf("unknown merge strategy %q", cfg.strategy),
		}
	}
	return cfg, nil
}

// Deliver records one branch arrival. Outputs are deep-copied before
// storage. Returns the updated state.
func (c *MergeCoordinator) Deliver(ctx context.Context, run *Run, node *graph.Node, sourceID string, output any) (*MergeState, error) {
	lock := c.lockFor(run.ID, node.ID)
	lock.Lock()
	defer lock.Unlock()

	ms, err := c.store.GetMergeState(ctx, run.ID, node.ID)
	if err != nil {
		var nf *errors.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		ms = &MergeState{RunID: run.ID, NodeID: node.ID, Arrived: make(map[string]any)}
	}

	if ms.Fired {
		// Late arrival after the merge fired is dropped, not an error.
		return ms, nil
	}
	if _, dup := ms.Arrived[sourceID]; !dup {
		ms.Arrived[sourceID] = copyValue(output)
		ms.Order = append(ms.Order, sourceID)
	}
	ms.UpdatedAt = time.Now().UTC()

	if err := c.store.SaveMergeState(ctx, ms); err != nil {
		return nil, err
	}
	return ms, nil
}

// Evaluate decides whether the merge node fires given the current arrivals
// and the set of branches that can still arrive. When the policy is
// satisfied (or no pending branch remains, or the timeout elapsed) it marks
// the state fired and returns the combined output.
func (c *MergeCoordinator) Evaluate(ctx context.Context, run *Run, node *graph.Node, pending int) (*Output, bool, error) {
	cfg, err := parseMergeConfig(node)
	if err != nil {
		return nil, false, err
	}

	lock := c.lockFor(run.ID, node.ID)
	lock.Lock()
	defer lock.Unlock()

	ms, err := c.store.GetMergeState(ctx, run.ID, node.ID)
	if err != nil {
		var nf *errors.NotFoundError
		if !errors.As(err, &nf) {
			return nil, false, err
		}
		ms = &MergeState{RunID: run.ID, NodeID: node.ID, Arrived: make(map[string]any)}
	}

	arrived := len(ms.Arrived)
	satisfied := false
	switch cfg.policy {
	case MergeWaitAll:
		satisfied = pending == 0
	case MergeWaitAny:
		satisfied = arrived >= 1
	case MergeWaitN:
		satisfied = arrived >= cfg.n
	}

	timedOut := false
	if !satisfied && cfg.timeoutMs > 0 && !ms.UpdatedAt.IsZero() {
		timedOut = time.Since(ms.UpdatedAt) > time.Duration(cfg.timeoutMs)*time.Millisecond
	}
	// No branch can ever arrive again: fire with what we have.
	exhausted := pending == 0

	if !satisfied && !timedOut && !exhausted {
		return &Output{Meta: OutputMeta{WaitingForMerge: true}}, false, nil
	}

	data, err := combine(cfg, ms)
	if err != nil {
		return nil, false, err
	}

	ms.Fired = true
	ms.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveMergeState(ctx, ms); err != nil {
		return nil, false, err
	}

	return &Output{Data: data}, true, nil
}

// combine applies the merge strategy over arrived outputs. Arrival order is
// the canonical branch order for every strategy.
func combine(cfg mergeConfig, ms *MergeState) (any, error) {
	order := ms.Order

	switch cfg.strategy {
	case MergeAppend:
		// Branch outputs flatten item-wise: a branch that produced a list
		// contributes each element, so the result length is the sum of the
		// branch item counts.
		out := make([]any, 0, len(order))
		for _, src := range order {
			for _, it := range resolver.ItemsFromValue(ms.Arrived[src]) {
				out = append(out, it.JSON)
			}
		}
		return out, nil

	case MergeJoin:
		return joinByIndex(order, ms.Arrived), nil

	case MergePassThrough:
		if len(order) == 0 {
			return nil, nil
		}
		return ms.Arrived[ms.Order[0]], nil

	case MergeDeepMerge:
		out := map[string]any{}
		for _, src := range order {
			m, ok := ms.Arrived[src].(map[string]any)
			if !ok {
				return nil, &errors.ValidationError{
					Field:   "merge",
					Message: fmt.Sprintf("deep_merge requires object outputs, branch %s produced %T", src, ms.Arrived[src]),
				}
			}
			out = deepMergeMaps(out, m)
		}
		return out, nil

	case MergeKeyedMerge:
		return keyedMerge(cfg.key, order, ms.Arrived)
	}
	return nil, &errors.ValidationError{Field: "merge.strategy", Message: "unknown strategy " + cfg.strategy}
}

// joinByIndex zips branch outputs element-wise: item i of every branch
// merges into one object. Non-object elements land under their source node
// id. Shorter branches simply stop contributing.
func joinByIndex(order []string, arrived map[string]any) []any {
	lists := make([][]any, len(order))
	length := 0
	for i, src := range order {
		for _, it := range resolver.ItemsFromValue(arrived[src]) {
			lists[i] = append(lists[i], it.JSON)
		}
		if len(lists[i]) > length {
			length = len(lists[i])
		}
	}

	out := make([]any, 0, length)
	for idx := 0; idx < length; idx++ {
		row := make(map[string]any)
		for i, src := range order {
			if idx >= len(lists[i]) {
				continue
			}
			if obj, ok := lists[i][idx].(map[string]any); ok {
				for k, v := range obj {
					row[k] = v
				}
			} else {
				row[src] = lists[i][idx]
			}
		}
		out = append(out, row)
	}
	return out
}

// deepMergeMaps merges b into a recursively; b wins scalar conflicts.
// Inputs are already copies, so in-place mutation of a is safe.
func deepMergeMaps(a, b map[string]any) map[string]any {
	for k, bv := range b {
		if av, ok := a[k]; ok {
			am, aok := av.(map[string]any)
			bm, bok := bv.(map[string]any)
			if aok && bok {
				a[k] = deepMergeMaps(am, bm)
				continue
			}
		}
		a[k] = bv
	}
	return a
}

// keyedMerge unifies branch outputs element-wise by a key field. Each branch
// must produce a list of objects; elements sharing a key value are
// shallow-merged in arrival order, so a later duplicate replaces fields
// wholesale rather than merging into them.
func keyedMerge(key string, order []string, arrived map[string]any) (any, error) {
	var keys []any
	index := make(map[any]map[string]any)

	for _, src := range order {
		list, ok := arrived[src].([]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "merge",
				Message: fmt.Sprintf("keyed_merge requires list outputs, branch %s produced %T", src, arrived[src]),
			}
		}
		for _, el := range list {
			obj, ok := el.(map[string]any)
			if !ok {
				continue
			}
			kv, ok := obj[key]
			if !ok {
				continue
			}
			if existing, seen := index[kv]; seen {
				for k, v := range obj {
					existing[k] = v
				}
			} else {
				index[kv] = obj
				keys = append(keys, kv)
			}
		}
	}

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, index[k])
	}
	return out, nil
}

// copyValue deep-copies a JSON-shaped value.
func copyValue(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
