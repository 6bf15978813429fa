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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/graph"
)

func mergeFixture(t *testing.T, config map[string]any) (*MergeCoordinator, *Run, *graph.Node) {
	t.Helper()
	store := NewMemoryStore()
	run := &Run{ID: "run-1", WorkflowID: "wf"}
	node := &graph.Node{ID: "m", Type: "merge", Config: config}
	return NewMergeCoordinator(store), run, node
}

func TestMerge_AppendArrivalOrder(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"strategy": "append"})
	ctx := context.Background()

	// Arrival order is canonical, regardless of source id ordering.
	_, err := c.Deliver(ctx, run, node, "b", "second")
	require.NoError(t, err)
	_, err = c.Deliver(ctx, run, node, "a", "first")
	require.NoError(t, err)

	out, fired, err := c.Evaluate(ctx, run, node, 0)
	require.NoError(t, err)
	require.True(t, fired)
	assert.Equal(t, []any{"second", "first"}, out.Data)
}

func TestMerge_AppendFlattensBranchItems(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"strategy": "append"})
	ctx := context.Background()

	// List-valued branches contribute their elements, so the merged length
	// is the sum of branch item counts.
	_, err := c.Deliver(ctx, run, node, "a", []any{1, 2})
	require.NoError(t, err)
	_, err = c.Deliver(ctx, run, node, "b", []any{3})
	require.NoError(t, err)

	out, fired, err := c.Evaluate(ctx, run, node, 0)
	require.NoError(t, err)
	require.True(t, fired)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, out.Data)
}

func TestMerge_WaitAnyFiresOnFirstArrival(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"policy": "wait_any", "strategy": "pass_through"})
	ctx := context.Background()

	_, err := c.Deliver(ctx, run, node, "fast", map[string]any{"winner": true})
	require.NoError(t, err)

	// One branch still pending, but wait_any is satisfied.
	out, fired, err := c.Evaluate(ctx, run, node, 1)
	require.NoError(t, err)
	require.True(t, fired)
	assert.Equal(t, map[string]any{"winner": true}, out.Data)

	// A late arrival after firing is dropped.
	ms, err := c.Deliver(ctx, run, node, "slow", "late")
	require.NoError(t, err)
	assert.True(t, ms.Fired)
	assert.NotContains(t, ms.Arrived, "slow")
}

func TestMerge_WaitNThreshold(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"policy": "wait_n", "count": 2, "strategy": "append"})
	ctx := context.Background()

	_, err := c.Deliver(ctx, run, node, "a", 1)
	require.NoError(t, err)

	out, fired, err := c.Evaluate(ctx, run, node, 2)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.True(t, out.Meta.WaitingForMerge)

	_, err = c.Deliver(ctx, run, node, "b", 2)
	require.NoError(t, err)

	out, fired, err = c.Evaluate(ctx, run, node, 1)
	require.NoError(t, err)
	require.True(t, fired)
	// Arrival order, not id order, for threshold policies.
	assert.Equal(t, []any{1.0, 2.0}, out.Data)
}

func TestMerge_WaitNRequiresCount(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"policy": "wait_n"})
	_, _, err := c.Evaluate(context.Background(), run, node, 0)
	require.Error(t, err)
}

func TestMerge_JoinMergesByIndex(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"strategy": "join"})
	ctx := context.Background()

	_, err := c.Deliver(ctx, run, node, "left", []any{
		map[string]any{"l": 1},
		map[string]any{"l": 2},
	})
	require.NoError(t, err)
	_, err = c.Deliver(ctx, run, node, "right", []any{
		map[string]any{"r": 10},
	})
	require.NoError(t, err)

	out, fired, err := c.Evaluate(ctx, run, node, 0)
	require.NoError(t, err)
	require.True(t, fired)

	// Item i of each branch merges into one object; shorter branches stop
	// contributing.
	joined, ok := out.Data.([]any)
	require.True(t, ok)
	require.Len(t, joined, 2)
	assert.Equal(t, map[string]any{"l": 1.0, "r": 10.0}, joined[0])
	assert.Equal(t, map[string]any{"l": 2.0}, joined[1])
}

func TestMerge_JoinKeysNonObjectsBySource(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"strategy": "join"})
	ctx := context.Background()

	_, err := c.Deliver(ctx, run, node, "nums", []any{7})
	require.NoError(t, err)
	_, err = c.Deliver(ctx, run, node, "objs", []any{map[string]any{"name": "ada"}})
	require.NoError(t, err)

	out, fired, err := c.Evaluate(ctx, run, node, 0)
	require.NoError(t, err)
	require.True(t, fired)

	joined := out.Data.([]any)
	require.Len(t, joined, 1)
	assert.Equal(t, map[string]any{"nums": 7.0, "name": "ada"}, joined[0])
}

func TestMerge_DeepMerge(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"strategy": "deep_merge"})
	ctx := context.Background()

	_, err := c.Deliver(ctx, run, node, "a", map[string]any{
		"user": map[string]any{"name": "ada", "tags": []any{"x"}},
		"keep": true,
	})
	require.NoError(t, err)
	_, err = c.Deliver(ctx, run, node, "b", map[string]any{
		"user": map[string]any{"email": "ada@example.com"},
	})
	require.NoError(t, err)

	out, fired, err := c.Evaluate(ctx, run, node, 0)
	require.NoError(t, err)
	require.True(t, fired)

	merged := out.Data.(map[string]any)
	user := merged["user"].(map[string]any)
	assert.Equal(t, "ada", user["name"])
	assert.Equal(t, "ada@example.com", user["email"])
	assert.Equal(t, true, merged["keep"])
}

func TestMerge_DeepMergeRejectsNonObjects(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"strategy": "deep_merge"})
	ctx := context.Background()

	_, err := c.Deliver(ctx, run, node, "a", "not an object")
	require.NoError(t, err)

	_, _, err = c.Evaluate(ctx, run, node, 0)
	require.Error(t, err)
}

func TestMerge_KeyedMerge(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"strategy": "keyed_merge", "key": "id"})
	ctx := context.Background()

	_, err := c.Deliver(ctx, run, node, "a", []any{
		map[string]any{"id": "1", "name": "one"},
		map[string]any{"id": "2", "name": "two"},
	})
	require.NoError(t, err)
	_, err = c.Deliver(ctx, run, node, "b", []any{
		map[string]any{"id": "2", "score": 9},
		map[string]any{"id": "3", "name": "three"},
	})
	require.NoError(t, err)

	out, fired, err := c.Evaluate(ctx, run, node, 0)
	require.NoError(t, err)
	require.True(t, fired)

	list := out.Data.([]any)
	require.Len(t, list, 3)
	byID := map[any]map[string]any{}
	for _, el := range list {
		obj := el.(map[string]any)
		byID[obj["id"]] = obj
	}
	assert.Equal(t, "two", byID["2"]["name"])
	assert.Equal(t, 9.0, byID["2"]["score"])
	assert.Equal(t, "three", byID["3"]["name"])
}

func TestMerge_KeyedMergeShallowReplacesDuplicates(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"strategy": "keyed_merge", "key": "id"})
	ctx := context.Background()

	_, err := c.Deliver(ctx, run, node, "a", []any{
		map[string]any{"id": "1", "meta": map[string]any{"a": 1, "b": 2}},
	})
	require.NoError(t, err)
	_, err = c.Deliver(ctx, run, node, "b", []any{
		map[string]any{"id": "1", "meta": map[string]any{"c": 3}},
	})
	require.NoError(t, err)

	out, fired, err := c.Evaluate(ctx, run, node, 0)
	require.NoError(t, err)
	require.True(t, fired)

	// Duplicates shallow-merge in arrival order: the later meta replaces
	// the earlier one wholesale instead of deep-merging into it.
	list := out.Data.([]any)
	require.Len(t, list, 1)
	obj := list[0].(map[string]any)
	assert.Equal(t, map[string]any{"c": 3.0}, obj["meta"])
}

func TestMerge_CopyOnDeliverIsolatesCaller(t *testing.T) {
	c, run, node := mergeFixture(t, map[string]any{"strategy": "pass_through"})
	ctx := context.Background()

	payload := map[string]any{"v": "original"}
	_, err := c.Deliver(ctx, run, node, "a", payload)
	require.NoError(t, err)

	// Mutating the caller's value after delivery must not leak in.
	payload["v"] = "mutated"

	out, fired, err := c.Evaluate(ctx, run, node, 0)
	require.NoError(t, err)
	require.True(t, fired)
	assert.Equal(t, map[string]any{"v": "original"}, out.Data)
}
