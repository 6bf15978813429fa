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

package resolver

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

func testContext() *Context {
	ctx := NewContext()
	ctx.Global["userId"] = "u-42"
	ctx.Global["env"] = "staging"
	ctx.Variables["region"] = "eu"
	ctx.Variables["limit"] = 10
	ctx.Trigger["type"] = "webhook"
	ctx.Trigger["payload"] = map[string]any{
		"orderId": "ord-7",
		"amount":  99.5,
	}
	ctx.Nodes["fetch"] = NodeView{
		Output: map[string]any{
			"items": []any{
				map[string]any{"name": "a", "score": 1},
				map[string]any{"name": "b", "score": 2},
			},
			"count": 2,
		},
		Meta: map[string]any{"status": "completed", "durationMs": 12},
	}
	ctx.Items = []Item{
		{JSON: map[string]any{"name": "a", "score": 1}},
		{JSON: map[string]any{"name": "b", "score": 2}},
	}
	ctx.NodeItems["Fetch"] = ctx.Items
	return ctx
}

func newTestResolver() *Resolver {
	return New(slog.Default())
}

func TestResolve_PureReferenceKeepsType(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()

	v, err := r.ResolveString("{{variables.limit}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	v, err = r.ResolveString("{{fetch.output.count}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = r.ResolveString("{{fetch.output.items}}", ctx)
	require.NoError(t, err)
	assert.IsType(t, []any{}, v)
}

func TestResolve_SplicedReferencesStringify(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()

	v, err := r.ResolveString("user {{global.userId}} in {{variables.region}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "user u-42 in eu", v)
}

func TestResolve_TriggerPayloadPath(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()

	v, err := r.ResolveString("{{trigger.payload.orderId}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "ord-7", v)
}

func TestResolve_NodeOutputIndexedPath(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()

	v, err := r.ResolveString("{{fetch.output.items[1].name}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	v, err = r.ResolveString("{{fetch.meta.status}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "completed", v)
}

func TestResolve_ItemScope(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()
	ctx.ItemIndex = 1

	v, err := r.ResolveString("{{$json.name}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	v, err = r.ResolveString("{{$items[0].json.score}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = r.ResolveString("{{$itemIndex}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = r.ResolveString("{{$itemCount}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestResolve_InputMethods(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()

	v, err := r.ResolveString("{{$input.first().json.name}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	v, err = r.ResolveString("{{$input.last().json.name}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	v, err = r.ResolveString("{{$input.all()}}", ctx)
	require.NoError(t, err)
	require.IsType(t, []any{}, v)
	assert.Len(t, v, 2)

	ctx.ItemIndex = 1
	v, err = r.ResolveString("{{$input.item.json.score}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestResolve_NodeByName(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()

	v, err := r.ResolveString(`{{$node["Fetch"].json[0].name}}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestResolve_LoopScope(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()

	// Outside a loop the loop variables are unavailable.
	_, err := r.ResolveString("{{$runIndex}}", ctx)
	var rerr *cascadeerrors.ResolverError
	require.ErrorAs(t, err, &rerr)

	ctx.Loop = &LoopVars{
		RunIndex:    3,
		BatchIndex:  3,
		ItemIndex:   1,
		TotalItems:  10,
		BatchSize:   2,
		IsLastBatch: false,
		LoopNodeID:  "loop",
	}

	v, err := r.ResolveString("{{$runIndex}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = r.ResolveString("{{$isLastBatch}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = r.ResolveString("{{$loopNodeId}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "loop", v)

	// $itemIndex inside a loop reflects loop progress.
	v, err = r.ResolveString("{{$itemIndex}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestResolve_ForbiddenSegments(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()

	for _, ref := range []string{
		"{{global.__proto__}}",
		"{{global.constructor.prototype}}",
		"{{fetch.output.__PROTO__}}",
		`{{$node["__proto__"].json}}`,
		`{{global["constructor"]}}`,
	} {
		v, err := r.ResolveString(ref, ctx)
		assert.Nil(t, v, ref)

		var rerr *cascadeerrors.ResolverError
		require.ErrorAs(t, err, &rerr, ref)
		assert.True(t, rerr.Forbidden, ref)
	}
}

func TestResolve_MissingPathYieldsError(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()

	v, err := r.ResolveString("{{fetch.output.nope}}", ctx)
	assert.Nil(t, v)
	var rerr *cascadeerrors.ResolverError
	require.ErrorAs(t, err, &rerr)

	// Unknown node.
	_, err = r.ResolveString("{{ghost.output.x}}", ctx)
	require.ErrorAs(t, err, &rerr)

	// Spliced form degrades to empty string but still reports the error.
	v, err = r.ResolveString("value: {{fetch.output.nope}}!", ctx)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "value: !", v)
}

func TestResolve_NoReferencesPassesThrough(t *testing.T) {
	r := newTestResolver()
	v, err := r.ResolveString("plain text", testContext())
	require.NoError(t, err)
	assert.Equal(t, "plain text", v)
}

func TestResolveConfig_Recursive(t *testing.T) {
	r := newTestResolver()
	ctx := testContext()

	config := map[string]any{
		"url": "https://api.example.com/users/{{global.userId}}",
		"body": map[string]any{
			"region": "{{variables.region}}",
			"limit":  "{{variables.limit}}",
		},
		"tags":    []any{"{{global.env}}", "static"},
		"timeout": 30,
	}

	out, err := r.ResolveConfig(config, ctx)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/users/u-42", out["url"])
	body := out["body"].(map[string]any)
	assert.Equal(t, "eu", body["region"])
	assert.Equal(t, 10, body["limit"])
	assert.Equal(t, []any{"staging", "static"}, out["tags"])
	assert.Equal(t, 30, out["timeout"])
}

func TestParsePath(t *testing.T) {
	segs, err := parsePath(`$node["My Node"].json[0].field`)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, "$node", segs[0].name)
	assert.Equal(t, []any{"My Node"}, segs[0].keys)
	assert.Equal(t, "json", segs[1].name)
	assert.Equal(t, []any{0}, segs[1].keys)
	assert.Equal(t, "field", segs[2].name)

	segs, err = parsePath("first()")
	require.NoError(t, err)
	assert.True(t, segs[0].call)

	_, err = parsePath("a..b")
	require.Error(t, err)
	_, err = parsePath("a.b[")
	require.Error(t, err)
	_, err = parsePath("a.")
	require.Error(t, err)
}
