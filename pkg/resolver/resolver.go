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
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tombee/cascade/pkg/errors"
)

// refPattern matches a {{ ... }} reference anywhere in a string.
var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// forbiddenSegments are path segments rejected outright. They exist to stop
// prototype-pollution style probes carried in user-controlled payloads from
// reaching anything interesting.
var forbiddenSegments = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Resolver evaluates references in node configuration against a Context.
type Resolver struct {
	logger *slog.Logger
}

// New creates a Resolver. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// ResolveString resolves all references in s. When s is exactly one
// reference the referenced value is returned with its native type; otherwise
// each reference is stringified and spliced into the surrounding text.
//
// An unresolvable reference yields nil (pure) or the empty string (spliced)
// and a ResolverError; callers decide whether that is fatal.
func (r *Resolver) ResolveString(s string, ctx *Context) (any, error) {
	if ref, ok := pureReference(s); ok {
		return r.evalReference(ref, ctx)
	}

	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])
		v, err := r.evalReference(ref, ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return Stringify(v)
	})
	return out, firstErr
}

// ResolveValue resolves references recursively through maps, slices, and
// strings. Non-string leaves pass through unchanged.
func (r *Resolver) ResolveValue(v any, ctx *Context) (any, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(val, ctx)
	case map[string]any:
		out := make(map[string]any, len(val))
		var firstErr error
		for k, elem := range val {
			resolved, err := r.ResolveValue(elem, ctx)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			out[k] = resolved
		}
		return out, firstErr
	case []any:
		out := make([]any, len(val))
		var firstErr error
		for i, elem := range val {
			resolved, err := r.ResolveValue(elem, ctx)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			out[i] = resolved
		}
		return out, firstErr
	default:
		return v, nil
	}
}

// ResolveConfig resolves a node's configuration map.
func (r *Resolver) ResolveConfig(config map[string]any, ctx *Context) (map[string]any, error) {
	resolved, err := r.ResolveValue(config, ctx)
	if err != nil {
		return nil, err
	}
	out, _ := resolved.(map[string]any)
	return out, nil
}

// pureReference reports whether s is exactly one {{...}} reference and
// returns the inner path. Pure references preserve the value's native type.
func pureReference(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return inner, true
}

// segment is one parsed path element: a name, optional bracket keys, and an
// optional trailing () marking a method call.
type segment struct {
	name string
	keys []any // string or int bracket keys, in order
	call bool
}

func (r *Resolver) evalReference(ref string, ctx *Context) (any, error) {
	segs, err := parsePath(ref)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, &errors.ResolverError{Reference: ref, Reason: "empty reference"}
	}

	for _, seg := range segs {
		if forbiddenSegments[strings.ToLower(seg.name)] {
			r.logger.Warn("rejected forbidden path segment in reference",
				"reference", ref,
				"segment", seg.name)
			return nil, &errors.ResolverError{Reference: ref, Reason: "forbidden path segment", Forbidden: true}
		}
		for _, k := range seg.keys {
			if s, ok := k.(string); ok && forbiddenSegments[strings.ToLower(s)] {
				r.logger.Warn("rejected forbidden path segment in reference",
					"reference", ref,
					"segment", s)
				return nil, &errors.ResolverError{Reference: ref, Reason: "forbidden path segment", Forbidden: true}
			}
		}
	}

	head, rest := segs[0], segs[1:]

	root, consumed, err := r.evalRoot(ref, head, rest, ctx)
	if err != nil {
		return nil, err
	}
	// Scope variables and $input methods walk the full path themselves.
	if consumed {
		return root, nil
	}

	return navigate(ref, root, restAfterRoot(head, rest))
}

// restAfterRoot returns the segments still to navigate after the root. The
// root's own bracket keys are replayed as anonymous segments.
func restAfterRoot(head segment, rest []segment) []segment {
	if len(head.keys) == 0 {
		return rest
	}
	replay := segment{keys: head.keys}
	return append([]segment{replay}, rest...)
}

// evalRoot maps the first segment to a value. Scope variables and $input
// methods walk the full path themselves and report consumed=true.
func (r *Resolver) evalRoot(ref string, head segment, rest []segment, ctx *Context) (any, bool, error) {
	fail := func(reason string) (any, bool, error) {
		return nil, false, &errors.ResolverError{Reference: ref, Reason: reason}
	}
	done := func(v any, err error) (any, bool, error) {
		return v, true, err
	}

	switch head.name {
	case "global":
		return ctx.Global, false, nil
	case "variables":
		return ctx.Variables, false, nil
	case "trigger":
		return ctx.Trigger, false, nil

	case "$json":
		cur := ctx.CurrentItem()
		if cur == nil {
			return fail("no current item for $json")
		}
		return cur, false, nil

	case "$items":
		if len(head.keys) != 1 {
			return fail("$items requires an index, e.g. $items[0]")
		}
		idx, ok := head.keys[0].(int)
		if !ok {
			return fail("$items index must be an integer")
		}
		if idx < 0 || idx >= len(ctx.Items) {
			return fail(fmt.Sprintf("$items index %d out of range (%d items)", idx, len(ctx.Items)))
		}
		return done(navigateItem(ref, ctx.Items[idx], rest))

	case "$node":
		if len(head.keys) != 1 {
			return fail(`$node requires a node name, e.g. $node["Fetch"]`)
		}
		name, ok := head.keys[0].(string)
		if !ok {
			return fail("$node key must be a quoted node name")
		}
		items, ok := ctx.NodeItems[name]
		if !ok {
			return fail(fmt.Sprintf("node %q has no recorded output", name))
		}
		return done(navigateNodeItems(ref, items, rest))

	case "$input":
		return done(evalInput(ref, rest, ctx))

	case "$itemIndex":
		if ctx.Loop != nil {
			return ctx.Loop.ItemIndex, true, nil
		}
		return ctx.ItemIndex, true, nil
	case "$itemCount":
		return len(ctx.Items), true, nil

	case "$runIndex", "$batchIndex", "$totalItems", "$batchSize", "$isLastBatch", "$loopNodeId":
		if ctx.Loop == nil {
			return fail(head.name + " is only available inside a loop")
		}
		switch head.name {
		case "$runIndex":
			return ctx.Loop.RunIndex, true, nil
		case "$batchIndex":
			return ctx.Loop.BatchIndex, true, nil
		case "$totalItems":
			return ctx.Loop.TotalItems, true, nil
		case "$batchSize":
			return ctx.Loop.BatchSize, true, nil
		case "$isLastBatch":
			return ctx.Loop.IsLastBatch, true, nil
		default:
			return ctx.Loop.LoopNodeID, true, nil
		}
	}

	if strings.HasPrefix(head.name, "$") {
		return fail(fmt.Sprintf("unknown scope variable %s", head.name))
	}

	// Anything else is a node id reference: nodeId.output.path / nodeId.meta.path
	view, ok := ctx.Nodes[head.name]
	if !ok {
		return fail(fmt.Sprintf("node %q has not executed or does not exist", head.name))
	}
	if len(rest) == 0 {
		return fail(fmt.Sprintf("node reference %q needs .output or .meta", head.name))
	}
	return map[string]any{"output": view.Output, "meta": anyMap(view.Meta)}, false, nil
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// evalInput handles $input.first(), $input.last(), $input.all(), $input.item
// plus any trailing path into the selected item.
func evalInput(ref string, rest []segment, ctx *Context) (any, error) {
	if len(rest) == 0 {
		return nil, &errors.ResolverError{Reference: ref, Reason: "$input requires a method: first(), last(), all(), or item"}
	}

	sel := rest[0]
	tail := rest[1:]

	switch {
	case sel.name == "first" && sel.call:
		if len(ctx.Items) == 0 {
			return nil, &errors.ResolverError{Reference: ref, Reason: "$input.first() on empty input"}
		}
		return navigateItem(ref, ctx.Items[0], prependKeys(sel.keys, tail))
	case sel.name == "last" && sel.call:
		if len(ctx.Items) == 0 {
			return nil, &errors.ResolverError{Reference: ref, Reason: "$input.last() on empty input"}
		}
		return navigateItem(ref, ctx.Items[len(ctx.Items)-1], prependKeys(sel.keys, tail))
	case sel.name == "all" && sel.call:
		all := make([]any, len(ctx.Items))
		for i, it := range ctx.Items {
			all[i] = map[string]any{"json": it.JSON}
		}
		return navigate(ref, all, prependKeys(sel.keys, tail))
	case sel.name == "item" && !sel.call:
		cur := ctx.CurrentItem()
		if cur == nil {
			return nil, &errors.ResolverError{Reference: ref, Reason: "$input.item with no current item"}
		}
		return navigate(ref, map[string]any{"json": cur}, prependKeys(sel.keys, tail))
	}

	return nil, &errors.ResolverError{Reference: ref, Reason: fmt.Sprintf("unknown $input method %q", sel.name)}
}

func prependKeys(keys []any, rest []segment) []segment {
	if len(keys) == 0 {
		return rest
	}
	return append([]segment{{keys: keys}}, rest...)
}

// navigateItem exposes an item as {json: ...} and walks the remaining path.
func navigateItem(ref string, it Item, rest []segment) (any, error) {
	return navigate(ref, map[string]any{"json": it.JSON}, rest)
}

// navigateNodeItems exposes a node's items as {json: [...]} so that
// $node["Name"].json, .json[i], and .json[i].field all work.
func navigateNodeItems(ref string, items []Item, rest []segment) (any, error) {
	jsons := make([]any, len(items))
	for i, it := range items {
		jsons[i] = it.JSON
	}
	var root any = map[string]any{"json": jsons}
	// Single-item nodes also allow .json.field directly.
	if len(items) == 1 {
		if len(rest) > 0 && rest[0].name == "json" &&
			len(rest[0].keys) == 0 && len(rest) > 1 {
			root = map[string]any{"json": items[0].JSON}
		}
	}
	return navigate(ref, root, rest)
}

// navigate walks a value along the remaining segments.
func navigate(ref string, v any, segs []segment) (any, error) {
	fail := func(reason string) (any, error) {
		return nil, &errors.ResolverError{Reference: ref, Reason: reason}
	}

	for _, seg := range segs {
		if seg.call {
			return fail(fmt.Sprintf("%s() is not callable here", seg.name))
		}
		if seg.name != "" {
			next, err := step(v, seg.name)
			if err != nil {
				return fail(err.Error())
			}
			v = next
		}
		for _, k := range seg.keys {
			next, err := stepKey(v, k)
			if err != nil {
				return fail(err.Error())
			}
			v = next
		}
	}
	return v, nil
}

func step(v any, name string) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("cannot access field %q on %T", name, v)
	}
	next, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("field %q not found", name)
	}
	return next, nil
}

func stepKey(v any, key any) (any, error) {
	switch k := key.(type) {
	case int:
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("cannot index %T with [%d]", v, k)
		}
		if k < 0 || k >= len(list) {
			return nil, fmt.Errorf("index %d out of range (%d elements)", k, len(list))
		}
		return list[k], nil
	case string:
		return step(v, k)
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
}

// parsePath tokenizes a reference path: dot-separated names, [int] and
// ["string"] bracket keys, and () call markers.
func parsePath(ref string) ([]segment, error) {
	var segs []segment
	i := 0
	n := len(ref)

	for i < n {
		var seg segment

		// Name part (may be empty when a segment starts with a bracket).
		start := i
		for i < n && ref[i] != '.' && ref[i] != '[' && ref[i] != '(' {
			i++
		}
		seg.name = ref[start:i]

		// Call marker.
		if i < n && ref[i] == '(' {
			if i+1 >= n || ref[i+1] != ')' {
				return nil, &errors.ResolverError{Reference: ref, Reason: "malformed call, expected ()"}
			}
			seg.call = true
			i += 2
		}

		// Bracket keys.
		for i < n && ref[i] == '[' {
			close := strings.IndexByte(ref[i:], ']')
			if close < 0 {
				return nil, &errors.ResolverError{Reference: ref, Reason: "unterminated bracket in path"}
			}
			raw := ref[i+1 : i+close]
			i += close + 1

			key, err := parseBracketKey(ref, raw)
			if err != nil {
				return nil, err
			}
			seg.keys = append(seg.keys, key)
		}

		if seg.name == "" && len(seg.keys) == 0 && !seg.call {
			return nil, &errors.ResolverError{Reference: ref, Reason: "empty path segment"}
		}
		segs = append(segs, seg)

		if i < n {
			if ref[i] != '.' {
				return nil, &errors.ResolverError{Reference: ref, Reason: fmt.Sprintf("unexpected character %q in path", ref[i])}
			}
			i++
			if i == n {
				return nil, &errors.ResolverError{Reference: ref, Reason: "trailing dot in path"}
			}
		}
	}

	return segs, nil
}

func parseBracketKey(ref, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 && (raw[0] == '"' || raw[0] == '\'') && raw[len(raw)-1] == raw[0] {
		return raw[1 : len(raw)-1], nil
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &errors.ResolverError{Reference: ref, Reason: fmt.Sprintf("invalid bracket key %q", raw)}
	}
	return idx, nil
}
