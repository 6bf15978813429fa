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
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/resolver"
)

// TransformExecutor reshapes its input with a jq program from config.query.
// The program runs once over the whole input value ($input mode) or once per
// item when config.mode is "perItem".
type TransformExecutor struct{}

func (TransformExecutor) Type() string { return "transform" }

func (TransformExecutor) Execute(ctx context.Context, in *Input) (*Output, error) {
	src, _ := in.Config["query"].(string)
	if src == "" {
		src, _ = in.Config["expression"].(string)
	}
	if src == "" {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "transform",
			Message: "config.query is required",
		}
	}

	query, err := gojq.Parse(src)
	if err != nil {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "transform",
			Message: fmt.Sprintf("invalid jq query %q", src), Cause: err,
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "transform",
			Message: "compiling jq query failed", Cause: err,
		}
	}

	mode, _ := in.Config["mode"].(string)
	if mode == "perItem" {
		out := make([]any, 0, len(in.Items))
		for _, item := range in.Items {
			results, err := runQuery(ctx, code, normalizeForJQ(item.JSON))
			if err != nil {
				return nil, &errors.ExecutorError{
					NodeID: in.Node.ID, NodeType: "transform",
					Message: "jq query failed", Cause: err,
				}
			}
			out = append(out, results...)
		}
		return &Output{Data: out}, nil
	}

	input := normalizeForJQ(resolver.ValueFromItems(in.Items))
	results, err := runQuery(ctx, code, input)
	if err != nil {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "transform",
			Message: "jq query failed", Cause: err,
		}
	}
	if len(results) == 1 {
		return &Output{Data: results[0]}, nil
	}
	return &Output{Data: results}, nil
}

func runQuery(ctx context.Context, code *gojq.Code, input any) ([]any, error) {
	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		results = append(results, v)
	}
	return results, nil
}

// normalizeForJQ converts values to the types gojq accepts: ints become
// float64-free int wideners and structs are rejected upstream, so only
// numeric widening is needed here.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float32:
		return float64(val)
	case []resolver.Item:
		out := make([]any, len(val))
		for i, it := range val {
			out[i] = normalizeForJQ(it.JSON)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = normalizeForJQ(el)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, el := range val {
			out[k] = normalizeForJQ(el)
		}
		return out
	default:
		return v
	}
}
