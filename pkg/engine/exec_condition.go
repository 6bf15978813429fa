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

	"github.com/expr-lang/expr"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/graph"
	"github.com/tombee/cascade/pkg/resolver"
)

// ConditionExecutor evaluates a boolean expression against run state and
// routes execution through the "true" or "false" output port. The expression
// language is expr; the environment exposes global, variables, trigger, node
// outputs, and item scope.
type ConditionExecutor struct{}

func (ConditionExecutor) Type() string { return "condition" }

func (ConditionExecutor) Execute(_ context.Context, in *Input) (*Output, error) {
	exprSrc, _ := in.Config["expression"].(string)
	if exprSrc == "" {
		// Some editors emit the expression under "condition".
		exprSrc, _ = in.Config["condition"].(string)
	}
	if exprSrc == "" {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "condition",
			Message: "config.expression is required",
		}
	}

	result, err := EvaluateExpression(exprSrc, in.Resolution)
	if err != nil {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "condition",
			Message: fmt.Sprintf("expression %q failed", exprSrc), Cause: err,
		}
	}

	port := graph.PortFalse
	if truthy(result) {
		port = graph.PortTrue
	}

	return &Output{
		Data: map[string]any{"result": truthy(result)},
		Meta: OutputMeta{OutputPort: port},
	}, nil
}

// EvaluateExpression compiles and runs an expr expression against a
// resolution context. Undefined variables are allowed and evaluate to nil so
// that expressions over optional fields do not hard-fail.
func EvaluateExpression(src string, rctx *resolver.Context) (any, error) {
	env := map[string]any{}
	if rctx != nil {
		env = rctx.EnvMap()
	}

	program, err := expr.Compile(src,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compiling expression: %w", err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return result, nil
}

// truthy follows expression-language truthiness: false, nil, zero numbers,
// and empty strings/collections are false.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
