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

	"github.com/tombee/cascade/pkg/errors"
)

// ChatRequest is one model invocation.
type ChatRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the model's reply with token accounting.
type ChatResponse struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// ChatProvider abstracts the model backend. The engine only needs text
// in/out and token counts; provider construction lives outside the engine.
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name identifies the provider in logs and cost records.
	Name() string
}

// LLMExecutor invokes a chat model. Config: model, prompt, system,
// maxTokens, temperature. Cost is computed from the pricing table and
// reported to the engine for budget accounting; the engine performs the
// pre-flight budget check before this executor runs.
type LLMExecutor struct {
	Provider ChatProvider
	Pricing  *PricingTable
}

func (LLMExecutor) Type() string { return "llm" }

func (e LLMExecutor) Execute(ctx context.Context, in *Input) (*Output, error) {
	if e.Provider == nil {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "llm",
			Message: "no model provider configured",
		}
	}

	prompt, _ := in.Config["prompt"].(string)
	if prompt == "" {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "llm",
			Message: "config.prompt is required",
		}
	}

	req := ChatRequest{
		Model:  stringOr(in.Config["model"], DefaultModel),
		Prompt: prompt,
	}
	req.System, _ = in.Config["system"].(string)
	if n, ok := numberAsInt(in.Config["maxTokens"]); ok {
		req.MaxTokens = n
	}
	if f, ok := in.Config["temperature"].(float64); ok {
		req.Temperature = f
	}

	resp, err := e.Provider.Chat(ctx, req)
	if err != nil {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "llm",
			Message: "model call failed", Retryable: true, Cause: err,
		}
	}

	cost := e.Pricing.Cost(req.Model, resp.TokensIn, resp.TokensOut)

	return &Output{
		Data: map[string]any{
			"text":      resp.Text,
			"model":     req.Model,
			"tokensIn":  resp.TokensIn,
			"tokensOut": resp.TokensOut,
		},
		Meta: OutputMeta{
			TokensIn:  resp.TokensIn,
			TokensOut: resp.TokensOut,
			CostUSD:   cost,
			Model:     req.Model,
		},
	}, nil
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
