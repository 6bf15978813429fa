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

// Package llm provides model provider implementations for the engine.
package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tombee/cascade/pkg/engine"
)

// OpenAIConfig configures the OpenAI-backed chat provider.
type OpenAIConfig struct {
	// APIKey authenticates against the API. Required.
	APIKey string `yaml:"apiKey"`

	// BaseURL overrides the API endpoint, for proxies and
	// OpenAI-compatible servers. Optional.
	BaseURL string `yaml:"baseURL"`

	// Organization is the optional OpenAI organization id.
	Organization string `yaml:"organization"`
}

// chatClient is the subset of the OpenAI client the provider uses.
// Narrowed for test substitution.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider implements engine.ChatProvider on the OpenAI chat API.
type OpenAIProvider struct {
	client chatClient
}

// NewOpenAI creates a provider from the given configuration.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider requires apiKey in config")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Organization != "" {
		clientCfg.OrgID = cfg.Organization
	}

	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg)}, nil
}

// Name identifies the provider in logs and cost records.
func (p *OpenAIProvider) Name() string { return "openai" }

// Chat sends one completion request and returns the reply with token counts.
func (p *OpenAIProvider) Chat(ctx context.Context, req engine.ChatRequest) (*engine.ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	apiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		apiReq.Temperature = float32(req.Temperature)
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	return &engine.ChatResponse{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}
