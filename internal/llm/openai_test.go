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

package llm

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/engine"
)

type fakeClient struct {
	got  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.got = req
	return f.resp, f.err
}

func TestNewOpenAI_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	require.Error(t, err)

	p, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestChat_BuildsRequestAndMapsResponse(t *testing.T) {
	fake := &fakeClient{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "summary text"}},
			},
			Usage: openai.Usage{PromptTokens: 120, CompletionTokens: 40},
		},
	}
	p := &OpenAIProvider{client: fake}

	resp, err := p.Chat(context.Background(), engine.ChatRequest{
		Model:       "gpt-4o-mini",
		System:      "be terse",
		Prompt:      "summarize this",
		MaxTokens:   256,
		Temperature: 0.2,
	})
	require.NoError(t, err)

	assert.Equal(t, "summary text", resp.Text)
	assert.Equal(t, 120, resp.TokensIn)
	assert.Equal(t, 40, resp.TokensOut)

	require.Len(t, fake.got.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, fake.got.Messages[0].Role)
	assert.Equal(t, "be terse", fake.got.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, fake.got.Messages[1].Role)
	assert.Equal(t, "gpt-4o-mini", fake.got.Model)
	assert.Equal(t, 256, fake.got.MaxTokens)
	assert.InDelta(t, 0.2, float64(fake.got.Temperature), 1e-6)
}

func TestChat_NoSystemMessage(t *testing.T) {
	fake := &fakeClient{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "ok"}},
			},
		},
	}
	p := &OpenAIProvider{client: fake}

	_, err := p.Chat(context.Background(), engine.ChatRequest{Model: "gpt-4o", Prompt: "hi"})
	require.NoError(t, err)
	require.Len(t, fake.got.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, fake.got.Messages[0].Role)
}

func TestChat_Errors(t *testing.T) {
	p := &OpenAIProvider{client: &fakeClient{err: errors.New("rate limited")}}
	_, err := p.Chat(context.Background(), engine.ChatRequest{Model: "gpt-4o", Prompt: "hi"})
	require.Error(t, err)

	// Empty choices is an error, not a panic.
	p = &OpenAIProvider{client: &fakeClient{}}
	_, err = p.Chat(context.Background(), engine.ChatRequest{Model: "gpt-4o", Prompt: "hi"})
	require.Error(t, err)
}
