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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/resolver"
)

// TriggerExecutor passes the trigger payload through as node output.
type TriggerExecutor struct{}

func (TriggerExecutor) Type() string { return "trigger" }

func (TriggerExecutor) Execute(_ context.Context, in *Input) (*Output, error) {
	return &Output{Data: in.Run.Trigger.Payload}, nil
}

// SetExecutor assigns values into run variables and emits them as output.
// Config keys under "values" are resolved and handed back through the output
// meta; the engine commits them under the run state lock, since intra-wave
// set nodes run concurrently.
type SetExecutor struct{}

func (SetExecutor) Type() string { return "set" }

func (SetExecutor) Execute(_ context.Context, in *Input) (*Output, error) {
	values, _ := in.Config["values"].(map[string]any)
	if values == nil {
		values = map[string]any{}
	}
	return &Output{Data: values, Meta: OutputMeta{Variables: values}}, nil
}

// PassthroughExecutor forwards its input items unchanged. It backs generic
// "action" nodes and serves as the registry fallback so unknown node types
// flow data through instead of failing the run.
type PassthroughExecutor struct{}

func (PassthroughExecutor) Type() string { return "action" }

func (PassthroughExecutor) Execute(_ context.Context, in *Input) (*Output, error) {
	return &Output{Data: resolver.ValueFromItems(in.Items)}, nil
}

// HTTPExecutor performs an HTTP request described by node config: url,
// method, headers, body, timeoutMs. Non-2xx responses are retryable for
// 5xx/429 and fatal otherwise.
type HTTPExecutor struct {
	Client *http.Client
}

func (HTTPExecutor) Type() string { return "http" }

func (e HTTPExecutor) Execute(ctx context.Context, in *Input) (*Output, error) {
	url, _ := in.Config["url"].(string)
	if url == "" {
		return nil, &errors.ExecutorError{
			NodeID:   in.Node.ID,
			NodeType: "http",
			Message:  "config.url is required",
		}
	}
	method, _ := in.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if raw, ok := in.Config["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, &errors.ExecutorError{
				NodeID: in.Node.ID, NodeType: "http",
				Message: "config.body is not serializable", Cause: err,
			}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "http",
			Message: "invalid request", Cause: err,
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := in.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, resolver.Stringify(v))
		}
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	if ms, ok := numberAsInt(in.Config["timeoutMs"]); ok && ms > 0 {
		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
		req = req.WithContext(reqCtx)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "http",
			Message: "request failed", Retryable: true, Cause: err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "http",
			Message: "reading response failed", Retryable: true, Cause: err,
		}
	}

	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "http",
			Message:   fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url),
			Retryable: retryable,
		}
	}

	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		parsed = string(respBody)
	}
	return &Output{Data: map[string]any{
		"status":  resp.StatusCode,
		"body":    parsed,
		"headers": flattenHeaders(resp.Header),
	}}, nil
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// numberAsInt normalizes JSON numbers (float64) and native ints.
func numberAsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
