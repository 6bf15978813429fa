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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/graph"
	"github.com/tombee/cascade/pkg/resolver"
)

func execInput(nodeType string, config map[string]any, items []resolver.Item) *Input {
	rctx := resolver.NewContext()
	rctx.Items = items
	return &Input{
		Node:       &graph.Node{ID: "n1", Type: nodeType, Config: config},
		Config:     config,
		Items:      items,
		Resolution: rctx,
		Run:        &Run{ID: "run-1", WorkflowID: "wf-1", Variables: map[string]any{}},
	}
}

func TestConditionExecutor_Routing(t *testing.T) {
	exec := ConditionExecutor{}

	in := execInput("condition", map[string]any{"expression": "1 > 0"}, nil)
	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, graph.PortTrue, out.Meta.OutputPort)

	in = execInput("condition", map[string]any{"expression": `"a" == "b"`}, nil)
	out, err = exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, graph.PortFalse, out.Meta.OutputPort)
}

func TestConditionExecutor_EnvAccess(t *testing.T) {
	exec := ConditionExecutor{}
	in := execInput("condition", map[string]any{"expression": `variables.count > 3`}, nil)
	in.Resolution.Variables["count"] = 5

	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, graph.PortTrue, out.Meta.OutputPort)
}

func TestConditionExecutor_MissingExpression(t *testing.T) {
	exec := ConditionExecutor{}
	_, err := exec.Execute(context.Background(), execInput("condition", map[string]any{}, nil))
	var execErr *cascadeerrors.ExecutorError
	require.ErrorAs(t, err, &execErr)
}

func TestTransformExecutor_WholeInput(t *testing.T) {
	exec := TransformExecutor{}
	items := []resolver.Item{
		{JSON: map[string]any{"name": "a", "score": 3.0}},
		{JSON: map[string]any{"name": "b", "score": 7.0}},
	}
	in := execInput("transform", map[string]any{"query": `map(select(.score > 5)) | map(.name)`}, items)

	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out.Data)
}

func TestTransformExecutor_PerItem(t *testing.T) {
	exec := TransformExecutor{}
	items := []resolver.Item{{JSON: 2.0}, {JSON: 5.0}}
	in := execInput("transform", map[string]any{"query": `. * 10`, "mode": "perItem"}, items)

	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []any{20.0, 50.0}, out.Data)
}

func TestTransformExecutor_InvalidQuery(t *testing.T) {
	exec := TransformExecutor{}
	_, err := exec.Execute(context.Background(), execInput("transform", map[string]any{"query": "][not jq"}, nil))
	var execErr *cascadeerrors.ExecutorError
	require.ErrorAs(t, err, &execErr)
}

func TestHTTPExecutor_JSONRoundTrip(t *testing.T) {
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	exec := HTTPExecutor{Client: srv.Client()}
	in := execInput("http", map[string]any{
		"url":     srv.URL,
		"method":  "post",
		"body":    map[string]any{"q": 1},
		"headers": map[string]any{"X-Api-Key": "secret"},
	}, nil)

	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "secret", gotHeader)

	data := out.Data.(map[string]any)
	assert.Equal(t, 200, data["status"])
	assert.Equal(t, map[string]any{"ok": true}, data["body"])
}

func TestHTTPExecutor_StatusRetryability(t *testing.T) {
	status := 500
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	exec := HTTPExecutor{Client: srv.Client()}

	_, err := exec.Execute(context.Background(), execInput("http", map[string]any{"url": srv.URL}, nil))
	assert.True(t, cascadeerrors.IsRetryable(err), "5xx should be retryable")

	status = 404
	_, err = exec.Execute(context.Background(), execInput("http", map[string]any{"url": srv.URL}, nil))
	require.Error(t, err)
	assert.False(t, cascadeerrors.IsRetryable(err), "4xx should not be retryable")
}

func TestWaitExecutor_TimerSuspension(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	exec := WaitExecutor{Now: func() time.Time { return base }}

	out, err := exec.Execute(context.Background(), execInput("wait", map[string]any{
		"mode": "timer", "durationMs": 60000,
	}, nil))
	require.NoError(t, err)

	require.True(t, out.Meta.Suspend)
	s := out.Meta.Suspension
	require.NotNil(t, s)
	assert.Equal(t, SuspendTimer, s.Kind)
	assert.Equal(t, base.Add(time.Minute), *s.ResumeAt)
}

func TestWaitExecutor_DatetimeInPastResumesImmediately(t *testing.T) {
	exec := WaitExecutor{}
	out, err := exec.Execute(context.Background(), execInput("wait", map[string]any{
		"mode": "datetime", "until": "2001-01-01T00:00:00Z",
	}, nil))
	require.NoError(t, err)
	assert.False(t, out.Meta.Suspend)
}

func TestWaitExecutor_WebhookTimeoutConfig(t *testing.T) {
	exec := WaitExecutor{}
	out, err := exec.Execute(context.Background(), execInput("wait", map[string]any{
		"mode":           "webhook",
		"timeoutMs":      1000,
		"onTimeout":      "default",
		"defaultPayload": map[string]any{"approved": false},
	}, nil))
	require.NoError(t, err)

	s := out.Meta.Suspension
	require.NotNil(t, s)
	assert.Equal(t, SuspendWebhook, s.Kind)
	assert.NotEmpty(t, s.WebhookPath)
	assert.NotEmpty(t, s.Token)
	require.NotNil(t, s.ResumeAt)
	assert.Equal(t, TimeoutDefault, s.OnTimeout)
	assert.Equal(t, map[string]any{"approved": false}, s.DefaultPayload)
}

func TestWaitExecutor_ConditionAlreadyTrue(t *testing.T) {
	exec := WaitExecutor{}
	in := execInput("wait", map[string]any{"mode": "condition", "expression": "variables.ready"}, nil)
	in.Resolution.Variables["ready"] = true

	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, out.Meta.Suspend)
}

func TestWaitExecutor_ConditionFalsePolls(t *testing.T) {
	exec := WaitExecutor{}
	in := execInput("wait", map[string]any{
		"mode": "condition", "expression": "variables.ready", "pollIntervalMs": 500,
	}, nil)

	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	require.True(t, out.Meta.Suspend)
	assert.Equal(t, SuspendCondition, out.Meta.Suspension.Kind)
	require.NotNil(t, out.Meta.Suspension.ResumeAt)
}

func TestWaitExecutor_NodeTypeAliases(t *testing.T) {
	reg := DefaultRegistry(nil, nil)

	// webhookWait and approval resolve to wait executors that pin the
	// mode, not to the passthrough fallback.
	exec, err := reg.Lookup("webhookWait")
	require.NoError(t, err)
	out, err := exec.Execute(context.Background(), execInput("webhookWait", map[string]any{}, nil))
	require.NoError(t, err)
	require.True(t, out.Meta.Suspend)
	assert.Equal(t, SuspendWebhook, out.Meta.Suspension.Kind)
	assert.NotEmpty(t, out.Meta.Suspension.WebhookPath)
	assert.NotEmpty(t, out.Meta.Suspension.Token)

	exec, err = reg.Lookup("approval")
	require.NoError(t, err)
	out, err = exec.Execute(context.Background(), execInput("approval", map[string]any{}, nil))
	require.NoError(t, err)
	require.True(t, out.Meta.Suspend)
	assert.Equal(t, SuspendApproval, out.Meta.Suspension.Kind)
	assert.NotEmpty(t, out.Meta.Suspension.Token)
}

func TestWaitExecutor_WebhookAllowedIPs(t *testing.T) {
	exec := WaitExecutor{}
	out, err := exec.Execute(context.Background(), execInput("wait", map[string]any{
		"mode":       "webhook",
		"allowedIps": []any{"203.0.113.7", "10.0.0.0/8"},
	}, nil))
	require.NoError(t, err)

	s := out.Meta.Suspension
	require.NotNil(t, s)
	assert.Equal(t, []string{"203.0.113.7", "10.0.0.0/8"}, s.AllowedIPs)
}

func TestWaitExecutor_ResumeCompletesWithPayload(t *testing.T) {
	exec := WaitExecutor{}
	in := execInput("wait", map[string]any{"mode": "webhook"}, nil)
	in.Resume = &Suspension{
		ID: "s1", Kind: SuspendWebhook, Resolved: true,
		Payload: map[string]any{"answer": 42},
	}

	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, out.Meta.Suspend)
	assert.Equal(t, map[string]any{"answer": 42}, out.Data)
}

func TestSetExecutor_EmitsVariableWrites(t *testing.T) {
	exec := SetExecutor{}
	in := execInput("set", map[string]any{"values": map[string]any{"region": "eu"}}, nil)

	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"region": "eu"}, out.Data)
	assert.Equal(t, map[string]any{"region": "eu"}, out.Meta.Variables)

	// Writes flow through the output meta so the engine commits them under
	// the run state lock; the executor never touches shared state itself.
	assert.Empty(t, in.Run.Variables)
}

func TestCredentialResolver_ApplyAndCache(t *testing.T) {
	calls := 0
	source := CredentialSourceFunc(func(_ context.Context, name string) (string, error) {
		calls++
		if name == "stripe/api_key" {
			return "sk-test", nil
		}
		return "", &cascadeerrors.NotFoundError{Resource: "credential", ID: name}
	})
	r := NewCredentialResolver(source, nil)

	config := map[string]any{
		"apiKey": "credential:stripe/api_key",
		"nested": map[string]any{"again": "credential:stripe/api_key"},
		"plain":  "untouched",
	}
	out, err := r.Apply(context.Background(), "run-1", config)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", out["apiKey"])
	assert.Equal(t, "sk-test", out["nested"].(map[string]any)["again"])
	assert.Equal(t, "untouched", out["plain"])
	assert.Equal(t, 1, calls, "second reference must come from the per-run cache")

	// After Forget the source is consulted again.
	r.Forget("run-1")
	_, err = r.Apply(context.Background(), "run-1", map[string]any{"k": "credential:stripe/api_key"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// Unknown credentials fail resolution.
	_, err = r.Apply(context.Background(), "run-1", map[string]any{"k": "credential:missing"})
	require.Error(t, err)
}

func TestEnvCredentialSource_NameMapping(t *testing.T) {
	source := EnvCredentialSource(func(key string) (string, bool) {
		if key == "STRIPE_API_KEY" {
			return "from-env", true
		}
		return "", false
	})
	v, err := source.Get(context.Background(), "stripe/api-key")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}
