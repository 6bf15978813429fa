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
	"time"

	"github.com/google/uuid"

	"github.com/tombee/cascade/pkg/errors"
)

// DefaultConditionPollInterval is how often a condition wait re-evaluates
// when the node does not configure pollIntervalMs.
const DefaultConditionPollInterval = 30 * time.Second

// WaitExecutor suspends the run until an external event or deadline. The
// wait mode comes from config.mode: timer, datetime, webhook, approval, or
// condition. On resumption the engine re-executes the node with the resume
// payload attached and the executor completes with that payload as output.
//
// The webhookWait and approval node types are served by aliased instances
// that pin the mode regardless of config.
type WaitExecutor struct {
	// NodeType overrides the registered type name; empty means "wait".
	NodeType string

	// ForceMode pins the wait mode for aliased node types.
	ForceMode string

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

func (e WaitExecutor) Type() string {
	if e.NodeType != "" {
		return e.NodeType
	}
	return "wait"
}

func (e WaitExecutor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e WaitExecutor) Execute(_ context.Context, in *Input) (*Output, error) {
	// A resumed wait completes immediately with the resume payload.
	if in.Resume != nil {
		return &Output{Data: in.Resume.Payload}, nil
	}

	mode := e.ForceMode
	if mode == "" {
		mode, _ = in.Config["mode"].(string)
	}
	if mode == "" {
		mode = "timer"
	}

	s := &Suspension{
		ID:        uuid.NewString(),
		RunID:     in.Run.ID,
		NodeID:    in.Node.ID,
		CreatedAt: e.now(),
	}

	switch mode {
	case "timer":
		ms, ok := numberAsInt(in.Config["durationMs"])
		if !ok || ms <= 0 {
			return nil, &errors.ExecutorError{
				NodeID: in.Node.ID, NodeType: "wait",
				Message: "timer wait requires a positive config.durationMs",
			}
		}
		at := e.now().Add(time.Duration(ms) * time.Millisecond)
		s.Kind = SuspendTimer
		s.ResumeAt = &at

	case "datetime":
		raw, _ := in.Config["until"].(string)
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, &errors.ExecutorError{
				NodeID: in.Node.ID, NodeType: "wait",
				Message: fmt.Sprintf("datetime wait requires RFC3339 config.until, got %q", raw),
				Cause:   err,
			}
		}
		// A past datetime resumes immediately rather than failing.
		if !at.After(e.now()) {
			return &Output{Data: map[string]any{"resumedAt": e.now().Format(time.RFC3339)}}, nil
		}
		s.Kind = SuspendDateTime
		s.ResumeAt = &at

	case "webhook":
		s.Kind = SuspendWebhook
		s.WebhookPath = uuid.NewString()
		s.Token = uuid.NewString()
		s.AllowedIPs = stringList(in.Config["allowedIps"])
		e.applyTimeout(s, in)

	case "approval":
		s.Kind = SuspendApproval
		s.Token = uuid.NewString()
		e.applyTimeout(s, in)

	case "condition":
		src, _ := in.Config["expression"].(string)
		if src == "" {
			return nil, &errors.ExecutorError{
				NodeID: in.Node.ID, NodeType: "wait",
				Message: "condition wait requires config.expression",
			}
		}
		result, err := EvaluateExpression(src, in.Resolution)
		if err != nil {
			return nil, &errors.ExecutorError{
				NodeID: in.Node.ID, NodeType: "wait",
				Message: "condition expression failed", Cause: err,
			}
		}
		if truthy(result) {
			return &Output{Data: map[string]any{"satisfied": true}}, nil
		}
		poll := DefaultConditionPollInterval
		if ms, ok := numberAsInt(in.Config["pollIntervalMs"]); ok && ms > 0 {
			poll = time.Duration(ms) * time.Millisecond
		}
		at := e.now().Add(poll)
		s.Kind = SuspendCondition
		s.ResumeAt = &at
		e.applyTimeout(s, in)

	default:
		return nil, &errors.ExecutorError{
			NodeID: in.Node.ID, NodeType: "wait",
			Message: fmt.Sprintf("unknown wait mode %q", mode),
		}
	}

	return &Output{Meta: OutputMeta{Suspend: true, Suspension: s}}, nil
}

// stringList normalizes a JSON string array from node config.
func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, el := range list {
		if s, ok := el.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// applyTimeout reads timeoutMs/onTimeout/defaultPayload for event waits.
func (e WaitExecutor) applyTimeout(s *Suspension, in *Input) {
	if ms, ok := numberAsInt(in.Config["timeoutMs"]); ok && ms > 0 {
		at := e.now().Add(time.Duration(ms) * time.Millisecond)
		// For condition waits the poll time may come first; keep the earlier.
		if s.ResumeAt == nil || at.Before(*s.ResumeAt) {
			s.ResumeAt = &at
		}
	}
	switch action, _ := in.Config["onTimeout"].(string); action {
	case string(TimeoutContinue):
		s.OnTimeout = TimeoutContinue
	case string(TimeoutDefault):
		s.OnTimeout = TimeoutDefault
		if payload, ok := in.Config["defaultPayload"].(map[string]any); ok {
			s.DefaultPayload = payload
		}
	default:
		s.OnTimeout = TimeoutError
	}
}
