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
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// EventType enumerates execution lifecycle events.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunCompleted  EventType = "run.completed"
	EventRunFailed     EventType = "run.failed"
	EventRunSuspended  EventType = "run.suspended"
	EventRunResumed    EventType = "run.resumed"
	EventRunCancelled  EventType = "run.cancelled"
	EventWaveStarted   EventType = "wave.started"
	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"
	EventNodeSkipped   EventType = "node.skipped"
	EventNodeRetried   EventType = "node.retried"
	EventLoopIteration EventType = "loop.iteration"
	EventMergeWaiting  EventType = "merge.waiting"
	EventMergeFired    EventType = "merge.fired"
)

// Event is one execution lifecycle notification.
type Event struct {
	Type       EventType      `json:"type"`
	RunID      string         `json:"runId"`
	WorkflowID string         `json:"workflowId"`
	NodeID     string         `json:"nodeId,omitempty"`
	Wave       int            `json:"wave,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// EventSink receives execution events. Emission is synchronous on the
// engine's hot path; sinks that do slow work must buffer internally.
type EventSink interface {
	Emit(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

// BufferedSink retains events in memory, newest last. Useful for tests and
// for serving recent history over the API.
type BufferedSink struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

// NewBufferedSink creates a sink retaining at most capacity events; zero
// means unbounded.
func NewBufferedSink(capacity int) *BufferedSink {
	return &BufferedSink{cap: capacity}
}

func (b *BufferedSink) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	if b.cap > 0 && len(b.events) > b.cap {
		b.events = b.events[len(b.events)-b.cap:]
	}
}

// Events returns a snapshot of retained events.
func (b *BufferedSink) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Recorder is the engine's flight recorder: every lifecycle transition goes
// to structured logs, an otel span, and the optional event sink.
type Recorder struct {
	logger *slog.Logger
	tracer trace.Tracer
	sink   EventSink
}

// NewRecorder creates a recorder. Nil arguments degrade gracefully: logging
// falls back to slog.Default, tracing to a no-op tracer, and events are
// dropped without a sink.
func NewRecorder(logger *slog.Logger, tracer trace.Tracer, sink EventSink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("cascade/engine")
	}
	return &Recorder{logger: logger, tracer: tracer, sink: sink}
}

// RunSpan opens the span covering one engine pass over a run.
func (r *Recorder) RunSpan(ctx context.Context, run *Run) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.id", run.WorkflowID),
			attribute.String("run.id", run.ID),
			attribute.Int("run.depth", run.Depth),
		))
}

// NodeSpan opens the span covering one node execution attempt.
func (r *Recorder) NodeSpan(ctx context.Context, run *Run, nodeID, nodeType string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("node.id", nodeID),
			attribute.String("node.type", nodeType),
		))
}

// Record logs the event and forwards it to the sink.
func (r *Recorder) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		"runId", event.RunID,
		"workflowId", event.WorkflowID,
	}
	if event.NodeID != "" {
		attrs = append(attrs, "nodeId", event.NodeID)
	}
	if event.Wave > 0 || event.Type == EventWaveStarted {
		attrs = append(attrs, "wave", event.Wave)
	}
	for k, v := range event.Detail {
		attrs = append(attrs, k, v)
	}

	switch event.Type {
	case EventRunFailed, EventNodeFailed:
		r.logger.Error(string(event.Type), attrs...)
	case EventNodeRetried, EventMergeWaiting:
		r.logger.Debug(string(event.Type), attrs...)
	case EventNodeStarted, EventNodeCompleted, EventNodeSkipped, EventWaveStarted, EventLoopIteration:
		r.logger.Debug(string(event.Type), attrs...)
	default:
		r.logger.Info(string(event.Type), attrs...)
	}

	if r.sink != nil {
		r.sink.Emit(event)
	}
}
