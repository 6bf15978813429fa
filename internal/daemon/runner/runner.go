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

// Package runner accepts run submissions and executes them on a bounded
// worker pool.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/cascade/internal/daemon/queue"
	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/internal/metrics"
	"github.com/tombee/cascade/pkg/engine"
	"github.com/tombee/cascade/pkg/graph"
)

// Config contains runner configuration.
type Config struct {
	// Workers is the number of concurrent run executors.
	Workers int

	// QueueCapacity bounds pending submissions.
	QueueCapacity int
}

// SubmitRequest describes a run to start.
type SubmitRequest struct {
	// WorkflowID resolves the workflow from the library.
	WorkflowID string

	// Workflow is an inline definition; takes precedence over WorkflowID.
	Workflow *graph.Workflow

	Trigger  engine.Trigger
	Global   map[string]any
	Priority int
}

// Runner persists pending runs and executes them from a queue. Shutdown
// drains: new submissions are refused while queued runs finish.
type Runner struct {
	eng       *engine.Engine
	workflows engine.WorkflowSource
	queue     *queue.MemoryQueue
	logger    *slog.Logger
	collector *metrics.Collector

	workers  int
	wg       sync.WaitGroup
	draining atomic.Bool
	started  atomic.Bool
}

// New creates a runner. workflows may be nil when only inline definitions
// are submitted.
func New(cfg Config, eng *engine.Engine, workflows engine.WorkflowSource, collector *metrics.Collector, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		eng:       eng,
		workflows: workflows,
		queue:     queue.NewMemoryQueue(cfg.QueueCapacity),
		logger:    log.WithComponent(logger, "runner"),
		collector: collector,
		workers:   cfg.Workers,
	}
}

// Start launches the worker pool. The context bounds all run execution.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work(ctx)
	}
	r.logger.Info("runner started", slog.Int("workers", r.workers))
}

// Submit validates and persists a pending run, queues it, and returns the
// pending run record.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (*engine.Run, error) {
	if r.draining.Load() {
		return nil, fmt.Errorf("runner is draining")
	}

	wf := req.Workflow
	if wf == nil {
		if r.workflows == nil {
			return nil, fmt.Errorf("no workflow library configured")
		}
		var err error
		wf, err = r.workflows.GetWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return nil, err
		}
	}

	run, err := r.eng.CreatePending(ctx, wf, req.Trigger, req.Global)
	if err != nil {
		return nil, err
	}

	if err := r.queue.Enqueue(ctx, &queue.Submission{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Priority:   req.Priority,
		QueuedAt:   time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	if r.collector != nil {
		r.collector.QueueDepth.Set(float64(r.queue.Len()))
	}

	r.logger.Info("run queued",
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.WorkflowKey, run.WorkflowID))
	return run, nil
}

// IsDraining reports whether shutdown has begun.
func (r *Runner) IsDraining() bool {
	return r.draining.Load()
}

// QueueDepth returns the number of queued submissions.
func (r *Runner) QueueDepth() int {
	return r.queue.Len()
}

// Drain refuses new submissions and waits up to timeout for in-flight
// runs to settle.
func (r *Runner) Drain(timeout time.Duration) {
	r.draining.Store(true)
	r.queue.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("runner drained")
	case <-time.After(timeout):
		r.logger.Warn("drain timeout reached with runs still active")
	}
}

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()

	for {
		sub, err := r.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if r.collector != nil {
			r.collector.QueueDepth.Set(float64(r.queue.Len()))
		}
		r.execute(ctx, sub)
	}
}

func (r *Runner) execute(ctx context.Context, sub *queue.Submission) {
	runLogger := r.logger.With(
		slog.String(log.RunIDKey, sub.RunID),
		slog.String(log.WorkflowKey, sub.WorkflowID))

	if r.collector != nil {
		r.collector.RunsStarted.Inc()
		r.collector.ActiveRuns.Inc()
		defer r.collector.ActiveRuns.Dec()
	}

	started := time.Now()
	run, err := r.eng.ExecutePending(ctx, sub.RunID)
	elapsed := time.Since(started)

	if err != nil {
		runLogger.Error("run execution failed",
			log.Error(err), log.Duration("duration", elapsed.Milliseconds()))
		if r.collector != nil {
			r.collector.RecordRunFinished("error", elapsed.Seconds())
		}
		return
	}

	runLogger.Info("run settled",
		slog.String("status", string(run.Status)),
		log.Duration("duration", elapsed.Milliseconds()))
	if r.collector != nil && run.Status.Terminal() {
		r.collector.RecordRunFinished(string(run.Status), elapsed.Seconds())
	}
}
