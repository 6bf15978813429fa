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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/graph"
	"github.com/tombee/cascade/pkg/resolver"
)

// DefaultMaxDepth bounds sub-workflow nesting; the root run has depth 0.
const DefaultMaxDepth = 5

// DefaultNodeTimeout bounds a single executor call when the node config
// sets no timeoutMs.
const DefaultNodeTimeout = 300 * time.Second

// WorkflowSource supplies workflow definitions by id, for executeWorkflow
// nodes and error workflow dispatch.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, id string) (*graph.Workflow, error)
}

// WorkflowSourceFunc adapts a function to WorkflowSource.
type WorkflowSourceFunc func(ctx context.Context, id string) (*graph.Workflow, error)

func (f WorkflowSourceFunc) GetWorkflow(ctx context.Context, id string) (*graph.Workflow, error) {
	return f(ctx, id)
}

// Options configures an Engine. Zero-value fields get safe defaults.
type Options struct {
	Store       Store
	Registry    *Registry
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Sink        EventSink
	Budget      Budget
	Pricing     *PricingTable
	Credentials *CredentialResolver
	Workflows   WorkflowSource
	MaxDepth    int

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// Engine executes workflow runs wave by wave. A single Engine serves many
// concurrent runs; per-run state lives in the Run record and the store.
type Engine struct {
	store     Store
	registry  *Registry
	logger    *slog.Logger
	recorder  *Recorder
	budget    Budget
	pricing   *PricingTable
	creds     *CredentialResolver
	pins      *PinManager
	loops     *LoopController
	merges    *MergeCoordinator
	suspender *SuspensionManager
	workflows WorkflowSource
	maxDepth  int
	now       func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry(nil, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pricing == nil {
		opts.Pricing = DefaultPricing()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		store:     opts.Store,
		registry:  opts.Registry,
		logger:    opts.Logger,
		recorder:  NewRecorder(opts.Logger, opts.Tracer, opts.Sink),
		budget:    opts.Budget,
		pricing:   opts.Pricing,
		creds:     opts.Credentials,
		pins:      NewPinManager(opts.Store, opts.Logger),
		loops:     NewLoopController(opts.Store, opts.Logger),
		merges:    NewMergeCoordinator(opts.Store),
		suspender: NewSuspensionManager(opts.Store, opts.Logger),
		workflows: opts.Workflows,
		maxDepth:  opts.MaxDepth,
		now:       opts.Now,
	}
}

// Suspensions exposes the suspension manager for transport layers.
func (e *Engine) Suspensions() *SuspensionManager { return e.suspender }

// Pins exposes the pin manager for management APIs.
func (e *Engine) Pins() *PinManager { return e.pins }

// Store exposes the backing store.
func (e *Engine) Store() Store { return e.store }

// StartRun creates a run for the workflow and executes it until it
// completes, fails, or suspends.
func (e *Engine) StartRun(ctx context.Context, wf *graph.Workflow, trigger Trigger, global map[string]any) (*Run, error) {
	run, err := e.CreatePending(ctx, wf, trigger, global)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, run, nil)
}

// CreatePending validates the workflow and persists a pending run without
// executing it. Callers hand the run id to ExecutePending, typically from
// a worker pool.
func (e *Engine) CreatePending(ctx context.Context, wf *graph.Workflow, trigger Trigger, global map[string]any) (*Run, error) {
	wf.ApplyDefaults()
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	vars, err := wf.InitialVariables(trigger.Payload)
	if err != nil {
		return nil, err
	}
	if global == nil {
		global = map[string]any{}
	}
	if trigger.Timestamp.IsZero() {
		trigger.Timestamp = e.now()
	}

	run := &Run{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     RunPending,
		Workflow:   wf,
		Trigger:    trigger,
		Global:     global,
		Variables:  vars,
		NodeStates: make(map[string]*NodeState),
		CreatedAt:  e.now(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ExecutePending executes a previously created pending run.
func (e *Engine) ExecutePending(ctx context.Context, runID string) (*Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunPending {
		return nil, &errors.ValidationError{
			Field:   "run.status",
			Message: fmt.Sprintf("run %s is %s, not pending", run.ID, run.Status),
		}
	}
	return e.execute(ctx, run, nil)
}

// resumeInfo carries the resolved suspension into the re-executed node.
type resumeInfo struct {
	suspension *Suspension
	fatal      bool
}

// Resume resolves a suspension and continues its run. Token checking and
// first-writer-wins semantics come from the suspension manager.
func (e *Engine) Resume(ctx context.Context, suspensionID, token string, payload map[string]any) (*Run, error) {
	resolved, err := e.suspender.Resume(ctx, suspensionID, token, payload)
	if err != nil {
		return nil, err
	}
	return e.continueRun(ctx, resolved, false)
}

// ResumeExpired continues a run whose suspension deadline has passed,
// applying the timeout disposition computed by the suspension manager.
func (e *Engine) ResumeExpired(ctx context.Context, due *DueSuspension) (*Run, error) {
	if due.Suspension.Kind == SuspendCondition && !due.TimedOutFatal {
		// Condition re-poll: consume this suspension; re-execution either
		// completes the wait or files a fresh suspension.
		if _, err := e.store.ResolveSuspension(ctx, due.Suspension.ID, nil); err != nil {
			return nil, err
		}
		due.Suspension.Resolved = true
		due.Suspension.Payload = nil
		return e.continueRun(ctx, due.Suspension, false)
	}

	resolved, err := e.store.ResolveSuspension(ctx, due.Suspension.ID, due.Payload)
	if err != nil {
		return nil, err
	}
	return e.continueRun(ctx, resolved, due.TimedOutFatal)
}

func (e *Engine) continueRun(ctx context.Context, s *Suspension, fatal bool) (*Run, error) {
	run, err := e.store.GetRun(ctx, s.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunSuspended {
		return nil, &errors.ValidationError{
			Field:   "run.status",
			Message: fmt.Sprintf("run %s is %s, not suspended", run.ID, run.Status),
		}
	}

	run.Status = RunRunning
	run.SuspensionID = ""
	// The suspended node re-executes with the resume payload attached.
	delete(run.NodeStates, s.NodeID)

	e.recorder.Record(Event{
		Type: EventRunResumed, RunID: run.ID, WorkflowID: run.WorkflowID,
		NodeID: s.NodeID, Detail: map[string]any{"kind": string(s.Kind)},
	})

	// Condition re-polls re-execute the wait node from scratch so the
	// expression is evaluated again.
	if s.Kind == SuspendCondition && s.Payload == nil && !fatal {
		return e.execute(ctx, run, nil)
	}

	return e.execute(ctx, run, &resumeInfo{suspension: s, fatal: fatal})
}

// Cancel requests cancellation of a running or suspended run. A run
// suspended on a sub-workflow cancels the child run as well, recursively.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel := e.cancels[runID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		return nil
	}

	// Not in flight here: flip stored state directly (suspended runs).
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return &errors.ValidationError{
			Field:   "run.status",
			Message: fmt.Sprintf("run %s already %s", runID, run.Status),
		}
	}

	if run.SuspensionID != "" {
		if s, serr := e.store.GetSuspension(ctx, run.SuspensionID); serr == nil &&
			s.Kind == SuspendSubWorkflow && s.ChildRunID != "" {
			if cerr := e.Cancel(ctx, s.ChildRunID); cerr != nil {
				e.logger.Warn("child run cancel failed",
					"runId", run.ID, "childRunId", s.ChildRunID, "error", cerr.Error())
			}
		}
	}

	run.Status = RunCancelled
	now := e.now()
	run.FinishedAt = &now
	if err := e.store.SaveRun(ctx, run); err != nil {
		return err
	}
	e.recorder.Record(Event{Type: EventRunCancelled, RunID: run.ID, WorkflowID: run.WorkflowID})
	return nil
}

// execute drives one engine pass: from the run's current wave until the run
// settles or suspends.
func (e *Engine) execute(ctx context.Context, run *Run, resume *resumeInfo) (*Run, error) {
	analysis, err := graph.Analyze(run.Workflow)
	if err != nil {
		return e.failRun(ctx, run, err)
	}

	// Reject a run whose worst-case model spend already exceeds the budget
	// before any node executes.
	if err := e.preflightGraph(run, analysis); err != nil {
		return e.failRun(ctx, run, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, run.RemainingTimeout())
	defer cancel()
	e.mu.Lock()
	if e.cancels == nil {
		e.cancels = make(map[string]context.CancelFunc)
	}
	e.cancels[run.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, run.ID)
		e.mu.Unlock()
		if e.creds != nil {
			e.creds.Forget(run.ID)
		}
	}()

	runCtx, span := e.recorder.RunSpan(runCtx, run)
	defer span.End()

	started := e.now()
	if run.StartedAt == nil {
		run.StartedAt = &started
		e.recorder.Record(Event{Type: EventRunStarted, RunID: run.ID, WorkflowID: run.WorkflowID})
	}
	run.Status = RunRunning
	if err := e.store.SaveRun(runCtx, run); err != nil {
		return run, err
	}

	defer func() {
		run.ExecutionMs += e.now().Sub(started).Milliseconds()
	}()

	for run.WaveIndex < len(analysis.Waves) {
		if err := runCtx.Err(); err != nil {
			return e.interrupt(ctx, run, span, err)
		}

		wave := analysis.Waves[run.WaveIndex]
		e.recorder.Record(Event{
			Type: EventWaveStarted, RunID: run.ID, WorkflowID: run.WorkflowID,
			Wave: run.WaveIndex,
		})

		suspended, fatalErr := e.executeWave(runCtx, run, analysis, wave, resume)
		resume = nil

		if fatalErr != nil {
			if ctxErr := runCtx.Err(); ctxErr != nil {
				return e.interrupt(ctx, run, span, ctxErr)
			}
			span.SetStatus(codes.Error, fatalErr.Error())
			return e.failRun(ctx, run, fatalErr)
		}
		if suspended {
			run.ExecutionMs += e.now().Sub(started).Milliseconds()
			started = e.now()
			if err := e.store.SaveRun(ctx, run); err != nil {
				return run, err
			}
			return run, nil
		}

		// A finished loop iteration rewinds the wave index.
		jumped, err := e.advanceLoops(runCtx, run, analysis)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return e.failRun(ctx, run, err)
		}
		if !jumped {
			run.WaveIndex++
		}

		if err := e.store.SaveRun(runCtx, run); err != nil {
			return run, err
		}
	}

	return e.completeRun(ctx, run, analysis)
}

// interrupt settles a run whose context ended: cancellation or timeout.
func (e *Engine) interrupt(ctx context.Context, run *Run, span trace.Span, cause error) (*Run, error) {
	if cause == context.Canceled {
		run.Status = RunCancelled
		now := e.now()
		run.FinishedAt = &now
		span.SetStatus(codes.Error, "cancelled")
		if err := e.store.SaveRun(ctx, run); err != nil {
			return run, err
		}
		e.recorder.Record(Event{Type: EventRunCancelled, RunID: run.ID, WorkflowID: run.WorkflowID})
		return run, nil
	}
	span.SetStatus(codes.Error, "timeout")
	return e.failRun(ctx, run, &errors.TimeoutError{
		Operation: "workflow run",
		Duration:  time.Duration(run.Workflow.Settings.MaxExecutionTime) * time.Millisecond,
	})
}

// executeWave runs all eligible nodes of one wave, bounded by the
// workflow's parallel limit. It returns suspended=true when any node filed
// a suspension, or a fatal error per the error handling policy.
func (e *Engine) executeWave(ctx context.Context, run *Run, analysis *graph.Analysis, wave []string, resume *resumeInfo) (bool, error) {
	var runnable []string
	var stateMu sync.Mutex

	for _, nodeID := range wave {
		if ns, ok := run.NodeStates[nodeID]; ok && ns.Status != NodePending {
			continue
		}
		if !e.shouldExecute(run, analysis, nodeID) {
			ns := run.NodeState(nodeID)
			ns.Status = NodeSkipped
			e.recorder.Record(Event{
				Type: EventNodeSkipped, RunID: run.ID, WorkflowID: run.WorkflowID,
				NodeID: nodeID, Wave: run.WaveIndex,
			})
			continue
		}
		runnable = append(runnable, nodeID)
	}

	limit := run.Workflow.Settings.ParallelLimit
	if limit <= 0 {
		limit = graph.DefaultParallelLimit
	}
	sem := make(chan struct{}, limit)

	type result struct {
		nodeID     string
		err        error
		suspension *Suspension
	}
	results := make([]result, 0, len(runnable))
	var wg sync.WaitGroup

	for _, nodeID := range runnable {
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var nodeResume *Suspension
			if resume != nil && resume.suspension.NodeID == nodeID {
				nodeResume = resume.suspension
			}

			suspension, err := e.executeNode(ctx, run, analysis, nodeID, nodeResume, resume != nil && resume.fatal && nodeResume != nil, &stateMu)
			stateMu.Lock()
			results = append(results, result{nodeID: nodeID, err: err, suspension: suspension})
			stateMu.Unlock()
		}(nodeID)
	}
	wg.Wait()

	var suspended bool
	for _, res := range results {
		if res.suspension != nil {
			if err := e.suspender.Suspend(ctx, run, res.suspension); err != nil {
				return false, err
			}
			suspended = true
		}
		if res.err != nil {
			return false, res.err
		}
	}
	return suspended, nil
}

// shouldExecute implements branch routing: a node executes when at least
// one incoming edge was taken. Nodes with no incoming edges always execute.
// Merge nodes execute whenever any parent settled; arrival bookkeeping
// decides whether they fire.
func (e *Engine) shouldExecute(run *Run, analysis *graph.Analysis, nodeID string) bool {
	incoming := analysis.Incoming(nodeID)
	if len(incoming) == 0 {
		return true
	}
	node := run.Workflow.NodeByID(nodeID)
	isMerge := node != nil && node.Type == "merge"

	for _, edge := range incoming {
		if e.edgeTaken(run, edge) {
			return true
		}
	}
	if isMerge {
		// A merge with every branch skipped still settles (as skipped)
		// unless something arrived earlier.
		ms, err := e.store.GetMergeState(context.Background(), run.ID, nodeID)
		if err == nil && len(ms.Arrived) > 0 {
			return true
		}
	}
	return false
}

// edgeTaken reports whether a settled source delivered on this edge: the
// source completed (or soft-failed), the edge's port matches the source's
// output port, and any edge condition holds.
func (e *Engine) edgeTaken(run *Run, edge graph.Edge) bool {
	ns, ok := run.NodeStates[edge.Source]
	if !ok {
		return false
	}
	settled := ns.Status == NodeCompleted || (ns.Status == NodeFailed && ns.SoftFailed)
	if !settled {
		return false
	}
	if edge.SourcePort != "" && ns.OutputPort != "" && edge.SourcePort != ns.OutputPort {
		return false
	}
	if edge.SourcePort != "" && ns.OutputPort == "" {
		// Port-labeled edge from a portless output: only loop/done ports
		// are meaningful, anything else passes.
		if edge.SourcePort == graph.PortLoop || edge.SourcePort == graph.PortDone ||
			edge.SourcePort == graph.PortTrue || edge.SourcePort == graph.PortFalse {
			return false
		}
	}
	if edge.Condition != "" {
		rctx := e.buildContext(run, nil, nil)
		result, err := EvaluateExpression(edge.Condition, rctx)
		if err != nil || !truthy(result) {
			return false
		}
	}
	return true
}

// executeNode runs one node end to end: input assembly, pin short-circuit,
// reference resolution, credential injection, executor dispatch with
// retries, and state commit. Returns a suspension when the node paused the
// run.
func (e *Engine) executeNode(ctx context.Context, run *Run, analysis *graph.Analysis, nodeID string, resume *Suspension, resumeFatal bool, stateMu *sync.Mutex) (*Suspension, error) {
	node := run.Workflow.NodeByID(nodeID)

	stateMu.Lock()
	ns := run.NodeState(nodeID)
	ns.Status = NodeRunning
	startAt := e.now()
	ns.StartedAt = &startAt
	stateMu.Unlock()

	nodeCtx, span := e.recorder.NodeSpan(ctx, run, nodeID, node.Type)
	defer span.End()

	e.recorder.Record(Event{
		Type: EventNodeStarted, RunID: run.ID, WorkflowID: run.WorkflowID,
		NodeID: nodeID, Wave: run.WaveIndex,
	})

	// A resumed suspension that timed out fatally fails the node outright.
	if resume != nil && resumeFatal {
		err := &errors.TimeoutError{Operation: "wait node " + nodeID}
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	// Pinned output short-circuits execution entirely.
	if resume == nil {
		pinData, usePin, err := e.pins.ShortCircuit(nodeCtx, run, nodeID)
		if err != nil {
			return nil, err
		}
		if usePin {
			stateMu.Lock()
			e.commitSuccess(run, ns, &Output{Data: pinData})
			ns.Pinned = true
			stateMu.Unlock()
			e.recorder.Record(Event{
				Type: EventNodeCompleted, RunID: run.ID, WorkflowID: run.WorkflowID,
				NodeID: nodeID, Detail: map[string]any{"pinned": true},
			})
			return nil, nil
		}
	}

	stateMu.Lock()
	items, loopVars := e.assembleInput(run, analysis, nodeID)
	rctx := e.buildContext(run, items, loopVars)
	stateMu.Unlock()

	// Control nodes are engine-owned.
	switch {
	case node.Type == "merge":
		return nil, e.executeMerge(nodeCtx, run, analysis, node, ns, stateMu)
	case graph.LoopNodeTypes[node.Type]:
		return nil, e.executeLoopNode(nodeCtx, run, node, ns, items, stateMu)
	case node.Type == "executeWorkflow":
		return e.executeSubWorkflow(nodeCtx, run, node, ns, rctx, resume, stateMu)
	}

	config, err := e.resolveConfig(nodeCtx, run, node, rctx)
	if err != nil {
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	// Pre-flight budget check for model calls.
	if node.Type == "llm" {
		maxTokens, _ := numberAsInt(config["maxTokens"])
		model := stringOr(config["model"], DefaultModel)
		multiplier := e.loopMultiplier(ctx, run, analysis, nodeID)
		if err := e.budget.PreflightCheck(run, e.pricing, model, maxTokens, multiplier); err != nil {
			e.commitFailure(run, ns, node, err, stateMu)
			return nil, e.settleFailure(ctx, run, node, err)
		}
	}

	executor, err := e.registry.Lookup(node.Type)
	if err != nil {
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	input := &Input{
		Node:       node,
		Config:     config,
		Items:      items,
		Resolution: rctx,
		Resume:     resume,
		Run:        run,
	}

	output, err := e.executeWithRetry(nodeCtx, run, node, executor, input, stateMu)
	if err != nil {
		// on_error pins substitute for a final failure.
		if pinData, usePin, pinErr := e.pins.ErrorFallback(nodeCtx, run, nodeID); pinErr == nil && usePin {
			stateMu.Lock()
			e.commitSuccess(run, ns, &Output{Data: pinData})
			ns.Pinned = true
			stateMu.Unlock()
			e.recorder.Record(Event{
				Type: EventNodeCompleted, RunID: run.ID, WorkflowID: run.WorkflowID,
				NodeID: nodeID, Detail: map[string]any{"pinned": true, "fallback": true},
			})
			return nil, nil
		}
		span.SetStatus(codes.Error, err.Error())
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	if output.Meta.Suspend {
		return output.Meta.Suspension, nil
	}

	stateMu.Lock()
	e.commitSuccess(run, ns, output)
	e.accountUsage(nodeCtx, run, ns, node, output)
	stateMu.Unlock()

	if err := e.budget.CheckSpent(run); err != nil {
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	e.recorder.Record(Event{
		Type: EventNodeCompleted, RunID: run.ID, WorkflowID: run.WorkflowID,
		NodeID: nodeID, Wave: run.WaveIndex,
		Detail: map[string]any{"durationMs": ns.DurationMs},
	})
	return nil, nil
}

// executeWithRetry dispatches to the executor, retrying retryable failures
// with exponential backoff up to the workflow's retry limit. Each attempt
// runs under the node's timeout (config.timeoutMs, default 300s).
func (e *Engine) executeWithRetry(ctx context.Context, run *Run, node *graph.Node, executor Executor, input *Input, stateMu *sync.Mutex) (*Output, error) {
	maxRetries := run.Workflow.Settings.MaxRetries
	if n, ok := numberAsInt(node.Config["maxRetries"]); ok && n >= 0 {
		maxRetries = n
	}
	delay := time.Duration(run.Workflow.Settings.RetryDelay) * time.Millisecond

	timeout := DefaultNodeTimeout
	if ms, ok := numberAsInt(node.Config["timeoutMs"]); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			e.recorder.Record(Event{
				Type: EventNodeRetried, RunID: run.ID, WorkflowID: run.WorkflowID,
				NodeID: node.ID, Detail: map[string]any{"attempt": attempt},
			})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		stateMu.Lock()
		run.NodeState(node.ID).Attempts = attempt + 1
		stateMu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := executor.Execute(attemptCtx, input)
		if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = &errors.TimeoutError{Operation: "node " + node.ID, Duration: timeout, Cause: err}
		}
		cancel()
		if err == nil {
			return output, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// executeMerge delivers arrived branch outputs and fires the merge when its
// policy allows.
func (e *Engine) executeMerge(ctx context.Context, run *Run, analysis *graph.Analysis, node *graph.Node, ns *NodeState, stateMu *sync.Mutex) error {
	incoming := analysis.Incoming(node.ID)

	pending := 0
	for _, edge := range incoming {
		stateMu.Lock()
		src, ok := run.NodeStates[edge.Source]
		settled := ok && src.Status != NodePending && src.Status != NodeRunning && src.Status != NodeWaiting
		taken := e.edgeTaken(run, edge)
		var output any
		if taken {
			output = src.Output
		}
		stateMu.Unlock()

		if !settled {
			pending++
			continue
		}
		if taken {
			if _, err := e.merges.Deliver(ctx, run, node, edge.Source, output); err != nil {
				return err
			}
		}
	}

	output, fired, err := e.merges.Evaluate(ctx, run, node, pending)
	if err != nil {
		e.commitFailure(run, ns, node, err, stateMu)
		return e.settleFailure(ctx, run, node, err)
	}

	if !fired {
		stateMu.Lock()
		ns.Status = NodeWaiting
		stateMu.Unlock()
		e.recorder.Record(Event{
			Type: EventMergeWaiting, RunID: run.ID, WorkflowID: run.WorkflowID,
			NodeID: node.ID,
		})
		return nil
	}

	stateMu.Lock()
	e.commitSuccess(run, ns, output)
	stateMu.Unlock()
	e.recorder.Record(Event{
		Type: EventMergeFired, RunID: run.ID, WorkflowID: run.WorkflowID,
		NodeID: node.ID,
	})
	return nil
}

// executeLoopNode emits the current batch on the loop port, or the
// aggregate on the done port once the snapshot is exhausted.
func (e *Engine) executeLoopNode(ctx context.Context, run *Run, node *graph.Node, ns *NodeState, items []resolver.Item, stateMu *sync.Mutex) error {
	raw := make([]any, len(items))
	for i, it := range items {
		raw[i] = it.JSON
	}

	ls, err := e.loops.Begin(ctx, run, node, raw)
	if err != nil {
		e.commitFailure(run, ns, node, err, stateMu)
		return e.settleFailure(ctx, run, node, err)
	}

	var output *Output
	if ls.Done {
		output = &Output{
			Data: e.loops.Aggregate(ls),
			Meta: OutputMeta{OutputPort: graph.PortDone},
		}
	} else {
		output = &Output{
			Data: ls.CurrentBatch(),
			Meta: OutputMeta{OutputPort: graph.PortLoop},
		}
		e.recorder.Record(Event{
			Type: EventLoopIteration, RunID: run.ID, WorkflowID: run.WorkflowID,
			NodeID: node.ID,
			Detail: map[string]any{"iteration": ls.Iteration, "cursor": ls.Cursor},
		})
	}

	stateMu.Lock()
	e.commitSuccess(run, ns, output)
	stateMu.Unlock()
	return nil
}

// executeSubWorkflow runs a child workflow inline. A child that suspends
// suspends the parent with a subworkflow suspension linked to the child
// run; child completion later resumes the parent.
func (e *Engine) executeSubWorkflow(ctx context.Context, run *Run, node *graph.Node, ns *NodeState, rctx *resolver.Context, resume *Suspension, stateMu *sync.Mutex) (*Suspension, error) {
	// Resumption after the child finished: the payload is the child result.
	if resume != nil {
		if errMsg, failed := resume.Payload["error"].(string); failed && errMsg != "" {
			err := &errors.ExecutorError{
				NodeID: node.ID, NodeType: "executeWorkflow",
				Message: "sub-workflow failed: " + errMsg,
			}
			e.commitFailure(run, ns, node, err, stateMu)
			return nil, e.settleFailure(ctx, run, node, err)
		}
		stateMu.Lock()
		e.commitSuccess(run, ns, &Output{Data: resume.Payload["output"]})
		stateMu.Unlock()
		return nil, nil
	}

	if run.Depth+1 > e.maxDepth {
		err := &errors.RecursionLimitError{
			Depth: run.Depth + 1, Limit: e.maxDepth, WorkflowID: run.WorkflowID,
		}
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}
	if e.workflows == nil {
		err := &errors.ConfigError{Key: "workflows", Reason: "no workflow source configured"}
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	config, err := e.resolveConfig(ctx, run, node, rctx)
	if err != nil {
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}
	workflowID, _ := config["workflowId"].(string)
	if workflowID == "" {
		err := &errors.ExecutorError{
			NodeID: node.ID, NodeType: "executeWorkflow",
			Message: "config.workflowId is required",
		}
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	childWf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	payload, _ := config["input"].(map[string]any)
	childWf.ApplyDefaults()
	vars, err := childWf.InitialVariables(payload)
	if err != nil {
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	child := &Run{
		ID:           uuid.NewString(),
		WorkflowID:   childWf.ID,
		Status:       RunPending,
		Workflow:     childWf,
		Trigger:      Trigger{Type: "workflow", Payload: payload, Timestamp: e.now()},
		Global:       run.Global,
		Variables:    vars,
		NodeStates:   make(map[string]*NodeState),
		Depth:        run.Depth + 1,
		ParentRunID:  run.ID,
		ParentNodeID: node.ID,
		CreatedAt:    e.now(),
	}
	if err := e.store.CreateRun(ctx, child); err != nil {
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	childDone, err := e.execute(ctx, child, nil)
	if err != nil {
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}

	switch childDone.Status {
	case RunCompleted:
		childAnalysis, aerr := graph.Analyze(childDone.Workflow)
		var out map[string]any
		if aerr == nil {
			out = childDone.Output(childAnalysis)
		}
		stateMu.Lock()
		e.commitSuccess(run, ns, &Output{Data: out})
		stateMu.Unlock()
		return nil, nil

	case RunSuspended:
		s := &Suspension{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			NodeID:     node.ID,
			Kind:       SuspendSubWorkflow,
			ChildRunID: childDone.ID,
			CreatedAt:  e.now(),
		}
		return s, nil

	default:
		err := &errors.ExecutorError{
			NodeID: node.ID, NodeType: "executeWorkflow",
			Message: fmt.Sprintf("sub-workflow run %s ended %s: %s", childDone.ID, childDone.Status, childDone.Error),
		}
		e.commitFailure(run, ns, node, err, stateMu)
		return nil, e.settleFailure(ctx, run, node, err)
	}
}

// advanceLoops checks every loop whose feedback nodes have settled and, if
// the iteration finished, collects outputs, resets the scope, and rewinds
// the wave index to the loop node. Returns jumped=true when a rewind
// happened.
func (e *Engine) advanceLoops(ctx context.Context, run *Run, analysis *graph.Analysis) (bool, error) {
	for loopID, scope := range analysis.LoopScopes {
		loopState, ok := run.NodeStates[loopID]
		if !ok || loopState.Status != NodeCompleted || loopState.OutputPort != graph.PortLoop {
			continue
		}
		if len(scope.FeedbackNodeIDs) == 0 {
			continue
		}

		allSettled := true
		var feedback []any
		for _, fb := range scope.FeedbackNodeIDs {
			ns, ok := run.NodeStates[fb]
			if !ok || (ns.Status != NodeCompleted && ns.Status != NodeSkipped &&
				!(ns.Status == NodeFailed && ns.SoftFailed)) {
				allSettled = false
				break
			}
			if ns.Status == NodeCompleted {
				feedback = append(feedback, ns.Output)
			}
		}
		if !allSettled {
			continue
		}
		// Only advance once the whole scope has settled in this pass; the
		// feedback nodes settle last in wave order, so reaching their wave
		// is the trigger.
		maxWave := analysis.WaveOf(loopID)
		for nodeID := range scope.Nodes {
			if w := analysis.WaveOf(nodeID); w > maxWave {
				maxWave = w
			}
		}
		if run.WaveIndex < maxWave {
			continue
		}

		ls, err := e.store.GetLoopState(ctx, run.ID, loopID)
		if err != nil {
			return false, err
		}
		if ls.Done {
			continue
		}

		if err := e.loops.Advance(ctx, ls, feedback); err != nil {
			return false, err
		}

		// Reset the loop node and everything downstream of it so the next
		// iteration (or the done pass) re-executes cleanly.
		e.loops.ResetScope(run, scope)
		delete(run.NodeStates, loopID)
		e.resetDownstream(run, analysis, loopID)

		run.WaveIndex = analysis.WaveOf(loopID)
		return true, nil
	}
	return false, nil
}

// resetDownstream clears settled state for nodes reachable from start via
// regular edges, so skipped done-branches can execute after a loop ends.
func (e *Engine) resetDownstream(run *Run, analysis *graph.Analysis, start string) {
	stack := []string{start}
	visited := map[string]bool{start: true}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range analysis.Outgoing(n) {
			if visited[edge.Target] {
				continue
			}
			visited[edge.Target] = true
			delete(run.NodeStates, edge.Target)
			stack = append(stack, edge.Target)
		}
	}
}

// preflightGraph projects the worst-case llm spend of the whole graph
// against the run budget. Every llm node contributes its per-model call
// estimate; nodes inside a loop scope multiply by the loop's configured
// maxIterations. Nodes that already committed output are excluded so
// resumed runs are not double-counted.
func (e *Engine) preflightGraph(run *Run, analysis *graph.Analysis) error {
	if run.ErrorWorkflow || e.budget.PerRunUSD <= 0 {
		return nil
	}

	var projected float64
	for _, node := range run.Workflow.Nodes {
		if node.Type != "llm" {
			continue
		}
		if ns, ok := run.NodeStates[node.ID]; ok && ns.Status == NodeCompleted {
			continue
		}
		maxTokens, ok := numberAsInt(node.Config["maxTokens"])
		if !ok || maxTokens <= 0 {
			maxTokens = estimateTokens
		}
		model := stringOr(node.Config["model"], DefaultModel)
		call := e.pricing.Cost(model, maxTokens, maxTokens)

		multiplier := 1
		if scope := analysis.ScopeOf(node.ID); scope != nil {
			multiplier = DefaultMaxLoopIterations
			if loopNode := run.Workflow.NodeByID(scope.LoopNodeID); loopNode != nil {
				if n, ok := numberAsInt(loopNode.Config["maxIterations"]); ok && n > 0 {
					multiplier = n
				}
			}
		}
		projected += call * float64(multiplier)
	}

	if projected > 0 && run.CostUSD+projected > e.budget.PerRunUSD {
		return &errors.BudgetExceededError{
			Scope:     "run",
			LimitUSD:  e.budget.PerRunUSD,
			ActualUSD: run.CostUSD + projected,
		}
	}
	return nil
}

// loopMultiplier estimates remaining loop iterations covering a node, for
// budget pre-flight. Nodes outside any loop scope multiply by 1.
func (e *Engine) loopMultiplier(ctx context.Context, run *Run, analysis *graph.Analysis, nodeID string) int {
	scope := analysis.ScopeOf(nodeID)
	if scope == nil {
		return 1
	}
	ls, err := e.store.GetLoopState(ctx, run.ID, scope.LoopNodeID)
	if err != nil {
		return 1
	}
	remaining := len(ls.Items) - ls.Cursor
	if remaining <= 0 || ls.BatchSize <= 0 {
		return 1
	}
	iters := (remaining + ls.BatchSize - 1) / ls.BatchSize
	if iters < 1 {
		return 1
	}
	return iters
}

// assembleInput gathers the item-scoped input of a node from its taken
// incoming edges, plus loop variables when the node sits in a loop scope.
func (e *Engine) assembleInput(run *Run, analysis *graph.Analysis, nodeID string) ([]resolver.Item, *resolver.LoopVars) {
	var items []resolver.Item

	incoming := analysis.Incoming(nodeID)
	if len(incoming) == 0 {
		items = resolver.ItemsFromValue(anyPayload(run.Trigger.Payload))
	} else {
		for _, edge := range incoming {
			if !e.edgeTaken(run, edge) {
				continue
			}
			src := run.NodeStates[edge.Source]
			items = append(items, resolver.ItemsFromValue(src.Output)...)
		}
	}

	var loopVars *resolver.LoopVars
	if scope := analysis.ScopeOf(nodeID); scope != nil {
		if ls, err := e.store.GetLoopState(context.Background(), run.ID, scope.LoopNodeID); err == nil {
			loopVars = &resolver.LoopVars{
				RunIndex:    ls.Iteration,
				BatchIndex:  ls.Iteration,
				TotalItems:  len(ls.Items),
				BatchSize:   ls.BatchSize,
				IsLastBatch: ls.IsLastBatch(),
				LoopNodeID:  ls.NodeID,
			}
		}
	}

	return items, loopVars
}

func anyPayload(p map[string]any) any {
	if p == nil {
		return nil
	}
	return p
}

// buildContext constructs the resolver view of current run state.
func (e *Engine) buildContext(run *Run, items []resolver.Item, loopVars *resolver.LoopVars) *resolver.Context {
	rctx := resolver.NewContext()
	rctx.Global = run.Global
	rctx.Variables = run.Variables
	rctx.Trigger = map[string]any{
		"type":      run.Trigger.Type,
		"payload":   run.Trigger.Payload,
		"timestamp": run.Trigger.Timestamp.Format(time.RFC3339),
	}
	for id, ns := range run.NodeStates {
		if ns.Status != NodeCompleted && !(ns.Status == NodeFailed && ns.SoftFailed) {
			continue
		}
		rctx.Nodes[id] = resolver.NodeView{Output: ns.Output, Meta: ns.Meta()}
		rctx.NodeItems[id] = resolver.ItemsFromValue(ns.Output)
	}
	rctx.Items = items
	rctx.Loop = loopVars
	return rctx
}

// resolveConfig resolves references then injects credentials.
func (e *Engine) resolveConfig(ctx context.Context, run *Run, node *graph.Node, rctx *resolver.Context) (map[string]any, error) {
	res := resolver.New(e.logger)
	config, err := res.ResolveConfig(node.Config, rctx)
	if err != nil {
		// Resolution failures are reported but non-fatal; unresolved
		// references arrive as nil/empty and executors validate.
		e.logger.Debug("reference resolution incomplete",
			"runId", run.ID, "nodeId", node.ID, "error", err.Error())
	}
	if config == nil {
		config = map[string]any{}
	}
	if e.creds != nil {
		return e.creds.Apply(ctx, run.ID, config)
	}
	return config, nil
}

// commitSuccess writes a completed node state and applies any run-variable
// writes the executor reported. Callers hold stateMu.
func (e *Engine) commitSuccess(run *Run, ns *NodeState, output *Output) {
	now := e.now()
	ns.Status = NodeCompleted
	ns.Output = output.Data
	ns.OutputPort = output.Meta.OutputPort
	ns.FinishedAt = &now
	if ns.StartedAt != nil {
		ns.DurationMs = now.Sub(*ns.StartedAt).Milliseconds()
	}

	if len(output.Meta.Variables) > 0 {
		if run.Variables == nil {
			run.Variables = make(map[string]any)
		}
		for k, v := range output.Meta.Variables {
			run.Variables[k] = v
		}
	}
}

// accountUsage folds executor-reported token usage into node and run
// totals and files a cost record. Callers hold stateMu.
func (e *Engine) accountUsage(ctx context.Context, run *Run, ns *NodeState, node *graph.Node, output *Output) {
	tokens := output.Meta.TokensIn + output.Meta.TokensOut
	if tokens == 0 && output.Meta.CostUSD == 0 {
		return
	}
	ns.TokensUsed += tokens
	ns.CostUSD += output.Meta.CostUSD
	run.TokensUsed += tokens
	run.CostUSD += output.Meta.CostUSD

	rec := &CostRecord{
		RunID:      run.ID,
		NodeID:     node.ID,
		Model:      output.Meta.Model,
		TokensIn:   output.Meta.TokensIn,
		TokensOut:  output.Meta.TokensOut,
		CostUSD:    output.Meta.CostUSD,
		RecordedAt: e.now(),
	}
	if err := e.store.RecordCost(ctx, rec); err != nil {
		e.logger.Warn("cost record write failed", "runId", run.ID, "nodeId", node.ID, "error", err.Error())
	}
}

// commitFailure writes a failed node state.
func (e *Engine) commitFailure(run *Run, ns *NodeState, node *graph.Node, cause error, stateMu *sync.Mutex) {
	stateMu.Lock()
	defer stateMu.Unlock()
	now := e.now()
	ns.Status = NodeFailed
	ns.Error = cause.Error()
	ns.FinishedAt = &now
	if ns.StartedAt != nil {
		ns.DurationMs = now.Sub(*ns.StartedAt).Milliseconds()
	}

	if onError, _ := node.Config["onError"].(string); onError == "continue" {
		ns.SoftFailed = true
		ns.Output = map[string]any{"error": cause.Error()}
	}

	e.recorder.Record(Event{
		Type: EventNodeFailed, RunID: run.ID, WorkflowID: run.WorkflowID,
		NodeID: node.ID, Detail: map[string]any{"error": cause.Error()},
	})
}

// settleFailure applies the failure policy: nil for soft failures and
// continue-mode workflows, the causing error otherwise.
func (e *Engine) settleFailure(_ context.Context, run *Run, node *graph.Node, cause error) error {
	if onError, _ := node.Config["onError"].(string); onError == "continue" {
		return nil
	}
	if run.Workflow.Settings.ErrorHandling == graph.ErrorHandlingContinue {
		return nil
	}
	return cause
}

// completeRun finalizes a successful pass and notifies any waiting parent.
func (e *Engine) completeRun(ctx context.Context, run *Run, analysis *graph.Analysis) (*Run, error) {
	run.Status = RunCompleted
	now := e.now()
	run.FinishedAt = &now
	if err := e.store.SaveRun(ctx, run); err != nil {
		return run, err
	}
	e.recorder.Record(Event{
		Type: EventRunCompleted, RunID: run.ID, WorkflowID: run.WorkflowID,
		Detail: map[string]any{"costUsd": run.CostUSD, "tokens": run.TokensUsed},
	})

	e.notifyParent(ctx, run, map[string]any{"output": run.Output(analysis)})
	return run, nil
}

// failRun finalizes a failed run, dispatches the error workflow, and
// notifies any waiting parent.
func (e *Engine) failRun(ctx context.Context, run *Run, cause error) (*Run, error) {
	run.Status = RunFailed
	run.Error = cause.Error()
	now := e.now()
	run.FinishedAt = &now
	if err := e.store.SaveRun(ctx, run); err != nil {
		return run, err
	}
	e.recorder.Record(Event{
		Type: EventRunFailed, RunID: run.ID, WorkflowID: run.WorkflowID,
		Detail: map[string]any{"error": cause.Error(), "code": errors.Code(cause)},
	})

	e.dispatchErrorWorkflow(ctx, run, cause)
	e.notifyParent(ctx, run, map[string]any{"error": cause.Error()})
	return run, nil
}

// notifyParent resolves the parent's subworkflow suspension when a child
// run settles, resuming the parent with the child's result.
func (e *Engine) notifyParent(ctx context.Context, child *Run, payload map[string]any) {
	if child.ParentRunID == "" {
		return
	}
	s, err := e.store.GetSuspensionByChild(ctx, child.ID)
	if err != nil {
		// The parent executed the child inline and is not suspended.
		return
	}
	resolved, err := e.store.ResolveSuspension(ctx, s.ID, payload)
	if err != nil {
		e.logger.Warn("parent resume failed", "childRunId", child.ID, "error", err.Error())
		return
	}
	if _, err := e.continueRun(ctx, resolved, false); err != nil {
		e.logger.Error("parent continuation failed",
			"parentRunId", resolved.RunID, "childRunId", child.ID, "error", err.Error())
	}
}

// dispatchErrorWorkflow starts the configured error workflow for a failed
// run. Error workflows are depth-guarded: a failing error workflow never
// triggers another one, and they run budget-exempt.
func (e *Engine) dispatchErrorWorkflow(ctx context.Context, run *Run, cause error) {
	errorWfID := run.Workflow.Settings.ErrorWorkflow
	if errorWfID == "" || run.ErrorWorkflow || e.workflows == nil {
		return
	}

	wf, err := e.workflows.GetWorkflow(ctx, errorWfID)
	if err != nil {
		e.logger.Error("error workflow lookup failed",
			"workflowId", errorWfID, "runId", run.ID, "error", err.Error())
		return
	}
	wf.ApplyDefaults()

	payload := map[string]any{
		"failedRunId":      run.ID,
		"failedWorkflowId": run.WorkflowID,
		"error":            cause.Error(),
		"errorCode":        errors.Code(cause),
	}
	vars, err := wf.InitialVariables(payload)
	if err != nil {
		e.logger.Error("error workflow variables invalid", "workflowId", errorWfID, "error", err.Error())
		return
	}

	errRun := &Run{
		ID:            uuid.NewString(),
		WorkflowID:    wf.ID,
		Status:        RunPending,
		Workflow:      wf,
		Trigger:       Trigger{Type: "error", Payload: payload, Timestamp: e.now()},
		Global:        run.Global,
		Variables:     vars,
		NodeStates:    make(map[string]*NodeState),
		ErrorWorkflow: true,
		CreatedAt:     e.now(),
	}
	if err := e.store.CreateRun(ctx, errRun); err != nil {
		e.logger.Error("error workflow run create failed", "workflowId", errorWfID, "error", err.Error())
		return
	}
	if _, err := e.execute(ctx, errRun, nil); err != nil {
		e.logger.Error("error workflow run failed",
			"workflowId", errorWfID, "runId", errRun.ID, "error", err.Error())
	}
}

// DefaultRegistry builds a registry with the built-in executors. provider
// and pricing configure the llm executor; both may be nil.
func DefaultRegistry(provider ChatProvider, pricing *PricingTable) *Registry {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	r := NewRegistry()
	r.Register(TriggerExecutor{})
	r.Register(SetExecutor{})
	r.Register(PassthroughExecutor{})
	r.Register(HTTPExecutor{})
	r.Register(ConditionExecutor{})
	r.Register(TransformExecutor{})
	r.Register(WaitExecutor{})
	r.Register(WaitExecutor{NodeType: "webhookWait", ForceMode: "webhook"})
	r.Register(WaitExecutor{NodeType: "approval", ForceMode: "approval"})
	r.Register(LLMExecutor{Provider: provider, Pricing: pricing})
	r.SetFallback(PassthroughExecutor{})
	return r
}
