package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/backoff"
	"github.com/mcpgate/gateway/errorkind"
	"github.com/mcpgate/gateway/graph"
	"github.com/mcpgate/gateway/telemetry"
	"github.com/mcpgate/gateway/trace"
)

// ToolCaller dispatches a tool-call task; *upstream.Manager satisfies it.
type ToolCaller interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error)
}

// CodeExecutor dispatches a code-execution task; the sandbox package
// satisfies it.
type CodeExecutor interface {
	Execute(ctx context.Context, code string, taskContext map[string]any) (any, error)
}

// CapabilityExpander turns a capability-invoke task into the concrete task
// list it expands to, for submission as a sub-DAG (spec §4.4.2).
type CapabilityExpander interface {
	Expand(ctx context.Context, capabilityID string, args map[string]any) ([]api.TaskSpec, error)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	ToolCaller         ToolCaller
	CodeExecutor       CodeExecutor
	CapabilityExpander CapabilityExpander
	Graph              *graph.Graph
	TraceSink          trace.Sink
	Pending            *PendingStore
	MaxConcurrency     int
	Obs                telemetry.Observability
}

// Engine runs compiled plans layer by layer with bounded concurrency,
// resolving references, retrying transient failures, and pausing per
// spec §4.4.2-3. This is the in-memory engine: not durable across process
// restarts, matching the teacher's own in-memory engine's documented
// "not deterministic or replay-safe" caveat. dag/engine_temporal.go offers
// a durable alternative for production workflows.
type Engine struct {
	toolCaller   ToolCaller
	codeExecutor CodeExecutor
	expander     CapabilityExpander
	g            *graph.Graph
	sink         trace.Sink
	pending      *PendingStore
	maxConc      int
	obs          telemetry.Observability
}

// NewEngine constructs an Engine from opts, defaulting MaxConcurrency to
// 10 (spec's default) and TraceSink to a discarding in-memory sink.
func NewEngine(opts EngineOptions) *Engine {
	maxConc := opts.MaxConcurrency
	if maxConc == 0 {
		maxConc = 10
	}
	sink := opts.TraceSink
	if sink == nil {
		sink = trace.NewMemorySink(0)
	}
	obs := opts.Obs
	if obs.Logger == nil {
		obs = telemetry.New(nil, nil, nil)
	}
	return &Engine{
		toolCaller:   opts.ToolCaller,
		codeExecutor: opts.CodeExecutor,
		expander:     opts.CapabilityExpander,
		g:            opts.Graph,
		sink:         sink,
		pending:      opts.Pending,
		maxConc:      maxConc,
		obs:          obs,
	}
}

// SubmitOptions controls one workflow run.
type SubmitOptions struct {
	WorkflowID         string
	PerLayerValidation bool
	ContinueOnError    bool
	PendingTTL         time.Duration
}

// Submit compiles and runs plan's tasks from layer 0. It returns either a
// terminal WorkflowState (completed/aborted/failed) or a PendingWorkflow
// when execution paused.
func (e *Engine) Submit(ctx context.Context, plan *Plan, opts SubmitOptions) (*api.WorkflowState, *api.PendingWorkflow, error) {
	state := &api.WorkflowState{
		ID:           opts.WorkflowID,
		TaskStatus:   make(map[string]api.TaskStatus),
		TaskOutputs:  make(map[string]any),
		TaskErrors:   make(map[string]error),
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		Mode:         api.WorkflowRunning,
	}
	for id, t := range plan.Tasks {
		state.Plan = append(state.Plan, t)
		state.TaskStatus[id] = api.TaskPending
	}
	return e.run(ctx, plan, state, 0, opts)
}

// Resume continues a previously paused workflow from layer fromLayer,
// reusing the task statuses and outputs already recorded in state.
func (e *Engine) Resume(ctx context.Context, plan *Plan, state *api.WorkflowState, fromLayer int, opts SubmitOptions) (*api.WorkflowState, *api.PendingWorkflow, error) {
	state.Mode = api.WorkflowRunning
	return e.run(ctx, plan, state, fromLayer, opts)
}

func (e *Engine) run(ctx context.Context, plan *Plan, state *api.WorkflowState, fromLayer int, opts SubmitOptions) (*api.WorkflowState, *api.PendingWorkflow, error) {
	traceID := state.ID
	rootEvent := e.emit(ctx, traceID, "", api.TraceExecStart, state.ID, "", "", "running")

	for layerIdx := fromLayer; layerIdx < len(plan.Layers); layerIdx++ {
		state.CurrentLayer = layerIdx
		layer := plan.Layers[layerIdx]

		if checkpointID, ok := firstCheckpoint(plan, state, layer); ok {
			pw := e.pause(state, plan, api.PauseHumanCheckpoint, opts.PendingTTL)
			pw.CheckpointID = checkpointID
			return state, pw, nil
		}

		failed, err := e.runLayer(ctx, plan, state, layer, rootEvent, opts.ContinueOnError)
		if err != nil {
			return nil, nil, err
		}

		if failed && !opts.ContinueOnError {
			markAllPendingSkipped(state)
			state.Mode = api.WorkflowFailed
			e.emit(ctx, traceID, rootEvent, api.TraceExecEnd, state.ID, "", "", "failed")
			return state, nil, nil
		}

		if opts.PerLayerValidation {
			pw := e.pause(state, plan, api.PausePerLayerValidation, opts.PendingTTL)
			return state, pw, nil
		}
	}

	state.Mode = api.WorkflowCompleted
	e.emit(ctx, traceID, rootEvent, api.TraceExecEnd, state.ID, "", "", "completed")
	e.foldTrace(state, plan)
	return state, nil, nil
}

// runLayer executes every task in layer concurrently, bounded by
// maxConcurrency, and reports whether any task in the layer terminally
// failed. Under fail-fast (continueOnError false), once a task has failed no
// further task of the layer is started; tasks already running complete.
func (e *Engine) runLayer(ctx context.Context, plan *Plan, state *api.WorkflowState, layer []string, rootEvent string, continueOnError bool) (bool, error) {
	sem := semaphore.NewWeighted(int64(e.maxConc))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var anyFailed bool

	for _, tid := range layer {
		tid := tid
		task := plan.Tasks[tid]

		if state.TaskStatus[tid] == api.TaskSucceeded {
			// already resolved by a prior checkpoint approval (spec §4.4.3)
			continue
		}

		if taskBlockedByDependency(task, state) {
			// a dependency terminally failed or was itself skipped; this
			// task can never resolve its inputs (spec §4.4.2 continue-on-error:
			// "marks the failing task's dependents as skipped")
			state.TaskStatus[tid] = api.TaskSkipped
			continue
		}

		mu.Lock()
		skip := anyFailed && !continueOnError
		mu.Unlock()
		if skip {
			state.TaskStatus[tid] = api.TaskSkipped
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return true, err
		}
		wg.Add(1)
		state.TaskStatus[tid] = api.TaskRunning
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			result := e.runTask(ctx, plan, state, task, rootEvent)

			mu.Lock()
			defer mu.Unlock()
			state.TaskStatus[tid] = result.Status
			state.ExecutedPath = append(state.ExecutedPath, tid)
			if result.Status == api.TaskSucceeded {
				state.TaskOutputs[tid] = result.Output
			} else if result.Status == api.TaskFailed {
				state.TaskErrors[tid] = result.Err
				anyFailed = true
			}
		}()
	}
	wg.Wait()
	state.LastActivity = time.Now()
	return anyFailed, nil
}

// runTask resolves inputs, dispatches by kind, and retries retryable
// failures up to backoff.TaskRetryConfig; inputs are not validated against
// a JSON schema here
// (spec §4.4.2 step 4).
func (e *Engine) runTask(ctx context.Context, plan *Plan, state *api.WorkflowState, task api.TaskSpec, rootEvent string) api.TaskResult {
	start := time.Now()
	args, err := resolveArgs(task.InputArgs, state.TaskOutputs)
	if err != nil {
		return api.TaskResult{TaskID: task.ID, Status: api.TaskFailed, Err: err, Duration: time.Since(start)}
	}

	var output any
	retryCfg := backoff.TaskRetryConfig()
	err = backoff.Do(ctx, retryCfg, isRetryableTaskError, func(ctx context.Context, attempt int) error {
		o, dispatchErr := e.dispatch(ctx, plan, task, args)
		if dispatchErr == nil {
			output = o
		}
		return dispatchErr
	})

	e.emit(ctx, state.ID, rootEvent, api.TraceToolCall, task.Target, "", "", statusFor(err))

	if err != nil {
		return api.TaskResult{TaskID: task.ID, Status: api.TaskFailed, Err: err, Duration: time.Since(start)}
	}
	return api.TaskResult{TaskID: task.ID, Status: api.TaskSucceeded, Output: output, Duration: time.Since(start)}
}

func (e *Engine) dispatch(ctx context.Context, plan *Plan, task api.TaskSpec, args map[string]any) (any, error) {
	switch task.Kind {
	case api.TaskToolCall:
		if e.toolCaller == nil {
			return nil, errorkind.New(errorkind.Dependency, "no tool caller configured")
		}
		server, tool, err := splitTarget(task.Target)
		if err != nil {
			return nil, err
		}
		raw, err := e.toolCaller.Call(ctx, server, tool, args)
		if err != nil {
			return nil, err
		}
		var v any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return string(raw), nil
			}
		}
		return v, nil

	case api.TaskCodeExecution:
		if e.codeExecutor == nil {
			return nil, errorkind.New(errorkind.Dependency, "no code executor configured")
		}
		code, _ := task.InputArgs["code"].(string)
		return e.codeExecutor.Execute(ctx, code, args)

	case api.TaskCapabilityInvoke, api.TaskSubDAG:
		return e.runSubDAG(ctx, task, args)

	case api.TaskCheckpoint:
		return nil, errorkind.New(errorkind.Dependency, "checkpoint task reached without being paused")

	default:
		return nil, errorkind.New(errorkind.Validation, "unknown task kind: "+string(task.Kind))
	}
}

// runSubDAG expands a capability-invoke or sub-dag task and runs it to
// completion inline, returning the sub-DAG's terminal output (spec §4.4.2:
// "the parent task completes with the sub-DAG's terminal output").
func (e *Engine) runSubDAG(ctx context.Context, task api.TaskSpec, args map[string]any) (any, error) {
	var tasks []api.TaskSpec
	var err error
	switch task.Kind {
	case api.TaskCapabilityInvoke:
		if e.expander == nil {
			return nil, errorkind.New(errorkind.Dependency, "no capability expander configured")
		}
		tasks, err = e.expander.Expand(ctx, task.Target, args)
	case api.TaskSubDAG:
		sub, ok := task.Metadata["tasks"].([]api.TaskSpec)
		if !ok {
			return nil, errorkind.New(errorkind.Validation, "sub-dag task missing tasks metadata")
		}
		tasks = sub
	}
	if err != nil {
		return nil, err
	}

	subPlan, err := Compile(tasks)
	if err != nil {
		return nil, err
	}
	subState, pw, err := e.Submit(ctx, subPlan, SubmitOptions{WorkflowID: task.ID + ":sub"})
	if err != nil {
		return nil, err
	}
	if pw != nil {
		return nil, errorkind.New(errorkind.Dependency, "sub-dag paused; nested pauses are not supported")
	}
	if subState.Mode != api.WorkflowCompleted {
		return nil, errorkind.New(errorkind.Internal, fmt.Sprintf("sub-dag %s did not complete: %v", task.ID, subState.Mode))
	}
	return terminalOutput(subPlan, subState), nil
}

// terminalOutput returns the output of the sub-DAG's last layer's task (or
// tasks, joined) as the sub-DAG's overall result.
func terminalOutput(plan *Plan, state *api.WorkflowState) any {
	if len(plan.Layers) == 0 {
		return nil
	}
	last := plan.Layers[len(plan.Layers)-1]
	if len(last) == 1 {
		return state.TaskOutputs[last[0]]
	}
	out := make(map[string]any, len(last))
	for _, tid := range last {
		out[tid] = state.TaskOutputs[tid]
	}
	return out
}

// firstCheckpoint reports the id of the first TaskCheckpoint task in
// layer, if any (spec §4.4.3: reaching a checkpoint pauses the workflow
// for human approval before that layer runs).
func firstCheckpoint(plan *Plan, state *api.WorkflowState, layer []string) (string, bool) {
	for _, tid := range layer {
		if plan.Tasks[tid].Kind == api.TaskCheckpoint && state.TaskStatus[tid] != api.TaskSucceeded {
			return tid, true
		}
	}
	return "", false
}

// taskBlockedByDependency reports whether any of task's direct dependencies
// terminally failed or was itself skipped, in which case task must be
// skipped rather than dispatched: its inputs can never resolve (spec
// §4.4.2 continue-on-error policy).
func taskBlockedByDependency(task api.TaskSpec, state *api.WorkflowState) bool {
	for _, dep := range task.DependsOn {
		switch state.TaskStatus[dep] {
		case api.TaskFailed, api.TaskSkipped:
			return true
		}
	}
	return false
}

// markAllPendingSkipped marks every task that never got a chance to run as
// skipped (spec §8 scenario S4: "d is skipped; ... d carries status
// skipped"), called once a fail-fast workflow gives up on a layer.
func markAllPendingSkipped(state *api.WorkflowState) {
	for id, status := range state.TaskStatus {
		if status == api.TaskPending {
			state.TaskStatus[id] = api.TaskSkipped
		}
	}
}

func splitTarget(target string) (server, tool string, err error) {
	for i := 0; i < len(target); i++ {
		if target[i] == ':' {
			return target[:i], target[i+1:], nil
		}
	}
	return "", "", errorkind.New(errorkind.Validation, "tool-call target must be \"server:tool\": "+target)
}

func isRetryableTaskError(err error) bool {
	var ke *errorkind.Error
	if e, ok := err.(*errorkind.Error); ok {
		ke = e
	}
	if ke == nil {
		return false
	}
	return ke.Retryable
}

func statusFor(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (e *Engine) emit(ctx context.Context, rootID, parentID string, kind api.TraceEventKind, target, inputFP, outputFP, status string) string {
	id := trace.NewEventID()
	event := api.TraceEvent{
		ID:        id,
		ParentID:  parentID,
		RootID:    rootID,
		Timestamp: time.Now(),
		Kind:      kind,
		Target:    target,
		InputFP:   inputFP,
		OutputFP:  outputFP,
		Status:    status,
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.obs.LogOperation(ctx, "dag: publish trace event", err)
	}
	return id
}

// foldTrace folds a successfully completed workflow into the graph: its
// executed path as sequence edges, the plan's dependencies as dependency
// edges, and co-occurring pairs as related edges (spec §4.3 update protocol).
func (e *Engine) foldTrace(state *api.WorkflowState, plan *Plan) {
	if e.g == nil {
		return
	}
	path := make([]graph.NodeID, len(state.ExecutedPath))
	for i, tid := range state.ExecutedPath {
		task := plan.Tasks[tid]
		path[i] = graph.NodeID(task.Target)
	}
	var deps [][2]graph.NodeID
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			depTask := plan.Tasks[dep]
			deps = append(deps, [2]graph.NodeID{graph.NodeID(depTask.Target), graph.NodeID(t.Target)})
		}
	}
	e.g.FoldTrace(state.ID, path, deps, coOccurringPairs(path))
}

// coOccurringPairs returns every unordered pair of distinct nodes that
// executed together in path, once each (spec §4.3 update rule: "for every
// unordered co-occurring pair: related(a,b) += 1").
func coOccurringPairs(path []graph.NodeID) [][2]graph.NodeID {
	seen := make(map[graph.NodeID]bool, len(path))
	unique := make([]graph.NodeID, 0, len(path))
	for _, id := range path {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	var pairs [][2]graph.NodeID
	for i := 0; i < len(unique); i++ {
		for j := i + 1; j < len(unique); j++ {
			pairs = append(pairs, [2]graph.NodeID{unique[i], unique[j]})
		}
	}
	return pairs
}

// pause moves state into the pending-workflow store under a fresh id and
// reports the pause kind (spec §4.4.3).
func (e *Engine) pause(state *api.WorkflowState, plan *Plan, kind api.PauseKind, ttl time.Duration) *api.PendingWorkflow {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if kind == api.PauseHumanCheckpoint || kind == api.PauseDependencyApproval {
		state.Mode = api.WorkflowPausedForApproval
	} else {
		state.Mode = api.WorkflowPausedForValidation
	}
	pw := &api.PendingWorkflow{
		ID:        trace.NewEventID(),
		State:     *state,
		PauseKind: kind,
		ExpiresAt: time.Now().Add(ttl),
	}
	if e.pending != nil {
		e.pending.Put(pw)
	}
	return pw
}
