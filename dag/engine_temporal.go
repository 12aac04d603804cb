package dag

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"google.golang.org/grpc"

	"github.com/mcpgate/gateway/api"
)

// workflowName is the single Temporal workflow type every compiled plan
// runs under; plans are opaque data (Plan, not code), so one generic
// workflow definition suffices.
const workflowName = "gatewayDAGWorkflow"
const taskActivityName = "gatewayDAGRunTask"

// TemporalEngineOptions configures the durable engine. Either Client or
// ClientOptions must be set.
type TemporalEngineOptions struct {
	Client        client.Client
	ClientOptions *client.Options
	TaskQueue     string
	// DialOptions are appended to ClientOptions.ConnectionOptions so
	// callers can wire custom gRPC interceptors/credentials without
	// reaching into the Temporal client construction themselves.
	DialOptions []grpc.DialOption
}

// TemporalEngine runs DAG plans as durable Temporal workflows: Submit
// starts a workflow that walks the plan's layers and runs each task's
// dispatch as a Temporal activity, giving the gateway crash-safe, resumable execution at the
// cost of requiring a running Temporal cluster. Prefer the in-memory
// Engine for development and for sub-DAGs expanded inline within an
// activity.
type TemporalEngine struct {
	client      client.Client
	closeClient bool
	taskQueue   string
	worker      worker.Worker
	inner       *Engine
}

// NewTemporalEngine connects to Temporal (or reuses opts.Client) and
// registers the gateway's workflow and activity definitions against
// opts.TaskQueue. inner supplies the actual tool/code/capability dispatch
// the Temporal activity delegates to.
func NewTemporalEngine(opts TemporalEngineOptions, inner *Engine) (*TemporalEngine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("dag: temporal engine: task queue is required")
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("dag: temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if len(opts.DialOptions) > 0 {
			clientOpts.ConnectionOptions.DialOptions = append(clientOpts.ConnectionOptions.DialOptions, opts.DialOptions...)
		}
		tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("dag: temporal engine: configure tracing interceptor: %w", err)
		}
		clientOpts.Interceptors = append(clientOpts.Interceptors, tracer)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("dag: temporal engine: dial: %w", err)
		}
		closeClient = true
	}

	w := worker.New(cli, opts.TaskQueue, worker.Options{})
	te := &TemporalEngine{client: cli, closeClient: closeClient, taskQueue: opts.TaskQueue, worker: w, inner: inner}

	w.RegisterWorkflowWithOptions(te.workflowFunc, workflow.RegisterOptions{Name: workflowName})
	w.RegisterActivityWithOptions(te.runTaskActivity, activity.RegisterOptions{Name: taskActivityName})

	if err := w.Start(); err != nil {
		if closeClient {
			cli.Close()
		}
		return nil, fmt.Errorf("dag: temporal engine: start worker: %w", err)
	}
	return te, nil
}

// Close stops the worker and, if this engine owns the client, closes it.
func (te *TemporalEngine) Close() {
	te.worker.Stop()
	if te.closeClient {
		te.client.Close()
	}
}

// temporalWorkflowInput is the durable workflow's input: a plan plus the
// options that were in effect at submission time.
type temporalWorkflowInput struct {
	Plan api.WorkflowState
	Opts SubmitOptions
}

// Submit starts plan as a durable Temporal workflow execution and blocks
// until it completes, returning the terminal WorkflowState. Mid-execution
// pauses are not supported by the durable engine: PerLayerValidation and
// checkpoint tasks run to completion without pausing, matching Temporal's
// all-or-nothing workflow execution model; use the in-memory Engine when
// pause/resume is required.
func (te *TemporalEngine) Submit(ctx context.Context, plan *Plan, opts SubmitOptions) (*api.WorkflowState, error) {
	run, err := te.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        opts.WorkflowID,
		TaskQueue: te.taskQueue,
	}, workflowName, temporalWorkflowInput{
		Plan: api.WorkflowState{ID: opts.WorkflowID, Plan: taskList(plan)},
		Opts: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("dag: temporal engine: execute workflow: %w", err)
	}
	var state api.WorkflowState
	if err := run.Get(ctx, &state); err != nil {
		return nil, fmt.Errorf("dag: temporal engine: workflow run: %w", err)
	}
	return &state, nil
}

func taskList(plan *Plan) []api.TaskSpec {
	out := make([]api.TaskSpec, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		out = append(out, t)
	}
	return out
}

// workflowFunc is the Temporal workflow body: it recompiles the plan
// deterministically from its task list (Temporal requires determinism,
// and Compile is a pure function of its input) and drives each layer by
// invoking runTaskActivity for every task, awaiting the whole layer before
// moving to the next. Unlike the in-memory Engine it has no runTask backoff
// loop (retries follow Temporal's activity retry policy), does not pause at
// checkpoint tasks, and does not mark dependents of a failed task skipped.
func (te *TemporalEngine) workflowFunc(ctx workflow.Context, input temporalWorkflowInput) (api.WorkflowState, error) {
	plan, err := Compile(input.Plan.Plan)
	if err != nil {
		return api.WorkflowState{}, err
	}

	state := api.WorkflowState{
		ID:          input.Plan.ID,
		Plan:        input.Plan.Plan,
		TaskStatus:  make(map[string]api.TaskStatus),
		TaskOutputs: make(map[string]any),
		TaskErrors:  make(map[string]error),
		Mode:        api.WorkflowRunning,
	}

	ao := workflow.ActivityOptions{StartToCloseTimeout: 5 * time.Minute}
	actx := workflow.WithActivityOptions(ctx, ao)

	for _, layer := range plan.Layers {
		futures := make(map[string]workflow.Future, len(layer))
		for _, tid := range layer {
			task := plan.Tasks[tid]
			args, err := resolveArgs(task.InputArgs, state.TaskOutputs)
			if err != nil {
				state.TaskStatus[tid] = api.TaskFailed
				continue
			}
			futures[tid] = workflow.ExecuteActivity(actx, taskActivityName, task, args)
		}
		failed := false
		for tid, f := range futures {
			var output any
			if err := f.Get(ctx, &output); err != nil {
				state.TaskStatus[tid] = api.TaskFailed
				failed = true
				continue
			}
			state.TaskStatus[tid] = api.TaskSucceeded
			state.TaskOutputs[tid] = output
			state.ExecutedPath = append(state.ExecutedPath, tid)
		}
		if failed && !input.Opts.ContinueOnError {
			state.Mode = api.WorkflowFailed
			return state, nil
		}
	}

	state.Mode = api.WorkflowCompleted
	return state, nil
}

// runTaskActivity dispatches a single task via the in-memory Engine's
// tool/code/capability callers, so the durable and in-memory engines share
// one dispatch implementation.
func (te *TemporalEngine) runTaskActivity(ctx context.Context, task api.TaskSpec, args map[string]any) (any, error) {
	return te.inner.dispatch(ctx, nil, task, args)
}
