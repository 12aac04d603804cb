package dag

import (
	"context"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/errorkind"
)

// Replan handles a mid-execution "replan" request (spec §4.4.4): the
// current layer's not-yet-started tasks are cancelled, a fresh fragment is
// suggested for newRequirement, spliced onto the still-valid completed
// outputs, and execution resumes from the spliced frontier.
func (e *Engine) Replan(ctx context.Context, suggester *Suggester, plan *Plan, state *api.WorkflowState, newRequirement string, opts SubmitOptions) (*api.WorkflowState, *api.PendingWorkflow, error) {
	if state.Mode != api.WorkflowRunning && state.Mode != api.WorkflowPausedForValidation && state.Mode != api.WorkflowPausedForApproval {
		return nil, nil, errorkind.New(errorkind.Validation, "replan requires a running or paused workflow")
	}

	for _, tid := range plan.Layers[state.CurrentLayer] {
		if state.TaskStatus[tid] == api.TaskPending || state.TaskStatus[tid] == api.TaskReady {
			state.TaskStatus[tid] = api.TaskCancelled
		}
	}

	fragmentPlan, _, err := suggester.Suggest(ctx, newRequirement)
	if err != nil {
		return nil, nil, err
	}

	splicedTasks := make([]api.TaskSpec, 0, len(plan.Tasks)+len(fragmentPlan.Tasks))
	completed := make([]string, 0, len(plan.Tasks))
	for id, t := range plan.Tasks {
		if state.TaskStatus[id] == api.TaskSucceeded {
			splicedTasks = append(splicedTasks, t)
			completed = append(completed, id)
		}
	}
	for _, t := range fragmentPlan.Tasks {
		t.DependsOn = append(t.DependsOn, completed...)
		splicedTasks = append(splicedTasks, t)
	}

	splicedPlan, err := Compile(splicedTasks)
	if err != nil {
		return nil, nil, err
	}

	state.Plan = splicedTasks
	state.Mode = api.WorkflowRunning
	nextLayer := 0
	for i, layer := range splicedPlan.Layers {
		allDone := true
		for _, tid := range layer {
			if state.TaskStatus[tid] != api.TaskSucceeded {
				allDone = false
				break
			}
		}
		if !allDone {
			nextLayer = i
			break
		}
	}

	return e.run(ctx, splicedPlan, state, nextLayer, opts)
}
