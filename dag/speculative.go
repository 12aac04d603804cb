package dag

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/mcpgate/gateway/api"
)

// SpeculativeRunner pre-executes a next-layer task against predicted
// predecessor outputs while the current layer is still running, and
// commits the speculative result only if the task's actually-resolved
// inputs are byte-identical to the prediction (spec §4.4.6; decided in
// favor of exact-match over fuzzy equivalence, see DESIGN.md). The Engine
// never calls into this itself; a caller drives it directly.
type SpeculativeRunner struct {
	engine *Engine
	sem    *semaphore.Weighted

	mu    sync.Mutex
	specs map[string]*speculation
}

type speculation struct {
	predictedArgs map[string]any
	predictedJSON string
	result        api.TaskResult
	done          chan struct{}
}

func NewSpeculativeRunner(engine *Engine, maxConcurrent int) *SpeculativeRunner {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &SpeculativeRunner{
		engine: engine,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		specs:  make(map[string]*speculation),
	}
}

// Speculate launches a speculative run of task using predictedOutputs as a
// stand-in for the still-running current layer's outputs. Non-blocking:
// the actual execution happens in a background goroutine.
func (r *SpeculativeRunner) Speculate(ctx context.Context, plan *Plan, task api.TaskSpec, predictedOutputs map[string]any) {
	predictedArgs, err := resolveArgs(task.InputArgs, predictedOutputs)
	if err != nil {
		return
	}
	predictedJSON, err := canonicalJSON(predictedArgs)
	if err != nil {
		return
	}

	spec := &speculation{predictedArgs: predictedArgs, predictedJSON: predictedJSON, done: make(chan struct{})}
	r.mu.Lock()
	r.specs[task.ID] = spec
	r.mu.Unlock()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		close(spec.done)
		return
	}
	go func() {
		defer r.sem.Release(1)
		defer close(spec.done)
		output, err := r.engine.dispatch(ctx, plan, task, predictedArgs)
		if err != nil {
			spec.result = api.TaskResult{TaskID: task.ID, Status: api.TaskFailed, Err: err}
			return
		}
		spec.result = api.TaskResult{TaskID: task.ID, Status: api.TaskSucceeded, Output: output}
	}()
}

// Commit waits for task's speculative run (if any) and returns its result
// only when actualArgs matches the prediction exactly; it reports false
// otherwise so the caller falls back to a real, synchronous run.
func (r *SpeculativeRunner) Commit(ctx context.Context, taskID string, actualArgs map[string]any) (api.TaskResult, bool) {
	r.mu.Lock()
	spec, ok := r.specs[taskID]
	delete(r.specs, taskID)
	r.mu.Unlock()
	if !ok {
		return api.TaskResult{}, false
	}

	select {
	case <-spec.done:
	case <-ctx.Done():
		return api.TaskResult{}, false
	}

	actualJSON, err := canonicalJSON(actualArgs)
	if err != nil || actualJSON != spec.predictedJSON {
		return api.TaskResult{}, false
	}
	return spec.result, true
}

func canonicalJSON(v map[string]any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
