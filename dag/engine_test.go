package dag

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/errorkind"
	"github.com/mcpgate/gateway/graph"
)

type fakeToolCaller struct {
	calls   []string
	results map[string]json.RawMessage
	errs    map[string]error
}

func newFakeToolCaller() *fakeToolCaller {
	return &fakeToolCaller{results: make(map[string]json.RawMessage), errs: make(map[string]error)}
}

func (f *fakeToolCaller) Call(_ context.Context, server, tool string, _ map[string]any) (json.RawMessage, error) {
	key := server + ":" + tool
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if r, ok := f.results[key]; ok {
		return r, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func TestEngineSubmitRunsDependentLayersAndResolvesOutputs(t *testing.T) {
	caller := newFakeToolCaller()
	caller.results["s:first"] = json.RawMessage(`{"value":7}`)

	engine := NewEngine(EngineOptions{ToolCaller: caller})
	tasks := []api.TaskSpec{
		{ID: "first", Kind: api.TaskToolCall, Target: "s:first"},
		{ID: "second", Kind: api.TaskToolCall, Target: "s:second", DependsOn: []string{"first"},
			InputArgs: map[string]any{"x": "$first.value"}},
	}
	plan, err := Compile(tasks)
	require.NoError(t, err)

	state, pending, err := engine.Submit(context.Background(), plan, SubmitOptions{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Nil(t, pending)
	assert.Equal(t, api.WorkflowCompleted, state.Mode)
	assert.Equal(t, api.TaskSucceeded, state.TaskStatus["first"])
	assert.Equal(t, api.TaskSucceeded, state.TaskStatus["second"])
	assert.Contains(t, caller.calls, "s:first")
	assert.Contains(t, caller.calls, "s:second")
}

func TestEngineFailFastSkipsLaterLayers(t *testing.T) {
	caller := newFakeToolCaller()
	caller.errs["s:broken"] = errorkind.New(errorkind.UpstreamToolError, "boom")

	engine := NewEngine(EngineOptions{ToolCaller: caller})
	tasks := []api.TaskSpec{
		{ID: "broken", Kind: api.TaskToolCall, Target: "s:broken"},
		{ID: "after", Kind: api.TaskToolCall, Target: "s:after", DependsOn: []string{"broken"}},
	}
	plan, err := Compile(tasks)
	require.NoError(t, err)

	state, pending, err := engine.Submit(context.Background(), plan, SubmitOptions{WorkflowID: "wf-2"})
	require.NoError(t, err)
	assert.Nil(t, pending)
	assert.Equal(t, api.WorkflowFailed, state.Mode)
	assert.Equal(t, api.TaskFailed, state.TaskStatus["broken"])
	assert.Equal(t, api.TaskSkipped, state.TaskStatus["after"])
}

func TestEngineContinueOnErrorStillRunsLaterLayers(t *testing.T) {
	caller := newFakeToolCaller()
	caller.errs["s:broken"] = errorkind.New(errorkind.UpstreamToolError, "boom")

	engine := NewEngine(EngineOptions{ToolCaller: caller})
	tasks := []api.TaskSpec{
		{ID: "broken", Kind: api.TaskToolCall, Target: "s:broken"},
		{ID: "independent", Kind: api.TaskToolCall, Target: "s:independent"},
		{ID: "dependent", Kind: api.TaskToolCall, Target: "s:dependent", DependsOn: []string{"broken"}},
	}
	plan, err := Compile(tasks)
	require.NoError(t, err)

	state, _, err := engine.Submit(context.Background(), plan, SubmitOptions{WorkflowID: "wf-3", ContinueOnError: true})
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowCompleted, state.Mode)
	assert.Equal(t, api.TaskFailed, state.TaskStatus["broken"])
	assert.Equal(t, api.TaskSucceeded, state.TaskStatus["independent"])
	assert.Equal(t, api.TaskSkipped, state.TaskStatus["dependent"])
	assert.NotContains(t, caller.calls, "s:dependent")
}

func TestEngineRetriesRetryableErrorThenSucceeds(t *testing.T) {
	attempts := 0
	caller := &countingToolCaller{
		fn: func() (json.RawMessage, error) {
			attempts++
			if attempts < 2 {
				return nil, errorkind.New(errorkind.UpstreamTransport, "flaky")
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	engine := NewEngine(EngineOptions{ToolCaller: caller})
	tasks := []api.TaskSpec{{ID: "a", Kind: api.TaskToolCall, Target: "s:a"}}
	plan, err := Compile(tasks)
	require.NoError(t, err)

	state, _, err := engine.Submit(context.Background(), plan, SubmitOptions{WorkflowID: "wf-4"})
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowCompleted, state.Mode)
	assert.Equal(t, 2, attempts)
}

type countingToolCaller struct {
	fn func() (json.RawMessage, error)
}

func (c *countingToolCaller) Call(context.Context, string, string, map[string]any) (json.RawMessage, error) {
	return c.fn()
}

func TestEnginePerLayerValidationPauses(t *testing.T) {
	caller := newFakeToolCaller()
	engine := NewEngine(EngineOptions{ToolCaller: caller, Pending: NewPendingStore()})
	tasks := []api.TaskSpec{
		{ID: "a", Kind: api.TaskToolCall, Target: "s:a"},
		{ID: "b", Kind: api.TaskToolCall, Target: "s:b", DependsOn: []string{"a"}},
	}
	plan, err := Compile(tasks)
	require.NoError(t, err)

	state, pending, err := engine.Submit(context.Background(), plan, SubmitOptions{WorkflowID: "wf-5", PerLayerValidation: true})
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, api.PausePerLayerValidation, pending.PauseKind)
	assert.Equal(t, api.WorkflowPausedForValidation, state.Mode)
}

func TestEngineFoldTraceRecordsCoOccurringPairs(t *testing.T) {
	caller := newFakeToolCaller()
	g := graph.New()
	engine := NewEngine(EngineOptions{ToolCaller: caller, Graph: g})
	tasks := []api.TaskSpec{
		{ID: "a", Kind: api.TaskToolCall, Target: "s:a"},
		{ID: "b", Kind: api.TaskToolCall, Target: "s:b", DependsOn: []string{"a"}},
		{ID: "c", Kind: api.TaskToolCall, Target: "s:c", DependsOn: []string{"a"}},
	}
	plan, err := Compile(tasks)
	require.NoError(t, err)

	state, pending, err := engine.Submit(context.Background(), plan, SubmitOptions{WorkflowID: "wf-7"})
	require.NoError(t, err)
	assert.Nil(t, pending)
	assert.Equal(t, api.WorkflowCompleted, state.Mode)

	assert.Equal(t, float64(1), g.Weight("s:a", "s:b", api.EdgeRelated))
	assert.Equal(t, float64(1), g.Weight("s:a", "s:c", api.EdgeRelated))
	assert.Equal(t, float64(1), g.Weight("s:b", "s:c", api.EdgeRelated))
}

func TestEngineCheckpointPausesBeforeRunningAndResumesAfterApproval(t *testing.T) {
	caller := newFakeToolCaller()
	engine := NewEngine(EngineOptions{ToolCaller: caller, Pending: NewPendingStore()})
	tasks := []api.TaskSpec{
		{ID: "a", Kind: api.TaskToolCall, Target: "s:a"},
		{ID: "gate", Kind: api.TaskCheckpoint, DependsOn: []string{"a"}},
		{ID: "b", Kind: api.TaskToolCall, Target: "s:b", DependsOn: []string{"gate"}},
	}
	plan, err := Compile(tasks)
	require.NoError(t, err)

	state, pending, err := engine.Submit(context.Background(), plan, SubmitOptions{WorkflowID: "wf-6"})
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, api.PauseHumanCheckpoint, pending.PauseKind)
	assert.Equal(t, api.WorkflowPausedForApproval, state.Mode)
	assert.Equal(t, "gate", pending.CheckpointID)
	assert.NotContains(t, caller.calls, "s:b")

	state.TaskStatus["gate"] = api.TaskSucceeded
	state.TaskOutputs["gate"] = true
	state.Mode = api.WorkflowRunning
	resumed, stillPending, err := engine.Resume(context.Background(), plan, state, state.CurrentLayer, SubmitOptions{WorkflowID: "wf-6"})
	require.NoError(t, err)
	assert.Nil(t, stillPending)
	assert.Equal(t, api.WorkflowCompleted, resumed.Mode)
	assert.Contains(t, caller.calls, "s:b")
}
