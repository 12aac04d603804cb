package dag

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/gateway/api"
)

func TestSpeculativeCommitMatchesWhenInputsAreIdentical(t *testing.T) {
	caller := newFakeToolCaller()
	caller.results["s:b"] = json.RawMessage(`{"value":"spec"}`)
	engine := NewEngine(EngineOptions{ToolCaller: caller})
	runner := NewSpeculativeRunner(engine, 2)

	task := api.TaskSpec{ID: "b", Kind: api.TaskToolCall, Target: "s:b", DependsOn: []string{"a"},
		InputArgs: map[string]any{"x": "$a.value"}}
	plan, err := Compile([]api.TaskSpec{
		{ID: "a", Kind: api.TaskToolCall, Target: "s:a"}, task,
	})
	require.NoError(t, err)

	predicted := map[string]any{"a": map[string]any{"value": "predicted"}}
	runner.Speculate(context.Background(), plan, task, predicted)

	actual := map[string]any{"x": "predicted"}
	result, ok := runner.Commit(context.Background(), "b", actual)
	require.True(t, ok)
	assert.Equal(t, api.TaskSucceeded, result.Status)
}

func TestSpeculativeCommitMissesWhenInputsDiffer(t *testing.T) {
	caller := newFakeToolCaller()
	engine := NewEngine(EngineOptions{ToolCaller: caller})
	runner := NewSpeculativeRunner(engine, 2)

	task := api.TaskSpec{ID: "b", Kind: api.TaskToolCall, Target: "s:b", DependsOn: []string{"a"},
		InputArgs: map[string]any{"x": "$a.value"}}
	plan, err := Compile([]api.TaskSpec{
		{ID: "a", Kind: api.TaskToolCall, Target: "s:a"}, task,
	})
	require.NoError(t, err)

	predicted := map[string]any{"a": map[string]any{"value": "predicted"}}
	runner.Speculate(context.Background(), plan, task, predicted)

	actual := map[string]any{"x": "actual-differs"}
	_, ok := runner.Commit(context.Background(), "b", actual)
	assert.False(t, ok)
}

func TestSpeculativeCommitMissesForUnknownTask(t *testing.T) {
	engine := NewEngine(EngineOptions{ToolCaller: newFakeToolCaller()})
	runner := NewSpeculativeRunner(engine, 2)
	_, ok := runner.Commit(context.Background(), "never-speculated", map[string]any{})
	assert.False(t, ok)
}
