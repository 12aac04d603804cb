package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/graph"
)

func TestCapabilityStoreSaveAndSearchByKeyword(t *testing.T) {
	store := NewCapabilityStore(nil, nil, graph.New())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, api.Capability{
		ID:          "cap:weather-brief",
		Intent:      "fetch a weather forecast and summarize it",
		Plan:        []api.TaskSpec{{ID: "t1", Kind: api.TaskToolCall, Target: "weather:forecast"}},
		ContentHash: "h1",
	}))

	results, err := store.Search(ctx, "weather forecast", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "cap:weather-brief", results[0].Capability.ID)
}

func TestCapabilityStoreRecordUsageUpdatesSuccessRate(t *testing.T) {
	store := NewCapabilityStore(nil, nil, graph.New())
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, api.Capability{ID: "cap:a", Intent: "do a thing", ContentHash: "h1"}))

	store.RecordUsage("cap:a", true)
	store.RecordUsage("cap:a", false)

	c, ok := store.Get("cap:a")
	require.True(t, ok)
	assert.Equal(t, int64(2), c.ReuseCount)
	assert.InDelta(t, 0.5, c.SuccessRate, 1e-9)
}

func TestCapabilityStoreExpandReturnsStoredPlan(t *testing.T) {
	store := NewCapabilityStore(nil, nil, graph.New())
	ctx := context.Background()
	plan := []api.TaskSpec{{ID: "t1", Kind: api.TaskToolCall, Target: "weather:forecast"}}
	require.NoError(t, store.Save(ctx, api.Capability{ID: "cap:a", Intent: "do a thing", Plan: plan, ContentHash: "h1"}))

	tasks, err := store.Expand(ctx, "cap:a", nil)
	require.NoError(t, err)
	assert.Equal(t, plan, tasks)
}

func TestCapabilityStoreExpandUnknownCapability(t *testing.T) {
	store := NewCapabilityStore(nil, nil, graph.New())
	_, err := store.Expand(context.Background(), "cap:missing", nil)
	require.Error(t, err)
}
