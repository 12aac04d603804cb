package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/registry"
)

type fakeSearcher struct {
	byID map[api.ToolID]api.Descriptor
}

func (f *fakeSearcher) Search(_ context.Context, query string, opts registry.SearchOptions) ([]registry.ScoredTool, error) {
	if d, ok := f.byID[api.ToolID(query)]; ok {
		return []registry.ScoredTool{{Descriptor: d, Score: 1}}, nil
	}
	out := make([]registry.ScoredTool, 0, len(f.byID))
	for _, d := range f.byID {
		out = append(out, registry.ScoredTool{Descriptor: d, Score: 0.5})
	}
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out, nil
}

func TestBuildAllowListResolvesExplicitAndIntentTools(t *testing.T) {
	searcher := &fakeSearcher{byID: map[api.ToolID]api.Descriptor{
		"weather:forecast": {ServerID: "weather", Name: "forecast"},
		"weather:alerts":   {ServerID: "weather", Name: "alerts"},
	}}

	allowList, err := BuildAllowList(context.Background(), searcher, []api.ToolID{"weather:forecast"}, "", 0)
	require.NoError(t, err)
	_, ok := allowList.Lookup("weather", "forecast")
	assert.True(t, ok)
	_, ok = allowList.Lookup("weather", "alerts")
	assert.False(t, ok)

	withIntent, err := BuildAllowList(context.Background(), searcher, nil, "weather info", 5)
	require.NoError(t, err)
	assert.Len(t, withIntent.Descriptors(), 2)
}

func TestBuildAllowListWithNilSearcherYieldsEmpty(t *testing.T) {
	allowList, err := BuildAllowList(context.Background(), nil, []api.ToolID{"weather:forecast"}, "weather", 5)
	require.NoError(t, err)
	assert.Empty(t, allowList.Descriptors())
}
