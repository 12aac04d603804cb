package sandbox

import (
	"context"
	"sort"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/registry"
)

// ToolSearcher resolves an intent string to candidate tools; satisfied by
// *registry.HybridSearcher.
type ToolSearcher interface {
	Search(ctx context.Context, query string, opts registry.SearchOptions) ([]registry.ScoredTool, error)
}

// ToolAllowList is the set of tools a single sandbox execution may call,
// derived once up front and never widened during the run (spec §4.5
// "Tool injection"). Mirrors the allow/block filtering shape of the
// gateway's upstream tool-policy engine, narrowed here to a pure allow-list
// since the sandbox has no block-list concept: everything not explicitly
// allowed is denied by default.
type ToolAllowList struct {
	byID map[api.ToolID]api.Descriptor
}

// BuildAllowList resolves explicit tool ids plus, when intent is non-empty,
// the top maxIntentTools matches for intent via searcher. Explicit entries
// that don't resolve via searcher are dropped silently: a sandbox run is
// not the place to surface a typo as a hard failure, and the resulting
// proxy simply won't exist in the worker's environment.
func BuildAllowList(ctx context.Context, searcher ToolSearcher, explicit []api.ToolID, intent string, maxIntentTools int) (*ToolAllowList, error) {
	l := &ToolAllowList{byID: make(map[api.ToolID]api.Descriptor)}

	if searcher != nil && len(explicit) > 0 {
		for _, id := range explicit {
			results, err := searcher.Search(ctx, string(id), registry.SearchOptions{MaxResults: 1})
			if err != nil {
				continue
			}
			for _, r := range results {
				if r.Descriptor.ID() == id {
					l.byID[id] = r.Descriptor
				}
			}
		}
	}

	if searcher != nil && intent != "" {
		if maxIntentTools <= 0 {
			maxIntentTools = 5
		}
		results, err := searcher.Search(ctx, intent, registry.SearchOptions{MaxResults: maxIntentTools})
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			l.byID[r.Descriptor.ID()] = r.Descriptor
		}
	}

	return l, nil
}

// Lookup returns the descriptor for "server:tool" if it is allow-listed.
func (l *ToolAllowList) Lookup(server, tool string) (api.Descriptor, bool) {
	d, ok := l.byID[api.ToolID(server+":"+tool)]
	return d, ok
}

// Descriptors returns the allow-listed descriptors in a stable order, for
// injecting proxy symbols into the worker's environment.
func (l *ToolAllowList) Descriptors() []api.Descriptor {
	out := make([]api.Descriptor, 0, len(l.byID))
	for _, d := range l.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
