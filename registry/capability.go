package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/errorkind"
	"github.com/mcpgate/gateway/graph"
)

// CapabilityStore holds learned capabilities (spec.md §4.4.5: a capability
// is a reusable plan plus usage statistics) and keeps their graph nodes in
// sync, mirroring Catalog's handling of tool descriptors.
type CapabilityStore struct {
	embedder Embedder
	vectors  VectorStore
	g        *graph.Graph

	mu           sync.RWMutex
	capabilities map[string]api.Capability
}

func NewCapabilityStore(embedder Embedder, vectors VectorStore, g *graph.Graph) *CapabilityStore {
	return &CapabilityStore{
		embedder:     embedder,
		vectors:      vectors,
		g:            g,
		capabilities: make(map[string]api.Capability),
	}
}

// Get returns the capability for id, if any.
func (s *CapabilityStore) Get(id string) (api.Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capabilities[id]
	return c, ok
}

// List returns every known capability, sorted by id.
func (s *CapabilityStore) List() []api.Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.Capability, 0, len(s.capabilities))
	for _, c := range s.capabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Save inserts or replaces a capability, re-embedding its intent when its
// content changed, and upserts its graph node plus contains-edges to the
// tools its plan references.
func (s *CapabilityStore) Save(ctx context.Context, c api.Capability) error {
	s.mu.RLock()
	existing, ok := s.capabilities[c.ID]
	s.mu.RUnlock()
	if ok && existing.ContentHash == c.ContentHash {
		s.mu.Lock()
		s.capabilities[c.ID] = c
		s.mu.Unlock()
		return nil
	}

	s.g.UpsertNode(graph.Node{ID: graph.NodeID(c.ID), Kind: api.NodeCapability})
	var tools []graph.NodeID
	for _, t := range c.Plan {
		if t.Kind == api.TaskToolCall {
			tools = append(tools, graph.NodeID(t.Target))
		}
	}
	s.g.SetContains(graph.NodeID(c.ID), tools)

	if s.embedder != nil && s.vectors != nil {
		vec, err := s.embedder.Embed(ctx, c.Intent)
		if err == nil {
			_ = s.vectors.Upsert(ctx, api.ToolID(c.ID), vec)
		}
	}

	s.mu.Lock()
	s.capabilities[c.ID] = c
	s.mu.Unlock()
	return nil
}

// ScoredCapability pairs a capability with its similarity to a query.
type ScoredCapability struct {
	Capability api.Capability
	Similarity float64
}

// Search ranks known capabilities by semantic similarity to query, falling
// back to keyword overlap against each capability's intent when no
// embedder is configured.
func (s *CapabilityStore) Search(ctx context.Context, query string, topK int) ([]ScoredCapability, error) {
	if s.embedder != nil && s.vectors != nil {
		queryVec, err := s.embedder.Embed(ctx, query)
		if err == nil {
			matches, err := s.vectors.Query(ctx, queryVec, 0)
			if err == nil {
				out := make([]ScoredCapability, 0, len(matches))
				s.mu.RLock()
				for _, m := range matches {
					if c, ok := s.capabilities[string(m.ID)]; ok {
						out = append(out, ScoredCapability{Capability: c, Similarity: m.Similarity})
					}
				}
				s.mu.RUnlock()
				sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
				return limitCapabilities(out, topK), nil
			}
		}
	}

	rel := computeCapabilityKeywordRelevance(query, s.List())
	sort.Slice(rel, func(i, j int) bool { return rel[i].Similarity > rel[j].Similarity })
	return limitCapabilities(rel, topK), nil
}

func computeCapabilityKeywordRelevance(query string, capabilities []api.Capability) []ScoredCapability {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	out := make([]ScoredCapability, 0, len(capabilities))
	for _, c := range capabilities {
		intent := strings.ToLower(c.Intent)
		var score float64
		for _, term := range terms {
			if strings.Contains(intent, term) {
				score++
			}
		}
		if score > 0 {
			out = append(out, ScoredCapability{Capability: c, Similarity: score / float64(len(terms))})
		}
	}
	return out
}

func limitCapabilities(results []ScoredCapability, topK int) []ScoredCapability {
	if topK > 0 && len(results) > topK {
		return results[:topK]
	}
	return results
}

// RecordUsage updates a capability's running success rate and reuse count
// after one more invocation (spec §4.4.5).
func (s *CapabilityStore) RecordUsage(id string, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capabilities[id]
	if !ok {
		return
	}
	n := float64(c.ReuseCount)
	outcome := 0.0
	if succeeded {
		outcome = 1.0
	}
	c.SuccessRate = (c.SuccessRate*n + outcome) / (n + 1)
	c.ReuseCount++
	s.capabilities[id] = c
}

// Expand returns the task list a capability-invoke task expands to,
// satisfying dag.CapabilityExpander (spec §4.4.2). args is currently
// unused: capability plans are stored fully bound, with no parametric
// substitution defined by the spec.
func (s *CapabilityStore) Expand(_ context.Context, capabilityID string, _ map[string]any) ([]api.TaskSpec, error) {
	c, ok := s.Get(capabilityID)
	if !ok {
		return nil, errorkind.New(errorkind.Dependency, "unknown capability "+capabilityID)
	}
	return c.Plan, nil
}
