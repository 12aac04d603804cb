package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/graph"
	"github.com/mcpgate/gateway/telemetry"
)

// descriptorSource supplies the merged descriptor set the catalog indexes;
// *upstream.Manager satisfies it, kept as a narrow interface so the
// registry package never imports upstream.
type descriptorSource interface {
	ListTools() []api.Descriptor
}

// Catalog holds the merged tool descriptor set, keeps each tool's vector
// embedding and graph node in sync with it, and re-embeds a tool whenever
// its ContentHash changes (spec §4.2).
type Catalog struct {
	obs      telemetry.Observability
	source   descriptorSource
	embedder Embedder
	vectors  VectorStore
	g        *graph.Graph

	mu          sync.RWMutex
	descriptors map[api.ToolID]api.Descriptor
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithCatalogObservability wires logging/metrics/tracing into the catalog.
func WithCatalogObservability(obs telemetry.Observability) CatalogOption {
	return func(c *Catalog) { c.obs = obs }
}

// NewCatalog constructs a Catalog backed by source for descriptor discovery,
// embedder for vectorizing tool text, vectors for nearest-neighbour storage,
// and g for relatedness/priors.
func NewCatalog(source descriptorSource, embedder Embedder, vectors VectorStore, g *graph.Graph, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		obs:         telemetry.New(nil, nil, nil),
		source:      source,
		embedder:    embedder,
		vectors:     vectors,
		g:           g,
		descriptors: make(map[api.ToolID]api.Descriptor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the descriptor for id, if known.
func (c *Catalog) Get(id api.ToolID) (api.Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descriptors[id]
	return d, ok
}

// List returns every currently indexed descriptor.
func (c *Catalog) List() []api.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]api.Descriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Refresh pulls the current descriptor set from source, upserts a graph
// node for every new or changed tool, and re-embeds any tool whose
// ContentHash differs from what's indexed (spec §4.2: "content hash based
// change detection"). Descriptors no longer present upstream are dropped.
func (c *Catalog) Refresh(ctx context.Context) error {
	current := c.source.ListTools()
	seen := make(map[api.ToolID]struct{}, len(current))

	for _, d := range current {
		id := d.ID()
		seen[id] = struct{}{}

		c.mu.RLock()
		existing, ok := c.descriptors[id]
		c.mu.RUnlock()
		if ok && existing.ContentHash == d.ContentHash {
			continue
		}

		c.g.UpsertNode(graph.Node{ID: graph.NodeID(id), Kind: api.NodeTool})

		if c.embedder != nil && c.vectors != nil {
			text := descriptorText(d.Name, d.Description, schemaKeys(d.InputSchema))
			vec, err := c.embedder.Embed(ctx, text)
			if err != nil {
				c.obs.LogOperation(ctx, "registry: embed tool", err, "tool", string(id))
				continue
			}
			if err := c.vectors.Upsert(ctx, id, vec); err != nil {
				c.obs.LogOperation(ctx, "registry: upsert vector", err, "tool", string(id))
				continue
			}
		}

		c.mu.Lock()
		c.descriptors[id] = d
		c.mu.Unlock()
	}

	c.mu.Lock()
	for id := range c.descriptors {
		if _, ok := seen[id]; !ok {
			delete(c.descriptors, id)
			if c.vectors != nil {
				_ = c.vectors.Delete(ctx, id)
			}
		}
	}
	c.mu.Unlock()

	return nil
}

func schemaKeys(schema map[string]any) []string {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
