package registry

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/config"
	"github.com/mcpgate/gateway/graph"
	"github.com/mcpgate/gateway/telemetry"
)

// ScoredTool is a single hybrid search result: a descriptor plus its
// combined score and the three components that produced it.
type ScoredTool struct {
	Descriptor  api.Descriptor
	Score       float64
	Similarity  float64
	Relatedness float64
	Priority    float64
}

// SearchOptions narrows a hybrid search.
type SearchOptions struct {
	// ContextTools biases relatedness toward tools already used in the
	// current session/workflow (the graph's Adamic-Adar term).
	ContextTools []api.ToolID
	// MaxResults caps the number of results returned; zero means 20.
	MaxResults int
}

// HybridSearcher answers tool search queries by combining vector
// similarity, graph-based relatedness, and PageRank structural priors
// (spec §4.2: score = α·sim + β·rel + γ·prio). When no Embedder is
// configured it falls back to keyword relevance scoring over the catalog.
type HybridSearcher struct {
	obs      telemetry.Observability
	catalog  *Catalog
	embedder Embedder
	vectors  VectorStore
	g        *graph.Graph
	weights  config.SearchWeights
	cache    ResultCache
	cacheTTL time.Duration
}

// HybridSearcherOption configures a HybridSearcher.
type HybridSearcherOption func(*HybridSearcher)

// WithSearchObservability wires logging/metrics/tracing into the searcher.
func WithSearchObservability(obs telemetry.Observability) HybridSearcherOption {
	return func(s *HybridSearcher) { s.obs = obs }
}

// WithResultCache attaches a ResultCache, used to skip recomputation for
// repeated identical queries within ttl.
func WithResultCache(cache ResultCache, ttl time.Duration) HybridSearcherOption {
	return func(s *HybridSearcher) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// NewHybridSearcher constructs a HybridSearcher over catalog, using
// embedder/vectors for the semantic term and g for the relatedness and
// priority terms, weighted by weights.
func NewHybridSearcher(catalog *Catalog, embedder Embedder, vectors VectorStore, g *graph.Graph, weights config.SearchWeights, opts ...HybridSearcherOption) *HybridSearcher {
	s := &HybridSearcher{
		obs:      telemetry.New(nil, nil, nil),
		catalog:  catalog,
		embedder: embedder,
		vectors:  vectors,
		g:        g,
		weights:  weights,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search answers query, preferring semantic similarity when an embedder is
// configured and falling back to keyword relevance otherwise (the teacher's
// prefer-semantic-with-keyword-fallback pattern).
func (s *HybridSearcher) Search(ctx context.Context, query string, opts SearchOptions) ([]ScoredTool, error) {
	start := time.Now()
	maxResults := opts.MaxResults
	if maxResults == 0 {
		maxResults = 20
	}

	cacheKey := query
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, cacheKey); ok {
			return limitResults(cached, maxResults), nil
		}
	}

	var (
		results []ScoredTool
		err     error
	)
	if s.embedder != nil && s.vectors != nil {
		results, err = s.semanticSearch(ctx, query, opts)
	} else {
		results, err = s.keywordSearch(ctx, query, opts)
	}
	s.obs.RecordOperationMetrics("registry_search", time.Since(start), err)
	if err != nil {
		s.obs.LogOperation(ctx, "registry: search", err, "query", query)
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(ctx, cacheKey, results, s.cacheTTL)
	}
	return limitResults(results, maxResults), nil
}

func (s *HybridSearcher) semanticSearch(ctx context.Context, query string, opts SearchOptions) ([]ScoredTool, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.obs.LogOperation(ctx, "registry: embed query, falling back to keyword search", err, "query", query)
		return s.keywordSearch(ctx, query, opts)
	}

	matches, err := s.vectors.Query(ctx, queryVec, 0)
	if err != nil {
		return nil, err
	}

	candidates := make([]graph.NodeID, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, graph.NodeID(m.ID))
	}
	contextTools := make([]graph.NodeID, 0, len(opts.ContextTools))
	for _, id := range opts.ContextTools {
		contextTools = append(contextTools, graph.NodeID(id))
	}
	relatedness := graph.RelatedScore(s.g, candidates, contextTools)
	priors := s.g.CachedPageRank()

	out := make([]ScoredTool, 0, len(matches))
	for _, m := range matches {
		d, ok := s.catalog.Get(m.ID)
		if !ok {
			continue
		}
		rel := relatedness[graph.NodeID(m.ID)]
		prio := priors[graph.NodeID(m.ID)]
		out = append(out, ScoredTool{
			Descriptor:  d,
			Similarity:  m.Similarity,
			Relatedness: rel,
			Priority:    prio,
			Score:       s.weights.Alpha*m.Similarity + s.weights.Beta*rel + s.weights.Gamma*prio,
		})
	}
	sortScoredToolsDescending(out)
	return out, nil
}

// keywordSearch scores every catalog entry by term overlap with query
// across name, description, and schema keys, the fallback used when no
// Embedder is configured or embedding the query fails.
func (s *HybridSearcher) keywordSearch(_ context.Context, query string, _ SearchOptions) ([]ScoredTool, error) {
	descriptors := s.catalog.List()
	out := make([]ScoredTool, 0, len(descriptors))
	for _, d := range descriptors {
		rel := computeKeywordRelevance(query, d)
		if rel == 0 {
			continue
		}
		prio := s.g.CachedPageRank()[graph.NodeID(d.ID())]
		out = append(out, ScoredTool{
			Descriptor: d,
			Similarity: rel,
			Priority:   prio,
			Score:      s.weights.Alpha*rel + s.weights.Gamma*prio,
		})
	}
	sortScoredToolsDescending(out)
	return out, nil
}

// computeKeywordRelevance scores d against query's terms: name matches
// weigh 3x, description matches 2x, schema key matches 1x, normalized to
// [0, 1].
func computeKeywordRelevance(query string, d api.Descriptor) float64 {
	if query == "" {
		return 0
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}

	name := strings.ToLower(d.Name)
	desc := strings.ToLower(d.Description)
	keys := schemaKeys(d.InputSchema)

	var score, max float64
	for _, term := range terms {
		max += 3
		if strings.Contains(name, term) {
			score += 3
		}
		max += 2
		if strings.Contains(desc, term) {
			score += 2
		}
		max++
		for _, k := range keys {
			if strings.Contains(strings.ToLower(k), term) {
				score++
				break
			}
		}
	}
	if max == 0 {
		return 0
	}
	return score / max
}

func sortScoredToolsDescending(results []ScoredTool) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Descriptor.ID() < results[j].Descriptor.ID()
	})
}

func limitResults(results []ScoredTool, max int) []ScoredTool {
	if max > 0 && len(results) > max {
		return results[:max]
	}
	return results
}
