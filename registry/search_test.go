package registry

import (
	"context"
	"testing"
	"time"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/config"
	"github.com/mcpgate/gateway/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCatalog(t *testing.T, g *graph.Graph) (*Catalog, VectorStore) {
	t.Helper()
	source := &fakeDescriptorSource{descriptors: []api.Descriptor{
		{ServerID: "fs", Name: "read_file", Description: "reads a file from disk", ContentHash: "h1"},
		{ServerID: "fs", Name: "write_file", Description: "writes a file to disk", ContentHash: "h2"},
		{ServerID: "net", Name: "http_get", Description: "performs an HTTP GET request", ContentHash: "h3"},
	}}
	vectors := NewMemoryVectorStore()
	embedder := &dimensionEmbedder{}
	cat := NewCatalog(source, embedder, vectors, g)
	require.NoError(t, cat.Refresh(context.Background()))
	return cat, vectors
}

// dimensionEmbedder maps text deterministically onto a 2D vector so tests
// can assert which candidate is "closer" to a query without a real model.
type dimensionEmbedder struct{}

func (dimensionEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	var fileScore, httpScore float32
	for _, want := range []struct {
		substr string
		dst    *float32
	}{{"file", &fileScore}, {"disk", &fileScore}, {"http", &httpScore}, {"request", &httpScore}} {
		if containsFold(text, want.substr) {
			*want.dst++
		}
	}
	return []float32{fileScore + 0.1, httpScore + 0.1}, nil
}

func (e dimensionEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (dimensionEmbedder) Dimensions() int { return 2 }
func (dimensionEmbedder) ModelID() string { return "dimension-fake" }

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	sl, sub := []rune(toLower(s)), []rune(toLower(substr))
	for i := 0; i+len(sub) <= len(sl); i++ {
		match := true
		for j := range sub {
			if sl[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + ('a' - 'A')
		}
	}
	return string(out)
}

func TestHybridSearchRanksSemanticMatchFirst(t *testing.T) {
	g := graph.New()
	cat, vectors := seedCatalog(t, g)
	searcher := NewHybridSearcher(cat, dimensionEmbedder{}, vectors, g, config.SearchWeights{Alpha: 1})

	results, err := searcher.Search(context.Background(), "read a file on disk", SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, api.ToolID("fs:read_file"), results[0].Descriptor.ID())
}

func TestHybridSearchFallsBackToKeywordWithoutEmbedder(t *testing.T) {
	g := graph.New()
	cat, _ := seedCatalog(t, g)
	searcher := NewHybridSearcher(cat, nil, nil, g, config.SearchWeights{Alpha: 1})

	results, err := searcher.Search(context.Background(), "http request", SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, api.ToolID("net:http_get"), results[0].Descriptor.ID())
}

func TestHybridSearchRespectsMaxResults(t *testing.T) {
	g := graph.New()
	cat, _ := seedCatalog(t, g)
	searcher := NewHybridSearcher(cat, nil, nil, g, config.SearchWeights{Alpha: 1})

	results, err := searcher.Search(context.Background(), "file", SearchOptions{MaxResults: 1})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestHybridSearchCachesRepeatedQueries(t *testing.T) {
	g := graph.New()
	cat, _ := seedCatalog(t, g)
	cache := NewMemoryResultCache()
	searcher := NewHybridSearcher(cat, nil, nil, g, config.SearchWeights{Alpha: 1}, WithResultCache(cache, time.Minute))

	_, err := searcher.Search(context.Background(), "file", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	results, err := searcher.Search(context.Background(), "file", SearchOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestComputeKeywordRelevanceFavorsNameMatches(t *testing.T) {
	named := api.Descriptor{Name: "http_get", Description: "fetches a resource"}
	described := api.Descriptor{Name: "fetch_resource", Description: "issues an http_get request"}

	nameScore := computeKeywordRelevance("http_get", named)
	descScore := computeKeywordRelevance("http_get", described)
	assert.Greater(t, nameScore, descScore)
}
