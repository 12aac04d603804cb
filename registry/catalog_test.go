package registry

import (
	"context"
	"testing"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDescriptorSource struct {
	descriptors []api.Descriptor
}

func (f *fakeDescriptorSource) ListTools() []api.Descriptor { return f.descriptors }

type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	return []float32{float32(len(text)), 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := f.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 2 }
func (f *fakeEmbedder) ModelID() string { return "fake" }

func TestCatalogRefreshIndexesNewDescriptors(t *testing.T) {
	source := &fakeDescriptorSource{descriptors: []api.Descriptor{
		{ServerID: "srv", Name: "echo", Description: "echoes input", ContentHash: "h1"},
	}}
	embedder := &fakeEmbedder{}
	vectors := NewMemoryVectorStore()
	g := graph.New()

	cat := NewCatalog(source, embedder, vectors, g)
	require.NoError(t, cat.Refresh(context.Background()))

	d, ok := cat.Get(api.ToolID("srv:echo"))
	require.True(t, ok)
	assert.Equal(t, "echoes input", d.Description)
	assert.Equal(t, 1, embedder.calls)

	results, err := vectors.Query(context.Background(), []float32{1, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestCatalogRefreshSkipsUnchangedContentHash(t *testing.T) {
	source := &fakeDescriptorSource{descriptors: []api.Descriptor{
		{ServerID: "srv", Name: "echo", ContentHash: "h1"},
	}}
	embedder := &fakeEmbedder{}
	cat := NewCatalog(source, embedder, NewMemoryVectorStore(), graph.New())

	require.NoError(t, cat.Refresh(context.Background()))
	require.NoError(t, cat.Refresh(context.Background()))
	assert.Equal(t, 1, embedder.calls, "unchanged descriptor must not be re-embedded")
}

func TestCatalogRefreshReEmbedsOnContentHashChange(t *testing.T) {
	source := &fakeDescriptorSource{descriptors: []api.Descriptor{
		{ServerID: "srv", Name: "echo", ContentHash: "h1"},
	}}
	embedder := &fakeEmbedder{}
	cat := NewCatalog(source, embedder, NewMemoryVectorStore(), graph.New())
	require.NoError(t, cat.Refresh(context.Background()))

	source.descriptors[0].ContentHash = "h2"
	require.NoError(t, cat.Refresh(context.Background()))
	assert.Equal(t, 2, embedder.calls)
}

func TestCatalogRefreshDropsDescriptorsNoLongerPresent(t *testing.T) {
	source := &fakeDescriptorSource{descriptors: []api.Descriptor{
		{ServerID: "srv", Name: "echo", ContentHash: "h1"},
	}}
	cat := NewCatalog(source, nil, nil, graph.New())
	require.NoError(t, cat.Refresh(context.Background()))
	_, ok := cat.Get(api.ToolID("srv:echo"))
	require.True(t, ok)

	source.descriptors = nil
	require.NoError(t, cat.Refresh(context.Background()))
	_, ok = cat.Get(api.ToolID("srv:echo"))
	assert.False(t, ok)
}
