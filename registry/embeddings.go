// Package registry maintains the gateway's merged tool catalog and answers
// hybrid search queries over it, combining vector similarity with the
// graph-based relatedness and structural priors from the graph package
// (spec §4.2).
package registry

import "context"

// Embedder turns text into a fixed-dimension vector. Implementations wrap a
// specific embedding provider; ModelID and Dimensions let callers detect a
// model change that invalidates a previously built vector index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelID() string
}

// descriptorText renders a tool descriptor into the text an Embedder
// consumes: name, description, and schema keys, since query embeddings are
// matched against this same representation.
func descriptorText(name, description string, schemaKeys []string) string {
	text := name + ": " + description
	for _, k := range schemaKeys {
		text += " " + k
	}
	return text
}
