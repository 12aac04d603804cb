package registry

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mcpgate/gateway/api"
)

// MongoVectorStore is a VectorStore backed by a MongoDB Atlas collection
// with a $vectorSearch index, for deployments already running their catalog
// state on Mongo rather than Postgres.
type MongoVectorStore struct {
	coll       *mongo.Collection
	indexName  string
	path       string
	candidates int
}

type mongoEmbeddingDoc struct {
	ToolID    string    `bson:"_id"`
	Embedding []float32 `bson:"embedding"`
}

// MongoVectorStoreOptions configures a MongoVectorStore.
type MongoVectorStoreOptions struct {
	// Collection holds one document per tool id, each with an "embedding"
	// field indexed by a $vectorSearch index named IndexName. Required.
	Collection *mongo.Collection
	// IndexName is the Atlas vector search index name; defaults to
	// "tool_embeddings_vector_index".
	IndexName string
	// NumCandidates bounds the approximate-nearest-neighbour candidate set
	// $vectorSearch examines before ranking; defaults to 10x topK at query
	// time when zero.
	NumCandidates int
}

// NewMongoVectorStore constructs a MongoVectorStore from opts.
func NewMongoVectorStore(opts MongoVectorStoreOptions) (*MongoVectorStore, error) {
	if opts.Collection == nil {
		return nil, fmt.Errorf("registry: mongo vector store: Collection is required")
	}
	indexName := opts.IndexName
	if indexName == "" {
		indexName = "tool_embeddings_vector_index"
	}
	return &MongoVectorStore{
		coll:       opts.Collection,
		indexName:  indexName,
		path:       "embedding",
		candidates: opts.NumCandidates,
	}, nil
}

// Upsert implements VectorStore.
func (s *MongoVectorStore) Upsert(ctx context.Context, id api.ToolID, vector []float32) error {
	filter := bson.M{"_id": string(id)}
	update := bson.M{"$set": mongoEmbeddingDoc{ToolID: string(id), Embedding: vector}}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("registry: mongo vector store: upsert %s: %w", id, err)
	}
	return nil
}

// Delete implements VectorStore.
func (s *MongoVectorStore) Delete(ctx context.Context, id api.ToolID) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return fmt.Errorf("registry: mongo vector store: delete %s: %w", id, err)
	}
	return nil
}

// Query implements VectorStore via an Atlas $vectorSearch aggregation stage.
func (s *MongoVectorStore) Query(ctx context.Context, vector []float32, topK int) ([]ScoredID, error) {
	candidates := s.candidates
	if candidates == 0 {
		candidates = topK * 10
	}

	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.M{
			"index":         s.indexName,
			"path":          s.path,
			"queryVector":   vector,
			"numCandidates": candidates,
			"limit":         topK,
		}}},
		{{Key: "$project", Value: bson.M{
			"_id":   1,
			"score": bson.M{"$meta": "vectorSearchScore"},
		}}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("registry: mongo vector store: aggregate: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		ToolID string  `bson:"_id"`
		Score  float64 `bson:"score"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("registry: mongo vector store: decode results: %w", err)
	}

	out := make([]ScoredID, len(docs))
	for i, d := range docs {
		out[i] = ScoredID{ID: api.ToolID(d.ToolID), Similarity: d.Score}
	}
	return out, nil
}
