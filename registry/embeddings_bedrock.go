package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// DefaultBedrockEmbeddingModel is Amazon Titan's text embedding model, the
// Bedrock-hosted alternative to OpenAI's embeddings for deployments that
// keep everything inside AWS.
const DefaultBedrockEmbeddingModel = "amazon.titan-embed-text-v2:0"

// bedrockRuntimeClient mirrors the subset of *bedrockruntime.Client the
// embedder needs, so tests can substitute a mock without a live AWS account.
type bedrockRuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockEmbedder implements Embedder over Amazon Titan text embeddings via
// the Bedrock InvokeModel API.
type BedrockEmbedder struct {
	runtime    bedrockRuntimeClient
	model      string
	dimensions int
}

// BedrockEmbedderOptions configures a BedrockEmbedder.
type BedrockEmbedderOptions struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime bedrockRuntimeClient
	// Model is the Bedrock model id; defaults to DefaultBedrockEmbeddingModel.
	Model string
	// Dimensions is Titan's configurable output size (256, 512, or 1024);
	// defaults to 1024 when zero.
	Dimensions int
}

// NewBedrockEmbedder constructs a BedrockEmbedder from opts.
func NewBedrockEmbedder(opts BedrockEmbedderOptions) (*BedrockEmbedder, error) {
	if opts.Runtime == nil {
		return nil, fmt.Errorf("registry: bedrock embedder: Runtime is required")
	}
	model := opts.Model
	if model == "" {
		model = DefaultBedrockEmbeddingModel
	}
	dims := opts.Dimensions
	if dims == 0 {
		dims = 1024
	}
	return &BedrockEmbedder{runtime: opts.Runtime, model: model, dimensions: dims}, nil
}

type titanEmbeddingRequest struct {
	InputText string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type titanEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements Embedder.
func (e *BedrockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanEmbeddingRequest{InputText: text, Dimensions: e.dimensions})
	if err != nil {
		return nil, fmt.Errorf("registry: bedrock embed: encode request: %w", err)
	}

	out, err := e.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &e.model,
		Body:        body,
		ContentType: strPtr("application/json"),
		Accept:      strPtr("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: bedrock embed: invoke model: %w", err)
	}

	var resp titanEmbeddingResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("registry: bedrock embed: decode response: %w", err)
	}
	return resp.Embedding, nil
}

// EmbedBatch implements Embedder. Titan's InvokeModel API embeds one text
// per call, so batches are issued sequentially; callers needing throughput
// should prefer the OpenAI provider's native batch endpoint.
func (e *BedrockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("registry: bedrock embed batch: item %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements Embedder.
func (e *BedrockEmbedder) Dimensions() int { return e.dimensions }

// ModelID implements Embedder.
func (e *BedrockEmbedder) ModelID() string { return e.model }

func strPtr(s string) *string { return &s }
