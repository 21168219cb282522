package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mira-run/mira/internal/ltmemory"
)

// EmbeddingProvider generates fixed-width embeddings through an
// OpenAI-compatible embeddings endpoint, satisfying
// internal/continuum's Embedder and internal/ltmemory/vectorops's
// Embedder interfaces. Kept alongside OpenAICompatProvider since both
// speak to the same family of providers; Anthropic has no embeddings
// endpoint of its own.
type EmbeddingProvider struct {
	client *openai.Client
	model  string
}

// NewEmbeddingProvider constructs a provider against baseURL (empty for
// api.openai.com) using apiKey, requesting model for every call.
func NewEmbeddingProvider(apiKey, baseURL, model string) *EmbeddingProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &EmbeddingProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

// Embed returns a single text's embedding.
func (p *EmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds many texts in one request.
func (p *EmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("llm: create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("llm: embeddings response had %d vectors, want %d", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		if len(d.Embedding) != ltmemory.EmbeddingDimension {
			return nil, fmt.Errorf("llm: embedding dimension mismatch: got %d, want %d", len(d.Embedding), ltmemory.EmbeddingDimension)
		}
		out[i] = d.Embedding
	}
	return out, nil
}
