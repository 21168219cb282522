// Package vectorops implements the embedding-backed operations over
// memories: generation, batch storage, and nearest-neighbor search by text
// or by a caller-supplied embedding.
package vectorops

import (
	"context"
	"fmt"
	"sort"

	"github.com/mira-run/mira/internal/ltmemory"
)

// Embedder produces a fixed-width embedding for a piece of text. Concrete
// implementations call out to an embedding provider; this package only
// depends on the interface so it stays provider-agnostic.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Reranker reorders a result set by relevance to a query. Implementations
// must fail soft: on error, callers fall back to the input order rather
// than surfacing the error to the caller's caller.
type Reranker interface {
	Rerank(ctx context.Context, query string, memories []ltmemory.Memory, topK int) ([]ltmemory.Memory, error)
}

// Store is the persistence boundary vectorops drives: it knows nothing
// about SQL, only about storing and querying memories for a user.
type Store interface {
	StoreMemories(ctx context.Context, userID string, memories []ltmemory.ExtractedMemory, embeddings [][]float32) ([]string, error)
	SearchByEmbedding(ctx context.Context, userID string, embedding []float32, limit int, similarityThreshold, minImportance float64) ([]ltmemory.Memory, error)
	GetMemory(ctx context.Context, userID, memoryID string) (ltmemory.Memory, bool, error)
	UpdateMemoryEmbedding(ctx context.Context, userID, memoryID string, embedding []float32, newText string) error
}

// Ops bundles an Embedder, Store, and optional Reranker into the full
// operation set needed for LT-Memory vector operations.
type Ops struct {
	Embedder Embedder
	Store    Store
	Reranker Reranker
}

// New constructs an Ops. Reranker may be nil; rerank calls then return
// their input unchanged.
func New(embedder Embedder, store Store, reranker Reranker) *Ops {
	return &Ops{Embedder: embedder, Store: store, Reranker: reranker}
}

// GenerateEmbedding embeds text, validating the provider returned the
// expected fixed dimension.
func (o *Ops) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	emb, err := o.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ltmemory: generate embedding: %w", err)
	}
	if len(emb) != ltmemory.EmbeddingDimension {
		return nil, fmt.Errorf("ltmemory: embedding dimension mismatch: got %d, want %d", len(emb), ltmemory.EmbeddingDimension)
	}
	return emb, nil
}

// GenerateEmbeddingsBatch embeds many texts in one provider round trip.
func (o *Ops) GenerateEmbeddingsBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embs, err := o.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ltmemory: generate embeddings batch: %w", err)
	}
	for i, emb := range embs {
		if len(emb) != ltmemory.EmbeddingDimension {
			return nil, fmt.Errorf("ltmemory: embedding dimension mismatch at index %d: got %d, want %d", i, len(emb), ltmemory.EmbeddingDimension)
		}
	}
	return embs, nil
}

// StoreMemoriesWithEmbeddings embeds and persists extracted memories under
// the ambient user id, returning their assigned ids in input order.
func (o *Ops) StoreMemoriesWithEmbeddings(ctx context.Context, userID string, memories []ltmemory.ExtractedMemory) ([]string, error) {
	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = m.Text
	}
	embeddings, err := o.GenerateEmbeddingsBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	ids, err := o.Store.StoreMemories(ctx, userID, memories, embeddings)
	if err != nil {
		return nil, fmt.Errorf("ltmemory: store memories: %w", err)
	}
	return ids, nil
}

// FindSimilarMemories embeds queryText and searches by the resulting
// embedding, populating SimilarityScore on each result.
func (o *Ops) FindSimilarMemories(ctx context.Context, userID, queryText string, limit int, similarityThreshold, minImportance float64) ([]ltmemory.Memory, error) {
	emb, err := o.GenerateEmbedding(ctx, queryText)
	if err != nil {
		return nil, err
	}
	return o.FindSimilarByEmbedding(ctx, userID, emb, queryText, limit, similarityThreshold, minImportance)
}

// FindSimilarByEmbedding searches by a caller-supplied embedding, validating
// its dimension up front. When queryText is non-empty and a Reranker is
// configured, results are reranked before being returned.
func (o *Ops) FindSimilarByEmbedding(ctx context.Context, userID string, embedding []float32, queryText string, limit int, similarityThreshold, minImportance float64) ([]ltmemory.Memory, error) {
	if len(embedding) != ltmemory.EmbeddingDimension {
		return nil, fmt.Errorf("ltmemory: embedding dimension mismatch: got %d, want %d", len(embedding), ltmemory.EmbeddingDimension)
	}
	results, err := o.Store.SearchByEmbedding(ctx, userID, embedding, limit, similarityThreshold, minImportance)
	if err != nil {
		return nil, fmt.Errorf("ltmemory: search by embedding: %w", err)
	}
	if queryText == "" || o.Reranker == nil {
		return results, nil
	}
	reranked, err := o.Reranker.Rerank(ctx, queryText, results, limit)
	if err != nil {
		return results, nil
	}
	return reranked, nil
}

// FindSimilarToMemory searches for memories similar to an existing one,
// excluding the reference memory from the result set. It returns an empty
// slice, not an error, when the reference memory id is unknown.
func (o *Ops) FindSimilarToMemory(ctx context.Context, userID, memoryID string, limit int, similarityThreshold, minImportance float64) ([]ltmemory.Memory, error) {
	ref, found, err := o.Store.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("ltmemory: get reference memory: %w", err)
	}
	if !found {
		return nil, nil
	}
	results, err := o.Store.SearchByEmbedding(ctx, userID, ref.Embedding, limit+1, similarityThreshold, minImportance)
	if err != nil {
		return nil, fmt.Errorf("ltmemory: search by embedding: %w", err)
	}
	out := make([]ltmemory.Memory, 0, len(results))
	for _, m := range results {
		if m.ID == memoryID {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateMemoryEmbedding regenerates a memory's embedding from new text.
func (o *Ops) UpdateMemoryEmbedding(ctx context.Context, userID, memoryID, newText string) error {
	emb, err := o.GenerateEmbedding(ctx, newText)
	if err != nil {
		return err
	}
	if err := o.Store.UpdateMemoryEmbedding(ctx, userID, memoryID, emb, newText); err != nil {
		return fmt.Errorf("ltmemory: update memory embedding: %w", err)
	}
	return nil
}

// RerankMemories wraps the configured Reranker, failing soft to the input
// order on any error or when no Reranker is configured.
func (o *Ops) RerankMemories(ctx context.Context, query string, memories []ltmemory.Memory, topK int) []ltmemory.Memory {
	if o.Reranker == nil {
		return truncate(memories, topK)
	}
	reranked, err := o.Reranker.Rerank(ctx, query, memories, topK)
	if err != nil {
		return truncate(memories, topK)
	}
	return reranked
}

func truncate(memories []ltmemory.Memory, topK int) []ltmemory.Memory {
	if topK <= 0 || topK >= len(memories) {
		return memories
	}
	return memories[:topK]
}

// SortBySimilarityDescending sorts in place by SimilarityScore, highest
// first. Used after boosting steps (entity priming) that invalidate a
// store's original order.
func SortBySimilarityDescending(memories []ltmemory.Memory) {
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].SimilarityScore > memories[j].SimilarityScore
	})
}
