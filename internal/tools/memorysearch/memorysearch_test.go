package memorysearch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mira-run/mira/internal/auth"
	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/ltmemory/search"
	"github.com/mira-run/mira/internal/ltmemory/vectorops"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, ltmemory.EmbeddingDimension), nil
}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, ltmemory.EmbeddingDimension)
	}
	return out, nil
}

type fakeLeg struct {
	results []ltmemory.Memory
}

func (f fakeLeg) SearchBM25(_ context.Context, _, _ string, _ int, _ float64) ([]ltmemory.Memory, error) {
	return f.results, nil
}

func (f fakeLeg) SearchVector(_ context.Context, _ string, _ []float32, _ int, _ float64) ([]ltmemory.Memory, error) {
	return f.results, nil
}

func TestRunReturnsFusedResults(t *testing.T) {
	leg := fakeLeg{results: []ltmemory.Memory{
		{ID: "m1", Text: "likes espresso", ImportanceScore: 0.8},
	}}
	embedder := vectorops.New(fakeEmbedder{}, nil, nil)
	searcher := search.New(leg, leg, nil)
	tool := New(embedder, searcher)

	ctx := auth.WithIdentity(context.Background(), auth.Identity{UserID: "user-1"})
	args, _ := json.Marshal(map[string]string{"query": "coffee"})
	out, err := tool.Run(ctx, args)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var items []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 1 || items[0].ID != "m1" {
		t.Fatalf("unexpected results: %+v", items)
	}
}

func TestRunRequiresQuery(t *testing.T) {
	embedder := vectorops.New(fakeEmbedder{}, nil, nil)
	searcher := search.New(fakeLeg{}, fakeLeg{}, nil)
	tool := New(embedder, searcher)

	ctx := auth.WithIdentity(context.Background(), auth.Identity{UserID: "user-1"})
	args, _ := json.Marshal(map[string]string{})
	if _, err := tool.Run(ctx, args); err == nil {
		t.Fatal("expected error for missing query")
	}
}
