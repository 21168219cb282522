package search

import (
	"context"
	"testing"

	"github.com/mira-run/mira/internal/ltmemory"
)

type fakeBM25 struct{ results []ltmemory.Memory }

func (f fakeBM25) SearchBM25(ctx context.Context, userID, queryText string, limit int, minImportance float64) ([]ltmemory.Memory, error) {
	return f.results, nil
}

type fakeVector struct{ results []ltmemory.Memory }

func (f fakeVector) SearchVector(ctx context.Context, userID string, queryEmbedding []float32, limit int, minImportance float64) ([]ltmemory.Memory, error) {
	return f.results, nil
}

func TestSearcher_FuseRanksConsistentlyPresentResultsHigher(t *testing.T) {
	a := ltmemory.Memory{ID: "a"}
	b := ltmemory.Memory{ID: "b"}
	c := ltmemory.Memory{ID: "c"}

	s := New(
		fakeBM25{results: []ltmemory.Memory{a, b}},
		fakeVector{results: []ltmemory.Memory{a, c}},
		nil,
	)

	results, err := s.Search(context.Background(), Params{
		UserID: "u1", QueryText: "test", Intent: IntentGeneral, Limit: 10,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Search() returned %d results, want 3", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("Search()[0].ID = %q, want %q (present in both legs should rank first)", results[0].ID, "a")
	}
}

func TestSearcher_SigmoidNormalizesIntoExpectedBand(t *testing.T) {
	memories := []ltmemory.Memory{{ID: "a", SimilarityScore: 0.009}}
	applySigmoid(memories)
	if memories[0].SimilarityScore < 0.4 || memories[0].SimilarityScore > 0.6 {
		t.Errorf("applySigmoid() at midpoint = %f, want ~0.5", memories[0].SimilarityScore)
	}
}

func TestSearcher_ThresholdFiltersLowScores(t *testing.T) {
	memories := []ltmemory.Memory{
		{ID: "low", SimilarityScore: 0.1},
		{ID: "high", SimilarityScore: 0.9},
	}
	filtered := filterByThreshold(memories, 0.5)
	if len(filtered) != 1 || filtered[0].ID != "high" {
		t.Errorf("filterByThreshold() = %+v, want only 'high'", filtered)
	}
}

func TestFuzzyRatio_ExactAndNear(t *testing.T) {
	if got := fuzzyRatio("alice", "alice"); got != 100 {
		t.Errorf("fuzzyRatio(exact) = %d, want 100", got)
	}
	if got := fuzzyRatio("alice", "alicia"); got < fuzzyMatchThreshold-20 {
		t.Errorf("fuzzyRatio(near-match) = %d, want a high score", got)
	}
	if got := fuzzyRatio("alice", "bob"); got > 50 {
		t.Errorf("fuzzyRatio(unrelated) = %d, want a low score", got)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
