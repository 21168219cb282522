// Package memorysearch exposes LT-Memory's hybrid BM25+vector retrieval as
// a tool-invocation peripheral (spec.md §1/§4.7: peripheral tools whose
// schema is external and whose only specified surface is the
// tool-invocation protocol). Grounded on internal/ltmemory/search's
// Searcher and internal/ltmemory/vectorops's embedding generation. Entity
// priming runs when the Searcher carries an entity matcher; a Searcher with
// Entity == nil searches without it.
package memorysearch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mira-run/mira/internal/auth"
	"github.com/mira-run/mira/internal/ltmemory/search"
	"github.com/mira-run/mira/internal/ltmemory/vectorops"
	"github.com/mira-run/mira/internal/tools"
)

// Tool is the search_memories tool: hybrid search over the user's
// long-term memory store.
type Tool struct {
	Embedder *vectorops.Ops
	Searcher *search.Searcher
}

// New constructs the search_memories tool over embedder (for query-text
// embedding) and searcher (the hybrid BM25+vector retrieval engine).
func New(embedder *vectorops.Ops, searcher *search.Searcher) *Tool {
	return &Tool{Embedder: embedder, Searcher: searcher}
}

func (t *Tool) Name() string { return "search_memories" }

func (t *Tool) Description() string {
	return "Search the user's long-term memory for facts, preferences, and past events relevant to a query."
}

func (t *Tool) Schema() json.RawMessage {
	return tools.GenerateSchema[searchArgs]()
}

func (t *Tool) IsAvailable(_ context.Context, _ string) (bool, error) { return true, nil }

type searchArgs struct {
	Query  string `json:"query" jsonschema:"required,description=What to search memory for."`
	Intent string `json:"intent,omitempty" jsonschema:"enum=general,enum=recall,enum=explore,enum=exact,description=Retrieval intent; defaults to general."`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum results to return."`
}

func (t *Tool) Run(ctx context.Context, args json.RawMessage) (string, error) {
	userID, err := auth.RequireUser(ctx)
	if err != nil {
		return "", err
	}
	var a searchArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("memorysearch: invalid arguments: %w", err)
		}
	}
	if a.Query == "" {
		return "", fmt.Errorf("memorysearch: query is required")
	}
	intent := search.Intent(a.Intent)
	if intent == "" {
		intent = search.IntentGeneral
	}
	limit := a.Limit
	if limit <= 0 {
		limit = 10
	}

	embedding, err := t.Embedder.GenerateEmbedding(ctx, a.Query)
	if err != nil {
		return "", fmt.Errorf("memorysearch: embed query: %w", err)
	}

	results, err := t.Searcher.Search(ctx, search.Params{
		UserID:         userID,
		QueryText:      a.Query,
		QueryEmbedding: embedding,
		Intent:         intent,
		Limit:          limit,
	})
	if err != nil {
		return "", fmt.Errorf("memorysearch: search: %w", err)
	}

	type resultItem struct {
		ID         string  `json:"id"`
		Text       string  `json:"text"`
		Importance float64 `json:"importance"`
	}
	items := make([]resultItem, 0, len(results))
	for _, m := range results {
		items = append(items, resultItem{ID: m.ID, Text: m.Text, Importance: m.ImportanceScore})
	}
	out, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("memorysearch: marshal results: %w", err)
	}
	return string(out), nil
}
