package search

import (
	"context"
	"strings"
	"unicode"

	"github.com/mira-run/mira/internal/ltmemory"
)

// EntityStore is the database surface DBEntityMatcher resolves mentions
// against; *postgres.EntityRepo satisfies it.
type EntityStore interface {
	ExactMatch(ctx context.Context, userID string, names []string) ([]ltmemory.Entity, error)
	TopByLinkCount(ctx context.Context, userID string, n int) ([]ltmemory.Entity, error)
}

// MentionExtractor pulls candidate named-entity mentions out of query
// text. A dedicated NER provider is an external collaborator; deployments
// that have one plug it in here, and HeuristicMentions is the in-core
// fallback.
type MentionExtractor interface {
	ExtractMentions(ctx context.Context, queryText string) ([]EntityMention, error)
}

// DBEntityMatcher is the concrete EntityMatcher: mention extraction
// delegated to a MentionExtractor, resolution delegated to the entities
// table.
type DBEntityMatcher struct {
	Store    EntityStore
	Mentions MentionExtractor
}

// NewDBEntityMatcher builds a matcher over store. A nil extractor falls
// back to HeuristicMentions.
func NewDBEntityMatcher(store EntityStore, extractor MentionExtractor) *DBEntityMatcher {
	if extractor == nil {
		extractor = HeuristicMentions{}
	}
	return &DBEntityMatcher{Store: store, Mentions: extractor}
}

func (m *DBEntityMatcher) ExactMatch(ctx context.Context, userID string, names []string) ([]ltmemory.Entity, error) {
	return m.Store.ExactMatch(ctx, userID, names)
}

func (m *DBEntityMatcher) TopByLinkCount(ctx context.Context, userID string, n int) ([]ltmemory.Entity, error) {
	return m.Store.TopByLinkCount(ctx, userID, n)
}

func (m *DBEntityMatcher) ExtractMentions(ctx context.Context, queryText string) ([]EntityMention, error) {
	return m.Mentions.ExtractMentions(ctx, queryText)
}

// mentionStopwords are capitalized words that start questions and clauses
// far more often than they name entities.
var mentionStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "at": true, "but": true, "can": true,
	"did": true, "do": true, "does": true, "for": true, "how": true, "i": true,
	"if": true, "in": true, "is": true, "it": true, "my": true, "of": true,
	"on": true, "or": true, "say": true, "she": true, "he": true, "tell": true,
	"the": true, "they": true, "to": true, "was": true, "we": true, "went": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"why": true, "will": true, "with": true, "you": true,
}

// HeuristicMentions extracts capitalized-word runs as candidate mentions.
// It is deliberately generous: false positives cost one indexed exact-match
// miss, while a missed mention silently forfeits the priming boost.
type HeuristicMentions struct{}

func (HeuristicMentions) ExtractMentions(_ context.Context, queryText string) ([]EntityMention, error) {
	var mentions []EntityMention
	seen := map[string]bool{}
	var run []string

	flush := func() {
		if len(run) == 0 {
			return
		}
		name := strings.Join(run, " ")
		run = nil
		if key := strings.ToLower(name); !seen[key] {
			seen[key] = true
			mentions = append(mentions, EntityMention{Name: name})
		}
	}

	for _, token := range strings.FieldsFunc(queryText, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}) {
		first, _ := firstRune(token)
		if unicode.IsUpper(first) && !mentionStopwords[strings.ToLower(token)] {
			run = append(run, token)
			continue
		}
		flush()
	}
	flush()
	return mentions, nil
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}
