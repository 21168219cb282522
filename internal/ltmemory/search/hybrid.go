// Package search implements hybrid BM25+vector retrieval over memories with
// reciprocal rank fusion, sigmoid score normalization, and entity-priming
// boosts.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/mira-run/mira/internal/ltmemory"
)

// Intent controls the BM25/vector leg weighting used during fusion.
type Intent string

const (
	IntentGeneral Intent = "general"
	IntentRecall  Intent = "recall"
	IntentExplore Intent = "explore"
	IntentExact   Intent = "exact"
)

// legWeights maps intent to the (bm25, vector) weight pair used in fusion.
var legWeights = map[Intent][2]float64{
	IntentRecall:  {0.6, 0.4},
	IntentExplore: {0.3, 0.7},
	IntentExact:   {0.8, 0.2},
	IntentGeneral: {0.4, 0.6},
}

// rrfK is the reciprocal rank fusion constant; k=60 is the conventional
// choice that keeps the contribution of low ranks from dominating.
const rrfK = 60

// oversampleFactor is how many extra candidates each leg fetches beyond the
// caller's requested limit, so fusion has enough material to rerank from.
const oversampleFactor = 2

// sigmoidMidpoint and sigmoidSteepness reshape raw RRF scores (which
// cluster tightly around 0.007-0.016) into a spread, human-meaningful
// band: 0.007 maps to about 0.12 and 0.016 to about 0.999.
const (
	sigmoidMidpoint   = 0.009
	sigmoidSteepness  = 1000.0
)

// Entity-priming constants. These are documented defaults rather than
// measured constants, chosen to weight higher-specificity entity types
// (people, named organizations) above generic ones.
var entityTypeWeights = map[ltmemory.EntityType]float64{
	ltmemory.EntityPerson:  1.0,
	ltmemory.EntityOrg:     0.8,
	ltmemory.EntityProduct: 0.6,
	ltmemory.EntityGPE:     0.5,
}

const defaultEntityTypeWeight = 0.4
const entityBoostCoefficient = 0.15
const maxEntityBoost = 0.5

// fuzzyMatchThreshold is the minimum 0-100 similarity ratio (see
// fuzzyRatio) an entity-name candidate must clear to be treated as a
// fuzzy match. sahilm/fuzzy.Find narrows the candidate pool to names that
// contain mention.Name as a subsequence; fuzzyRatio then re-scores each
// survivor on the documented 0-100 scale so the threshold means the same
// thing regardless of candidate name length.
const fuzzyMatchThreshold = 80
const fuzzyMatchTypeBonus = 10
const fuzzyMatchCandidatePoolSize = 100

// BM25Leg runs Postgres full-text search over memories.search_vector and
// returns results ranked best-first (rank 1 = best).
type BM25Leg interface {
	SearchBM25(ctx context.Context, userID, queryText string, limit int, minImportance float64) ([]ltmemory.Memory, error)
}

// VectorLeg runs cosine-similarity search through the vector store.
type VectorLeg interface {
	SearchVector(ctx context.Context, userID string, queryEmbedding []float32, limit int, minImportance float64) ([]ltmemory.Memory, error)
}

// EntityMention is a named entity surfaced from query text by an NER pass,
// before it has been resolved against the user's known entities.
type EntityMention struct {
	Name string
	Type ltmemory.EntityType
}

// EntityMatcher resolves a query's named entities against a user's known
// entities, by exact name match and by fuzzy match over the top entities by
// link count.
type EntityMatcher interface {
	// ExactMatch looks up entities by case-insensitive exact name.
	ExactMatch(ctx context.Context, userID string, names []string) ([]ltmemory.Entity, error)
	// TopByLinkCount returns up to n of the user's entities ordered by
	// link_count descending, the candidate pool for fuzzy matching.
	TopByLinkCount(ctx context.Context, userID string, n int) ([]ltmemory.Entity, error)
	// ExtractMentions pulls candidate named-entity mentions out of queryText.
	ExtractMentions(ctx context.Context, queryText string) ([]EntityMention, error)
}

// Searcher bundles the two retrieval legs and entity matcher into the
// hybrid search operation.
type Searcher struct {
	BM25   BM25Leg
	Vector VectorLeg
	Entity EntityMatcher
}

// New constructs a Searcher. Entity may be nil to disable priming.
func New(bm25 BM25Leg, vector VectorLeg, entity EntityMatcher) *Searcher {
	return &Searcher{BM25: bm25, Vector: vector, Entity: entity}
}

// Params bundles the inputs to a hybrid search call.
type Params struct {
	UserID              string
	QueryText           string
	QueryEmbedding      []float32
	Intent              Intent
	Limit               int
	SimilarityThreshold float64
	MinImportance       float64
}

// Search runs the BM25 and vector legs, fuses them with reciprocal rank
// fusion, normalizes scores with a sigmoid, and applies entity priming.
func (s *Searcher) Search(ctx context.Context, p Params) ([]ltmemory.Memory, error) {
	if p.Limit <= 0 {
		p.Limit = 10
	}
	weights, ok := legWeights[p.Intent]
	if !ok {
		weights = legWeights[IntentGeneral]
	}
	oversampled := p.Limit * oversampleFactor

	bm25Results, err := s.BM25.SearchBM25(ctx, p.UserID, p.QueryText, oversampled, p.MinImportance)
	if err != nil {
		return nil, fmt.Errorf("ltmemory: bm25 leg: %w", err)
	}
	vectorResults, err := s.Vector.SearchVector(ctx, p.UserID, p.QueryEmbedding, oversampled, p.MinImportance)
	if err != nil {
		return nil, fmt.Errorf("ltmemory: vector leg: %w", err)
	}

	fused := fuse(bm25Results, vectorResults, weights[0], weights[1])
	applySigmoid(fused)

	if p.SimilarityThreshold > 0 {
		fused = filterByThreshold(fused, p.SimilarityThreshold)
	}

	if s.Entity != nil && p.QueryText != "" {
		if err := s.applyEntityPriming(ctx, p.UserID, p.QueryText, fused); err != nil {
			return nil, fmt.Errorf("ltmemory: entity priming: %w", err)
		}
	}

	sortByScoreDescending(fused)
	if len(fused) > p.Limit {
		fused = fused[:p.Limit]
	}
	return fused, nil
}

// fuse combines two ranked result sets via weighted reciprocal rank fusion:
// for each memory ranked at position r (1-indexed) in a leg, it accumulates
// weight * 1/(k+r). The raw fused score is stored transiently for
// applySigmoid to normalize.
func fuse(bm25, vector []ltmemory.Memory, bm25Weight, vectorWeight float64) []ltmemory.Memory {
	scores := map[string]float64{}
	byID := map[string]ltmemory.Memory{}

	accumulate := func(results []ltmemory.Memory, weight float64) {
		for rank, m := range results {
			scores[m.ID] += weight * (1.0 / float64(rrfK+rank+1))
			if _, seen := byID[m.ID]; !seen {
				byID[m.ID] = m
			}
		}
	}
	accumulate(bm25, bm25Weight)
	accumulate(vector, vectorWeight)

	out := make([]ltmemory.Memory, 0, len(byID))
	for id, m := range byID {
		m.SimilarityScore = scores[id]
		out = append(out, m)
	}
	return out
}

// applySigmoid reshapes raw RRF scores (clustered around [0.007, 0.016])
// into the spread band (about [0.12, 0.999] for that input range) used as
// the final similarity_score.
func applySigmoid(memories []ltmemory.Memory) {
	for i := range memories {
		raw := memories[i].SimilarityScore
		memories[i].SimilarityScore = 1.0 / (1.0 + math.Exp(-sigmoidSteepness*(raw-sigmoidMidpoint)))
	}
}

func filterByThreshold(memories []ltmemory.Memory, threshold float64) []ltmemory.Memory {
	out := memories[:0]
	for _, m := range memories {
		if m.SimilarityScore >= threshold {
			out = append(out, m)
		}
	}
	return out
}

func sortByScoreDescending(memories []ltmemory.Memory) {
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].SimilarityScore > memories[j].SimilarityScore
	})
}

// applyEntityPriming extracts named entities from queryText, matches them
// against the user's known entities (exact, then fuzzy against the
// fuzzyMatchThreshold ratio), and boosts the similarity_score of every
// memory linking to a matched entity.
func (s *Searcher) applyEntityPriming(ctx context.Context, userID, queryText string, memories []ltmemory.Memory) error {
	mentions, err := s.Entity.ExtractMentions(ctx, queryText)
	if err != nil {
		return fmt.Errorf("extract entity mentions: %w", err)
	}
	if len(mentions) == 0 {
		return nil
	}

	names := make([]string, len(mentions))
	for i, m := range mentions {
		names[i] = m.Name
	}

	exact, err := s.Entity.ExactMatch(ctx, userID, names)
	if err != nil {
		return fmt.Errorf("exact match entities: %w", err)
	}
	matched := map[string]ltmemory.Entity{}
	for _, e := range exact {
		matched[e.ID] = e
	}

	remaining := mentionsWithoutExactHit(mentions, exact)
	if len(remaining) > 0 {
		pool, err := s.Entity.TopByLinkCount(ctx, userID, fuzzyMatchCandidatePoolSize)
		if err != nil {
			return fmt.Errorf("load fuzzy candidate pool: %w", err)
		}
		names := make([]string, len(pool))
		for i, e := range pool {
			names[i] = strings.ToLower(e.Name)
		}
		for _, mention := range remaining {
			needle := strings.ToLower(mention.Name)
			for _, m := range fuzzy.Find(needle, names) {
				candidate := pool[m.Index]
				ratio := fuzzyRatio(needle, names[m.Index])
				if mention.Type != "" && mention.Type == candidate.Type {
					ratio += fuzzyMatchTypeBonus
				}
				if ratio < fuzzyMatchThreshold {
					continue
				}
				matched[candidate.ID] = candidate
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}

	for i := range memories {
		boost := 0.0
		for _, link := range memories[i].EntityLinks {
			entity, ok := matched[link.EntityID]
			if !ok {
				continue
			}
			typeWeight := entityTypeWeights[entity.Type]
			if typeWeight == 0 {
				typeWeight = defaultEntityTypeWeight
			}
			boost += entityConfidenceFor(memories[i], link.EntityID) * typeWeight * entityBoostCoefficient
		}
		if boost > maxEntityBoost {
			boost = maxEntityBoost
		}
		if boost > 0 {
			memories[i].SimilarityScore *= 1 + boost
		}
	}
	return nil
}

// entityConfidenceFor looks up the confidence a memory associates with an
// entity link; the Memory/EntityLink model does not currently carry a
// per-link confidence (only per-MemoryLink confidence), so this defaults to
// 1.0, treating every entity link as a confident one.
func entityConfidenceFor(m ltmemory.Memory, entityID string) float64 {
	return 1.0
}

func mentionsWithoutExactHit(mentions []EntityMention, exact []ltmemory.Entity) []EntityMention {
	hit := map[string]bool{}
	for _, e := range exact {
		hit[strings.ToLower(e.Name)] = true
	}
	out := make([]EntityMention, 0, len(mentions))
	for _, m := range mentions {
		if !hit[strings.ToLower(m.Name)] {
			out = append(out, m)
		}
	}
	return out
}

// fuzzyRatio computes a 0-100 similarity ratio between two strings using
// Levenshtein edit distance, matching the scale fuzzy-matching libraries in
// the ecosystem (e.g. fuzz.ratio) report.
func fuzzyRatio(a, b string) int {
	if a == b {
		return 100
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 100
	}
	dist := levenshtein(a, b)
	ratio := (1.0 - float64(dist)/float64(maxLen)) * 100
	if ratio < 0 {
		ratio = 0
	}
	return int(ratio)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
