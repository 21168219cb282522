// Package linking discovers, classifies, and traverses typed relationships
// between memories.
package linking

import (
	"context"
	"fmt"
	"time"

	"github.com/mira-run/mira/internal/ltmemory"
)

// minImportanceForLinking excludes cold-storage memories (importance 0)
// from candidate generation without requiring the caller's normal
// min_importance floor, matching the looser threshold used for linking and
// refinement internal sweeps versus user-facing search.
const minImportanceForLinking = 0.001

// CandidateFinder surfaces memories similar enough to be worth classifying
// against a reference memory.
type CandidateFinder interface {
	FindSimilar(ctx context.Context, userID, memoryID string, similarityThreshold float64) ([]ltmemory.Memory, error)
}

// Classifier decides the relationship type between two memories, or
// reports no relationship via LinkNull.
type Classifier interface {
	ClassifyRelationship(ctx context.Context, src, tgt ltmemory.Memory) (ClassificationResult, error)
}

// ClassificationResult is the raw classifier output before confidence
// gating.
type ClassificationResult struct {
	RelationshipType ltmemory.LinkType
	Confidence       float64
	Reasoning        string
}

// Store persists link pairs and reads/heals a memory's stored links.
type Store interface {
	CreateBidirectionalLink(ctx context.Context, userID, srcID, tgtID string, link ltmemory.MemoryLink) error
	GetMemory(ctx context.Context, userID, memoryID string) (ltmemory.Memory, bool, error)
	RemoveDeadLinks(ctx context.Context, userID, memoryID string, deadTargetIDs []string) error
}

// Config holds the thresholds that gate candidate generation and
// classification acceptance.
type Config struct {
	SimilarityThresholdForLinking float64
	LinkConfidenceThreshold       float64
	MaxLinkTraversalDepth         int
}

// Service implements the linking operations.
type Service struct {
	Finder     CandidateFinder
	Classifier Classifier
	Store      Store
	Config     Config
}

// New constructs a linking Service.
func New(finder CandidateFinder, classifier Classifier, store Store, cfg Config) *Service {
	if cfg.MaxLinkTraversalDepth <= 0 {
		cfg.MaxLinkTraversalDepth = 3
	}
	return &Service{Finder: finder, Classifier: classifier, Store: store, Config: cfg}
}

// FindSimilarCandidates returns memories above the configured linking
// similarity threshold and above the 0.001 cold-storage floor.
func (s *Service) FindSimilarCandidates(ctx context.Context, userID, memoryID string) ([]ltmemory.Memory, error) {
	candidates, err := s.Finder.FindSimilar(ctx, userID, memoryID, s.Config.SimilarityThresholdForLinking)
	if err != nil {
		return nil, fmt.Errorf("linking: find similar candidates: %w", err)
	}
	out := candidates[:0]
	for _, c := range candidates {
		if c.ImportanceScore >= minImportanceForLinking {
			out = append(out, c)
		}
	}
	return out, nil
}

// ClassifyRelationshipSync classifies the relationship between two
// memories, returning (nil, nil) when the classifier emits LinkNull or its
// confidence falls below the configured threshold — a deliberate "no link"
// rather than an error.
func (s *Service) ClassifyRelationshipSync(ctx context.Context, src, tgt ltmemory.Memory) (*ltmemory.MemoryLink, error) {
	result, err := s.Classifier.ClassifyRelationship(ctx, src, tgt)
	if err != nil {
		return nil, fmt.Errorf("linking: classify relationship: %w", err)
	}
	if !ltmemory.ValidLinkTypes[result.RelationshipType] {
		return nil, fmt.Errorf("linking: classifier emitted unknown relationship type %q", result.RelationshipType)
	}
	if result.RelationshipType == ltmemory.LinkNull || result.Confidence < s.Config.LinkConfidenceThreshold {
		return nil, nil
	}
	return &ltmemory.MemoryLink{
		TargetID:   tgt.ID,
		Type:       result.RelationshipType,
		Confidence: result.Confidence,
		Reasoning:  result.Reasoning,
		CreatedAt:  time.Now(),
	}, nil
}

// CreateBidirectionalLink persists the link on both endpoints in one
// transaction-scoped call; the Store implementation is responsible for
// atomicity (invariant 4: every link is recorded on both endpoints or on
// neither).
func (s *Service) CreateBidirectionalLink(ctx context.Context, userID, srcID, tgtID string, link ltmemory.MemoryLink) error {
	if err := s.Store.CreateBidirectionalLink(ctx, userID, srcID, tgtID, link); err != nil {
		return fmt.Errorf("linking: create bidirectional link: %w", err)
	}
	return nil
}

// TraverseRelated performs a breadth-first traversal of the link graph up
// to the configured max depth, deduplicating by memory id. Dangling
// references discovered during a BFS level are healed (removed) with one
// batched call per level rather than per edge.
func (s *Service) TraverseRelated(ctx context.Context, userID, memoryID string, depth int) ([]ltmemory.Memory, error) {
	if depth <= 0 || depth > s.Config.MaxLinkTraversalDepth {
		depth = s.Config.MaxLinkTraversalDepth
	}

	visited := map[string]bool{memoryID: true}
	frontier := []string{memoryID}
	var out []ltmemory.Memory

	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		var dead []string

		for _, id := range frontier {
			mem, found, err := s.Store.GetMemory(ctx, userID, id)
			if err != nil {
				return nil, fmt.Errorf("linking: load memory %s: %w", id, err)
			}
			if !found {
				dead = append(dead, id)
				continue
			}
			for _, link := range append(append([]ltmemory.MemoryLink{}, mem.OutboundLinks...), mem.InboundLinks...) {
				if visited[link.TargetID] {
					continue
				}
				visited[link.TargetID] = true
				next = append(next, link.TargetID)
			}
			if id != memoryID {
				out = append(out, mem)
			}
		}

		if len(dead) > 0 {
			if err := s.Store.RemoveDeadLinks(ctx, userID, memoryID, dead); err != nil {
				return nil, fmt.Errorf("linking: heal dead links: %w", err)
			}
		}
		frontier = next
	}

	return out, nil
}

// LinkStatistics summarizes the link graph shape for a user, used for
// diagnostics and refinement prioritization.
type LinkStatistics struct {
	TotalLinks      int
	ByType          map[ltmemory.LinkType]int
	AverageConfidence float64
}

// GetLinkStatistics aggregates link counts by type across the memories
// supplied by the caller (typically all of a user's non-archived memories).
func GetLinkStatistics(memories []ltmemory.Memory) LinkStatistics {
	stats := LinkStatistics{ByType: map[ltmemory.LinkType]int{}}
	var confidenceSum float64
	for _, m := range memories {
		for _, link := range m.OutboundLinks {
			stats.TotalLinks++
			stats.ByType[link.Type]++
			confidenceSum += link.Confidence
		}
	}
	if stats.TotalLinks > 0 {
		stats.AverageConfidence = confidenceSum / float64(stats.TotalLinks)
	}
	return stats
}
