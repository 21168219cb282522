// Package refinement identifies oversized and near-duplicate memories and
// drives their LLM-assisted rewriting: trimming verbose memories and
// consolidating clusters of near-duplicates.
package refinement

import (
	"context"
	"fmt"
	"time"

	"github.com/mira-run/mira/internal/ltmemory"
)

// Config holds the thresholds that gate candidate selection.
type Config struct {
	VerboseThresholdChars          int
	MinAccessCountForRefinement    int
	MinAgeForRefinementDays        int
	RefinementCooldownDays         int
	MaxRejectionCount              int
	ConsolidationSimilarityThreshold float64
	ConsolidationConfidenceThreshold float64
	MinConsolidationClusterSize     int
}

// DefaultConfig returns conservative refinement thresholds; callers
// typically override these from the loaded configuration.
func DefaultConfig() Config {
	return Config{
		VerboseThresholdChars:            800,
		MinAccessCountForRefinement:      3,
		MinAgeForRefinementDays:          7,
		RefinementCooldownDays:           14,
		MaxRejectionCount:                2,
		ConsolidationSimilarityThreshold: 0.85,
		ConsolidationConfidenceThreshold: 0.7,
		MinConsolidationClusterSize:      2,
	}
}

// Outcome is the classifier's verdict on a verbose-memory refinement pass.
type Outcome string

const (
	OutcomeTrim      Outcome = "trim"
	OutcomeSplit     Outcome = "split"
	OutcomeDoNothing Outcome = "do_nothing"
)

// RefinementResult is the outcome of refining a single verbose memory.
type RefinementResult struct {
	Outcome      Outcome
	NewMemories  []ltmemory.ExtractedMemory // one for trim, >=2 for split
}

// Repository is the storage boundary refinement reads candidates from and
// writes outcomes to.
type Repository interface {
	ListCandidates(ctx context.Context, userID string) ([]ltmemory.Memory, error)
	IncrementRejectionCount(ctx context.Context, userID, memoryID string) error
	ReplaceMemory(ctx context.Context, userID, memoryID string, replacements []ltmemory.ExtractedMemory) error
	FindSimilarToMemory(ctx context.Context, userID, memoryID string, threshold float64) ([]ltmemory.Memory, error)
}

// RefinerLLM calls the refinement-generation model for a single verbose
// memory and returns its verdict.
type RefinerLLM interface {
	RefineMemory(ctx context.Context, memory ltmemory.Memory) (RefinementResult, error)
}

// ConsolidationLLM decides whether a candidate cluster should actually be
// merged and, if so, produces the merged text.
type ConsolidationLLM interface {
	ShouldConsolidate(ctx context.Context, cluster []ltmemory.Memory) (shouldMerge bool, mergedText string, err error)
}

// Service implements the refinement operations.
type Service struct {
	Repo   Repository
	Refiner RefinerLLM
	Consolidator ConsolidationLLM
	Config Config
	now    func() time.Time
}

// New constructs a refinement Service.
func New(repo Repository, refiner RefinerLLM, consolidator ConsolidationLLM, cfg Config) *Service {
	return &Service{Repo: repo, Refiner: refiner, Consolidator: consolidator, Config: cfg, now: time.Now}
}

// IdentifyVerboseMemories selects memories eligible for refinement: long
// enough, accessed enough, old enough, past cooldown, and not repeatedly
// rejected.
func (s *Service) IdentifyVerboseMemories(ctx context.Context, userID string) ([]ltmemory.RefinementCandidate, error) {
	candidates, err := s.Repo.ListCandidates(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("refinement: list candidates: %w", err)
	}

	now := s.now()
	var out []ltmemory.RefinementCandidate
	for _, m := range candidates {
		if len(m.Text) < s.Config.VerboseThresholdChars {
			continue
		}
		if m.AccessCount < s.Config.MinAccessCountForRefinement {
			continue
		}
		if now.Sub(m.CreatedAt) < time.Duration(s.Config.MinAgeForRefinementDays)*24*time.Hour {
			continue
		}
		if m.LastRefinedAt != nil && now.Sub(*m.LastRefinedAt) < time.Duration(s.Config.RefinementCooldownDays)*24*time.Hour {
			continue
		}
		if m.RefinementRejectionCount >= s.Config.MaxRejectionCount {
			continue
		}
		out = append(out, ltmemory.RefinementCandidate{Memory: m, Reason: "verbose"})
	}
	return out, nil
}

// RefineVerboseMemorySync runs the refinement LLM on one memory and applies
// its verdict: trim/split replace the memory, do_nothing increments the
// rejection counter so repeated no-ops eventually exhaust MaxRejectionCount.
func (s *Service) RefineVerboseMemorySync(ctx context.Context, userID string, memory ltmemory.Memory) (RefinementResult, error) {
	result, err := s.Refiner.RefineMemory(ctx, memory)
	if err != nil {
		return RefinementResult{}, fmt.Errorf("refinement: refine memory %s: %w", memory.ID, err)
	}

	switch result.Outcome {
	case OutcomeDoNothing:
		if err := s.Repo.IncrementRejectionCount(ctx, userID, memory.ID); err != nil {
			return result, fmt.Errorf("refinement: increment rejection count: %w", err)
		}
	case OutcomeTrim, OutcomeSplit:
		if err := s.Repo.ReplaceMemory(ctx, userID, memory.ID, result.NewMemories); err != nil {
			return result, fmt.Errorf("refinement: replace memory: %w", err)
		}
	default:
		return RefinementResult{}, fmt.Errorf("refinement: unknown outcome %q", result.Outcome)
	}
	return result, nil
}

// IdentifyConsolidationClusters expands each caller-supplied hub memory by
// similarity, keeping clusters at or above the minimum size and confidence.
// It does not select the hubs itself; hubs already absorbed into an earlier
// cluster are skipped.
func (s *Service) IdentifyConsolidationClusters(ctx context.Context, userID string, hubs []ltmemory.Memory) ([]ltmemory.ConsolidationCluster, error) {
	var clusters []ltmemory.ConsolidationCluster
	processed := map[string]bool{}

	for _, hub := range hubs {
		if processed[hub.ID] {
			continue
		}
		similar, err := s.Repo.FindSimilarToMemory(ctx, userID, hub.ID, s.Config.ConsolidationSimilarityThreshold)
		if err != nil {
			return nil, fmt.Errorf("refinement: find similar to hub %s: %w", hub.ID, err)
		}
		if len(similar)+1 < s.Config.MinConsolidationClusterSize {
			continue
		}

		members := make([]string, 0, len(similar)+1)
		members = append(members, hub.ID)
		confidenceSum := 0.0
		for _, m := range similar {
			members = append(members, m.ID)
			processed[m.ID] = true
			confidenceSum += m.SimilarityScore
		}
		processed[hub.ID] = true

		confidence := confidenceSum / float64(len(similar))
		if confidence < s.Config.ConsolidationConfidenceThreshold {
			continue
		}
		clusters = append(clusters, ltmemory.ConsolidationCluster{
			HubMemoryID: hub.ID,
			MemberIDs:   members,
			Confidence:  confidence,
		})
	}
	return clusters, nil
}

// ReviewCluster asks the consolidation LLM whether a cluster should
// actually be merged, deferring the final decision to the model rather than
// acting purely on the similarity-based cluster confidence.
func (s *Service) ReviewCluster(ctx context.Context, cluster []ltmemory.Memory) (bool, string, error) {
	should, text, err := s.Consolidator.ShouldConsolidate(ctx, cluster)
	if err != nil {
		return false, "", fmt.Errorf("refinement: should consolidate: %w", err)
	}
	return should, text, nil
}
