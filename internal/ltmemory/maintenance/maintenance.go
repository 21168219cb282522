// Package maintenance composes the linking and refinement services into
// the periodic sweep the scheduler's daily refinement job runs: for every
// user, link unlinked memories to their neighbors, trim verbose memories,
// and merge consolidation clusters.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/ltmemory/refinement"
)

// UserLister enumerates every user with stored memories, so the sweep can
// iterate users without the continuum registry (which only holds resident
// ones).
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// MemorySource is the storage surface the sweep reads memories from and
// applies consolidation merges through; *postgres.MemoryRepo satisfies it.
type MemorySource interface {
	ListCandidates(ctx context.Context, userID string) ([]ltmemory.Memory, error)
	GetMemory(ctx context.Context, userID, memoryID string) (ltmemory.Memory, bool, error)
	ReplaceMemory(ctx context.Context, userID, memoryID string, replacements []ltmemory.ExtractedMemory) error
}

// Linker is the subset of *linking.Service the sweep drives.
type Linker interface {
	FindSimilarCandidates(ctx context.Context, userID, memoryID string) ([]ltmemory.Memory, error)
	ClassifyRelationshipSync(ctx context.Context, src, tgt ltmemory.Memory) (*ltmemory.MemoryLink, error)
	CreateBidirectionalLink(ctx context.Context, userID, srcID, tgtID string, link ltmemory.MemoryLink) error
}

// Refiner is the subset of *refinement.Service the sweep drives.
type Refiner interface {
	IdentifyVerboseMemories(ctx context.Context, userID string) ([]ltmemory.RefinementCandidate, error)
	RefineVerboseMemorySync(ctx context.Context, userID string, memory ltmemory.Memory) (refinement.RefinementResult, error)
	IdentifyConsolidationClusters(ctx context.Context, userID string, hubs []ltmemory.Memory) ([]ltmemory.ConsolidationCluster, error)
	ReviewCluster(ctx context.Context, cluster []ltmemory.Memory) (bool, string, error)
}

// Config bounds how much work one sweep performs per user, so a single
// slow user cannot monopolize the daily window.
type Config struct {
	MaxLinkCandidatesPerMemory int
	MaxMemoriesLinkedPerUser   int
	MaxRefinementsPerUser      int
	// Hub thresholds for consolidation cluster seeding: a memory is a hub
	// when its importance reaches HubImportanceThreshold or it carries at
	// least HubMinLinkCount non-entity links.
	HubImportanceThreshold float64
	HubMinLinkCount        int
}

// DefaultConfig returns the sweep bounds used in production.
func DefaultConfig() Config {
	return Config{
		MaxLinkCandidatesPerMemory: 3,
		MaxMemoriesLinkedPerUser:   25,
		MaxRefinementsPerUser:      10,
		HubImportanceThreshold:     0.7,
		HubMinLinkCount:            3,
	}
}

// Runner implements scheduler.RefinementRunner over the composed services.
type Runner struct {
	Users      UserLister
	Memories   MemorySource
	Linking    Linker
	Refinement Refiner
	Config     Config
	Log        *slog.Logger
}

// NewRunner constructs a Runner with the default per-user bounds.
func NewRunner(users UserLister, memories MemorySource, linker Linker, refiner Refiner, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		Users:      users,
		Memories:   memories,
		Linking:    linker,
		Refinement: refiner,
		Config:     DefaultConfig(),
		Log:        log,
	}
}

// RunRefinement sweeps every user. A failure for one user is logged and
// does not stop the sweep for the rest; the first error is returned so the
// scheduler records the run as failed and retries on the next due window.
func (r *Runner) RunRefinement(ctx context.Context) error {
	userIDs, err := r.Users.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("maintenance: list users: %w", err)
	}

	var firstErr error
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.sweepUser(ctx, userID); err != nil {
			r.Log.Error("maintenance sweep failed for user", "user_id", userID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Runner) sweepUser(ctx context.Context, userID string) error {
	memories, err := r.Memories.ListCandidates(ctx, userID)
	if err != nil {
		return fmt.Errorf("list memories: %w", err)
	}

	if err := r.linkPass(ctx, userID, memories); err != nil {
		return err
	}
	if err := r.refinePass(ctx, userID); err != nil {
		return err
	}
	return r.consolidatePass(ctx, userID, memories)
}

// linkPass discovers and persists links for memories that have none yet.
func (r *Runner) linkPass(ctx context.Context, userID string, memories []ltmemory.Memory) error {
	linked := 0
	for _, m := range memories {
		if linked >= r.Config.MaxMemoriesLinkedPerUser {
			break
		}
		if len(m.OutboundLinks) > 0 {
			continue
		}
		candidates, err := r.Linking.FindSimilarCandidates(ctx, userID, m.ID)
		if err != nil {
			return fmt.Errorf("find link candidates for %s: %w", m.ID, err)
		}
		if len(candidates) > r.Config.MaxLinkCandidatesPerMemory {
			candidates = candidates[:r.Config.MaxLinkCandidatesPerMemory]
		}
		created := false
		for _, cand := range candidates {
			if cand.ID == m.ID {
				continue
			}
			link, err := r.Linking.ClassifyRelationshipSync(ctx, m, cand)
			if err != nil {
				r.Log.Warn("relationship classification failed", "user_id", userID, "src", m.ID, "tgt", cand.ID, "error", err)
				continue
			}
			if link == nil {
				continue
			}
			if err := r.Linking.CreateBidirectionalLink(ctx, userID, m.ID, cand.ID, *link); err != nil {
				return fmt.Errorf("create link %s -> %s: %w", m.ID, cand.ID, err)
			}
			created = true
		}
		if created {
			linked++
		}
	}
	return nil
}

// refinePass trims or splits verbose memories, up to the per-user bound.
func (r *Runner) refinePass(ctx context.Context, userID string) error {
	candidates, err := r.Refinement.IdentifyVerboseMemories(ctx, userID)
	if err != nil {
		return fmt.Errorf("identify verbose memories: %w", err)
	}
	if len(candidates) > r.Config.MaxRefinementsPerUser {
		candidates = candidates[:r.Config.MaxRefinementsPerUser]
	}
	for _, c := range candidates {
		if _, err := r.Refinement.RefineVerboseMemorySync(ctx, userID, c.Memory); err != nil {
			return fmt.Errorf("refine memory %s: %w", c.Memory.ID, err)
		}
	}
	return nil
}

// consolidatePass merges near-duplicate clusters the review LLM approves.
// The merged text replaces the hub; the other members are archived.
func (r *Runner) consolidatePass(ctx context.Context, userID string, memories []ltmemory.Memory) error {
	var hubs []ltmemory.Memory
	for _, m := range memories {
		if m.ImportanceScore >= r.Config.HubImportanceThreshold || len(m.OutboundLinks)+len(m.InboundLinks) >= r.Config.HubMinLinkCount {
			hubs = append(hubs, m)
		}
	}
	if len(hubs) == 0 {
		return nil
	}

	clusters, err := r.Refinement.IdentifyConsolidationClusters(ctx, userID, hubs)
	if err != nil {
		return fmt.Errorf("identify consolidation clusters: %w", err)
	}

	for _, cluster := range clusters {
		members := make([]ltmemory.Memory, 0, len(cluster.MemberIDs))
		importance := 0.0
		for _, id := range cluster.MemberIDs {
			m, ok, err := r.Memories.GetMemory(ctx, userID, id)
			if err != nil {
				return fmt.Errorf("load cluster member %s: %w", id, err)
			}
			if !ok {
				continue
			}
			members = append(members, m)
			if m.ImportanceScore > importance {
				importance = m.ImportanceScore
			}
		}
		if len(members) < 2 {
			continue
		}

		merge, mergedText, err := r.Refinement.ReviewCluster(ctx, members)
		if err != nil {
			r.Log.Warn("consolidation review failed", "user_id", userID, "hub", cluster.HubMemoryID, "error", err)
			continue
		}
		if !merge {
			continue
		}

		merged := []ltmemory.ExtractedMemory{{
			Text:            mergedText,
			ImportanceScore: importance,
			Confidence:      cluster.Confidence,
		}}
		for _, m := range members {
			replacements := []ltmemory.ExtractedMemory(nil)
			if m.ID == cluster.HubMemoryID {
				replacements = merged
			}
			if err := r.Memories.ReplaceMemory(ctx, userID, m.ID, replacements); err != nil {
				return fmt.Errorf("apply consolidation for %s: %w", m.ID, err)
			}
		}
		r.Log.Info("consolidated cluster", "user_id", userID, "hub", cluster.HubMemoryID, "members", len(members))
	}
	return nil
}
