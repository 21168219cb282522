package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/ltmemory/refinement"
)

type fakeUsers struct{ ids []string }

func (f fakeUsers) ListUserIDs(context.Context) ([]string, error) { return f.ids, nil }

type fakeMemories struct {
	memories map[string]ltmemory.Memory
	replaced map[string][]ltmemory.ExtractedMemory
}

func (f *fakeMemories) ListCandidates(context.Context, string) ([]ltmemory.Memory, error) {
	var out []ltmemory.Memory
	for _, m := range f.memories {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeMemories) GetMemory(_ context.Context, _, id string) (ltmemory.Memory, bool, error) {
	m, ok := f.memories[id]
	return m, ok, nil
}

func (f *fakeMemories) ReplaceMemory(_ context.Context, _, id string, reps []ltmemory.ExtractedMemory) error {
	if f.replaced == nil {
		f.replaced = map[string][]ltmemory.ExtractedMemory{}
	}
	f.replaced[id] = reps
	return nil
}

type fakeLinker struct {
	candidates map[string][]ltmemory.Memory
	created    [][2]string
}

func (f *fakeLinker) FindSimilarCandidates(_ context.Context, _, memoryID string) ([]ltmemory.Memory, error) {
	return f.candidates[memoryID], nil
}

func (f *fakeLinker) ClassifyRelationshipSync(_ context.Context, src, tgt ltmemory.Memory) (*ltmemory.MemoryLink, error) {
	return &ltmemory.MemoryLink{TargetID: tgt.ID, Type: ltmemory.LinkRelated, Confidence: 0.9, CreatedAt: time.Now()}, nil
}

func (f *fakeLinker) CreateBidirectionalLink(_ context.Context, _, srcID, tgtID string, _ ltmemory.MemoryLink) error {
	f.created = append(f.created, [2]string{srcID, tgtID})
	return nil
}

type fakeRefiner struct {
	verbose  []ltmemory.RefinementCandidate
	refined  []string
	clusters []ltmemory.ConsolidationCluster
	merge    bool
	merged   string
}

func (f *fakeRefiner) IdentifyVerboseMemories(context.Context, string) ([]ltmemory.RefinementCandidate, error) {
	return f.verbose, nil
}

func (f *fakeRefiner) RefineVerboseMemorySync(_ context.Context, _ string, m ltmemory.Memory) (refinement.RefinementResult, error) {
	f.refined = append(f.refined, m.ID)
	return refinement.RefinementResult{Outcome: refinement.OutcomeTrim}, nil
}

func (f *fakeRefiner) IdentifyConsolidationClusters(context.Context, string, []ltmemory.Memory) ([]ltmemory.ConsolidationCluster, error) {
	return f.clusters, nil
}

func (f *fakeRefiner) ReviewCluster(context.Context, []ltmemory.Memory) (bool, string, error) {
	return f.merge, f.merged, nil
}

func TestRunRefinementLinksUnlinkedMemories(t *testing.T) {
	unlinked := ltmemory.Memory{ID: "m1", Text: "fact one"}
	neighbor := ltmemory.Memory{ID: "m2", Text: "fact two"}
	alreadyLinked := ltmemory.Memory{ID: "m3", OutboundLinks: []ltmemory.MemoryLink{{TargetID: "m1"}}}

	memories := &fakeMemories{memories: map[string]ltmemory.Memory{"m1": unlinked, "m2": neighbor, "m3": alreadyLinked}}
	linker := &fakeLinker{candidates: map[string][]ltmemory.Memory{
		"m1": {neighbor},
		"m2": {unlinked},
	}}
	r := NewRunner(fakeUsers{ids: []string{"u1"}}, memories, linker, &fakeRefiner{}, nil)

	if err := r.RunRefinement(context.Background()); err != nil {
		t.Fatalf("RunRefinement: %v", err)
	}

	// m1 and m2 each get a link pass (m2 has no outbound links either);
	// m3 is skipped because it is already linked.
	for _, pair := range linker.created {
		if pair[0] == "m3" {
			t.Fatalf("already-linked memory was re-linked: %v", pair)
		}
	}
	if len(linker.created) != 2 {
		t.Fatalf("links created = %v, want 2 pairs", linker.created)
	}
}

func TestRunRefinementRefinesVerboseCandidates(t *testing.T) {
	verbose := ltmemory.Memory{ID: "big", Text: "very long"}
	memories := &fakeMemories{memories: map[string]ltmemory.Memory{"big": verbose}}
	refiner := &fakeRefiner{verbose: []ltmemory.RefinementCandidate{{Memory: verbose, Reason: "verbose"}}}
	r := NewRunner(fakeUsers{ids: []string{"u1"}}, memories, &fakeLinker{}, refiner, nil)

	if err := r.RunRefinement(context.Background()); err != nil {
		t.Fatalf("RunRefinement: %v", err)
	}
	if len(refiner.refined) != 1 || refiner.refined[0] != "big" {
		t.Fatalf("refined = %v, want [big]", refiner.refined)
	}
}

func TestRunRefinementConsolidatesApprovedCluster(t *testing.T) {
	hub := ltmemory.Memory{ID: "hub", ImportanceScore: 0.9, Text: "hub fact"}
	dup := ltmemory.Memory{ID: "dup", ImportanceScore: 0.5, Text: "duplicate fact"}
	memories := &fakeMemories{memories: map[string]ltmemory.Memory{"hub": hub, "dup": dup}}
	refiner := &fakeRefiner{
		clusters: []ltmemory.ConsolidationCluster{{HubMemoryID: "hub", MemberIDs: []string{"hub", "dup"}, Confidence: 0.8}},
		merge:    true,
		merged:   "one merged fact",
	}
	r := NewRunner(fakeUsers{ids: []string{"u1"}}, memories, &fakeLinker{}, refiner, nil)

	if err := r.RunRefinement(context.Background()); err != nil {
		t.Fatalf("RunRefinement: %v", err)
	}

	hubReps, ok := memories.replaced["hub"]
	if !ok || len(hubReps) != 1 || hubReps[0].Text != "one merged fact" {
		t.Fatalf("hub replacement = %+v", memories.replaced["hub"])
	}
	if hubReps[0].ImportanceScore != 0.9 {
		t.Fatalf("merged importance = %v, want max member importance 0.9", hubReps[0].ImportanceScore)
	}
	dupReps, ok := memories.replaced["dup"]
	if !ok || len(dupReps) != 0 {
		t.Fatalf("dup member must be archived with no replacements, got %+v", dupReps)
	}
}
