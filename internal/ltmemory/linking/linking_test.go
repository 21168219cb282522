package linking

import (
	"context"
	"testing"

	"github.com/mira-run/mira/internal/ltmemory"
)

type fakeClassifier struct {
	result ClassificationResult
}

func (f fakeClassifier) ClassifyRelationship(ctx context.Context, src, tgt ltmemory.Memory) (ClassificationResult, error) {
	return f.result, nil
}

func TestService_ClassifyRelationshipSync_NullTypeYieldsNoLink(t *testing.T) {
	s := New(nil, fakeClassifier{result: ClassificationResult{RelationshipType: ltmemory.LinkNull, Confidence: 0.9}}, nil, Config{LinkConfidenceThreshold: 0.5})

	link, err := s.ClassifyRelationshipSync(context.Background(), ltmemory.Memory{ID: "a"}, ltmemory.Memory{ID: "b"})
	if err != nil {
		t.Fatalf("ClassifyRelationshipSync() error = %v", err)
	}
	if link != nil {
		t.Errorf("ClassifyRelationshipSync() = %+v, want nil for null relationship type", link)
	}
}

func TestService_ClassifyRelationshipSync_BelowConfidenceThresholdYieldsNoLink(t *testing.T) {
	s := New(nil, fakeClassifier{result: ClassificationResult{RelationshipType: ltmemory.LinkConflicts, Confidence: 0.2}}, nil, Config{LinkConfidenceThreshold: 0.5})

	link, err := s.ClassifyRelationshipSync(context.Background(), ltmemory.Memory{ID: "a"}, ltmemory.Memory{ID: "b"})
	if err != nil {
		t.Fatalf("ClassifyRelationshipSync() error = %v", err)
	}
	if link != nil {
		t.Errorf("ClassifyRelationshipSync() = %+v, want nil below confidence threshold", link)
	}
}

func TestService_ClassifyRelationshipSync_AcceptsConfidentLink(t *testing.T) {
	s := New(nil, fakeClassifier{result: ClassificationResult{RelationshipType: ltmemory.LinkSupersedes, Confidence: 0.9, Reasoning: "newer fact"}}, nil, Config{LinkConfidenceThreshold: 0.5})

	link, err := s.ClassifyRelationshipSync(context.Background(), ltmemory.Memory{ID: "a"}, ltmemory.Memory{ID: "b"})
	if err != nil {
		t.Fatalf("ClassifyRelationshipSync() error = %v", err)
	}
	if link == nil || link.Type != ltmemory.LinkSupersedes {
		t.Fatalf("ClassifyRelationshipSync() = %+v, want a supersedes link", link)
	}
}

type fakeLinkStore struct {
	memories map[string]ltmemory.Memory
	healedCalls [][]string
}

func (f *fakeLinkStore) CreateBidirectionalLink(ctx context.Context, userID, srcID, tgtID string, link ltmemory.MemoryLink) error {
	return nil
}

func (f *fakeLinkStore) GetMemory(ctx context.Context, userID, memoryID string) (ltmemory.Memory, bool, error) {
	m, ok := f.memories[memoryID]
	return m, ok, nil
}

func (f *fakeLinkStore) RemoveDeadLinks(ctx context.Context, userID, memoryID string, deadTargetIDs []string) error {
	f.healedCalls = append(f.healedCalls, deadTargetIDs)
	return nil
}

func TestService_TraverseRelated_BFSDedupAndHealOnRead(t *testing.T) {
	store := &fakeLinkStore{memories: map[string]ltmemory.Memory{
		"root": {ID: "root", OutboundLinks: []ltmemory.MemoryLink{{TargetID: "a"}, {TargetID: "missing"}}},
		"a":    {ID: "a", OutboundLinks: []ltmemory.MemoryLink{{TargetID: "root"}, {TargetID: "b"}}},
		"b":    {ID: "b"},
	}}
	s := New(nil, nil, store, Config{MaxLinkTraversalDepth: 3})

	results, err := s.TraverseRelated(context.Background(), "user-1", "root", 3)
	if err != nil {
		t.Fatalf("TraverseRelated() error = %v", err)
	}

	seen := map[string]bool{}
	for _, m := range results {
		if seen[m.ID] {
			t.Errorf("TraverseRelated() returned duplicate memory %s", m.ID)
		}
		seen[m.ID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("TraverseRelated() = %+v, want a and b reachable from root", results)
	}
	if seen["root"] {
		t.Error("TraverseRelated() should not include the starting memory in its own result set")
	}
	if len(store.healedCalls) == 0 {
		t.Error("TraverseRelated() should heal the dangling 'missing' reference observed at level 0")
	}
}
