package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mira-run/mira/internal/httpapi"
	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/mira"
	"github.com/mira-run/mira/internal/userdata"
)

type fakeContinuumStore struct {
	cont *mira.Continuum
}

func (f *fakeContinuumStore) Get(_ context.Context, _ string) (*mira.Continuum, error) {
	return f.cont, nil
}

func newTestContinuum(t *testing.T, userID string, now time.Time) *mira.Continuum {
	t.Helper()
	cont, err := mira.LoadFromHistory(userID, userID, nil)
	if err != nil {
		t.Fatalf("load from history: %v", err)
	}
	if _, err := cont.OpenSegment(now); err != nil {
		t.Fatalf("open segment: %v", err)
	}
	return cont
}

func TestActionRouter_UnknownDomain(t *testing.T) {
	r := NewActionRouter(nil, nil, nil, nil)
	_, err := r.Handle(context.Background(), "u1", "bogus", "whatever", nil)
	if !errors.Is(err, httpapi.ErrUnknownDomain) {
		t.Fatalf("expected ErrUnknownDomain, got %v", err)
	}
}

func TestActionRouter_ContinuumPostponeCollapse(t *testing.T) {
	now := time.Now()
	cont := newTestContinuum(t, "u1", now)
	r := NewActionRouter(&fakeContinuumStore{cont: cont}, nil, nil, nil)

	data, _ := json.Marshal(map[string]int{"minutes": 30})
	result, err := r.Handle(context.Background(), "u1", "continuum", "postpone_collapse", data)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Data == nil {
		t.Fatal("expected non-nil result data")
	}
}

func TestActionRouter_ContinuumPostponeNoActiveSegment(t *testing.T) {
	cont, err := mira.LoadFromHistory("u1", "u1", nil)
	if err != nil {
		t.Fatalf("load from history: %v", err)
	}
	r := NewActionRouter(&fakeContinuumStore{cont: cont}, nil, nil, nil)

	data, _ := json.Marshal(map[string]int{"minutes": 10})
	_, err = r.Handle(context.Background(), "u1", "continuum", "postpone_collapse", data)
	if !errors.Is(err, httpapi.ErrSegmentNotActive) {
		t.Fatalf("expected ErrSegmentNotActive, got %v", err)
	}
}

type fakeCollapser struct {
	gotUserID    string
	gotSegmentID string
	err          error
}

func (f *fakeCollapser) CollapseNow(_ context.Context, userID, segmentID string) error {
	f.gotUserID, f.gotSegmentID = userID, segmentID
	return f.err
}

func TestActionRouter_CollapseSegment(t *testing.T) {
	now := time.Now()
	cont := newTestContinuum(t, "u1", now)
	sentinel, ok := cont.ActiveSentinel()
	if !ok {
		t.Fatal("expected an active sentinel")
	}
	collapser := &fakeCollapser{}
	r := NewActionRouter(&fakeContinuumStore{cont: cont}, collapser, nil, nil)

	result, err := r.Handle(context.Background(), "u1", "continuum", "collapse_segment", nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || data["collapsed"] != true {
		t.Fatalf("expected {collapsed:true}, got %+v", result.Data)
	}
	if collapser.gotUserID != "u1" || collapser.gotSegmentID != sentinel.SegmentID {
		t.Fatalf("collapser invoked with %s/%s, want u1/%s", collapser.gotUserID, collapser.gotSegmentID, sentinel.SegmentID)
	}
}

func TestActionRouter_CollapseSegmentNoActiveSegment(t *testing.T) {
	cont, err := mira.LoadFromHistory("u1", "u1", nil)
	if err != nil {
		t.Fatalf("load from history: %v", err)
	}
	collapser := &fakeCollapser{}
	r := NewActionRouter(&fakeContinuumStore{cont: cont}, collapser, nil, nil)

	_, err = r.Handle(context.Background(), "u1", "continuum", "collapse_segment", nil)
	if !errors.Is(err, httpapi.ErrSegmentNotActive) {
		t.Fatalf("expected ErrSegmentNotActive, got %v", err)
	}
	if collapser.gotSegmentID != "" {
		t.Fatal("collapser must not run when there is no active segment")
	}
}

type fakeMemoryStore struct {
	memories map[string]ltmemory.Memory
}

func (f *fakeMemoryStore) GetMemory(_ context.Context, _, memoryID string) (ltmemory.Memory, bool, error) {
	m, ok := f.memories[memoryID]
	return m, ok, nil
}

func (f *fakeMemoryStore) IncrementRejectionCount(_ context.Context, _, _ string) error { return nil }

func TestActionRouter_MemoryGetMissing(t *testing.T) {
	r := NewActionRouter(nil, nil, &fakeMemoryStore{memories: map[string]ltmemory.Memory{}}, nil)
	data, _ := json.Marshal(map[string]string{"memory_id": "missing"})
	_, err := r.Handle(context.Background(), "u1", "memory", "get", data)
	if err == nil {
		t.Fatal("expected error for missing memory")
	}
}

func TestActionRouter_MemoryMissingField(t *testing.T) {
	r := NewActionRouter(nil, nil, &fakeMemoryStore{}, nil)
	_, err := r.Handle(context.Background(), "u1", "memory", "get", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected missing field error")
	}
}

func TestActionRouter_ReminderCRUD(t *testing.T) {
	registry := userdata.NewRegistry(t.TempDir())
	defer registry.CloseAll()
	r := NewActionRouter(nil, nil, nil, registry)

	createData, _ := json.Marshal(map[string]any{"id": "r1", "encrypted__text": "call mom", "due_at": time.Now().Format(time.RFC3339), "fired": 0})
	if _, err := r.Handle(context.Background(), "u1", "reminder", "create", createData); err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := r.Handle(context.Background(), "u1", "reminder", "list", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	rows, ok := result.Data.([]userdata.Row)
	if !ok || len(rows) != 1 {
		t.Fatalf("expected 1 reminder row, got %+v", result.Data)
	}

	delData, _ := json.Marshal(map[string]string{"id": "r1"})
	if _, err := r.Handle(context.Background(), "u1", "reminder", "delete", delData); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
