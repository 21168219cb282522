package api

import (
	"context"
	"testing"
	"time"

	"github.com/mira-run/mira/internal/httpapi"
	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/mira"
)

type fakeHistoryStore struct {
	messages []mira.Message
}

func (f fakeHistoryStore) ListForContinuum(_ context.Context, _, _ string) ([]mira.Message, error) {
	return f.messages, nil
}

type fakeMemoryLister struct {
	memories []ltmemory.Memory
}

func (f fakeMemoryLister) ListCandidates(_ context.Context, _ string) ([]ltmemory.Memory, error) {
	return f.memories, nil
}

func TestDataReader_HistoryPagination(t *testing.T) {
	now := time.Now()
	cont := newTestContinuum(t, "u1", now)
	msgs := []mira.Message{}
	for i := 0; i < 5; i++ {
		m, err := mira.NewMessage(mira.RoleUser, "hi", mira.MessageMetadata{}, now)
		if err != nil {
			t.Fatalf("new message: %v", err)
		}
		msgs = append(msgs, m)
	}

	reader := NewDataReader(fakeHistoryStore{messages: msgs}, nil, &fakeContinuumStore{cont: cont})
	page, err := reader.Read(context.Background(), "u1", httpapi.DataTypeHistory, httpapi.Page{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if page.TotalCount != 5 || len(page.Items) != 2 {
		t.Fatalf("unexpected page: total=%d items=%d", page.TotalCount, len(page.Items))
	}
}

func TestDataReader_MemoriesEmptyWhenUnconfigured(t *testing.T) {
	reader := NewDataReader(nil, nil, nil)
	page, err := reader.Read(context.Background(), "u1", httpapi.DataTypeMemories, httpapi.Page{Limit: 10})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if page.TotalCount != 0 {
		t.Fatalf("expected empty page, got %+v", page)
	}
}

func TestDataReader_User(t *testing.T) {
	now := time.Now()
	cont := newTestContinuum(t, "u1", now)
	reader := NewDataReader(nil, fakeMemoryLister{}, &fakeContinuumStore{cont: cont})
	page, err := reader.Read(context.Background(), "u1", httpapi.DataTypeUser, httpapi.Page{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if page.TotalCount != 1 || len(page.Items) != 1 {
		t.Fatalf("unexpected user page: %+v", page)
	}
}
