package api

import (
	"context"
	"fmt"

	"github.com/mira-run/mira/internal/httpapi"
	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/mira"
)

// HistoryStore is the continuum history surface backing type=history.
type HistoryStore interface {
	ListForContinuum(ctx context.Context, continuumID, userID string) ([]mira.Message, error)
}

// MemoryLister is the LT-Memory surface backing type=memories.
type MemoryLister interface {
	ListCandidates(ctx context.Context, userID string) ([]ltmemory.Memory, error)
}

// DataReader implements httpapi.DataReader across the three read views.
type DataReader struct {
	History   HistoryStore
	Memories  MemoryLister
	Continuum ContinuumStore
}

// NewDataReader constructs a DataReader. Any collaborator may be nil; its
// data type then returns an empty page rather than erroring, since an
// unconfigured read view is a deployment choice, not a client error.
// type=user with a nil Continuum is the exception: it returns a single item
// carrying only the user_id.
func NewDataReader(history HistoryStore, memories MemoryLister, cont ContinuumStore) *DataReader {
	return &DataReader{History: history, Memories: memories, Continuum: cont}
}

// Read satisfies httpapi.DataReader.
func (r *DataReader) Read(ctx context.Context, userID string, dataType httpapi.DataType, page httpapi.Page) (httpapi.DataPage, error) {
	switch dataType {
	case httpapi.DataTypeHistory:
		return r.readHistory(ctx, userID, page)
	case httpapi.DataTypeMemories:
		return r.readMemories(ctx, userID, page)
	case httpapi.DataTypeUser:
		return r.readUser(ctx, userID)
	default:
		return httpapi.DataPage{}, fmt.Errorf("api: unsupported data type %q", dataType)
	}
}

func (r *DataReader) readHistory(ctx context.Context, userID string, page httpapi.Page) (httpapi.DataPage, error) {
	if r.History == nil || r.Continuum == nil {
		return httpapi.DataPage{}, nil
	}
	cont, err := r.Continuum.Get(ctx, userID)
	if err != nil {
		return httpapi.DataPage{}, fmt.Errorf("api: load continuum: %w", err)
	}
	messages, err := r.History.ListForContinuum(ctx, cont.ID(), userID)
	if err != nil {
		return httpapi.DataPage{}, fmt.Errorf("api: list history: %w", err)
	}
	return paginate(messages, page), nil
}

func (r *DataReader) readMemories(ctx context.Context, userID string, page httpapi.Page) (httpapi.DataPage, error) {
	if r.Memories == nil {
		return httpapi.DataPage{}, nil
	}
	memories, err := r.Memories.ListCandidates(ctx, userID)
	if err != nil {
		return httpapi.DataPage{}, fmt.Errorf("api: list memories: %w", err)
	}
	return paginate(memories, page), nil
}

func (r *DataReader) readUser(ctx context.Context, userID string) (httpapi.DataPage, error) {
	if r.Continuum == nil {
		return httpapi.DataPage{Items: []any{map[string]any{"user_id": userID}}, TotalCount: 1}, nil
	}
	cont, err := r.Continuum.Get(ctx, userID)
	if err != nil {
		return httpapi.DataPage{}, fmt.Errorf("api: load continuum: %w", err)
	}
	_, hasActive := cont.ActiveSentinel()
	item := map[string]any{
		"user_id":            userID,
		"continuum_id":       cont.ID(),
		"has_active_segment": hasActive,
	}
	return httpapi.DataPage{Items: []any{item}, TotalCount: 1}, nil
}

// paginate applies page.Offset/page.Limit to a slice of any concrete
// element type, boxing each item into `any` for DataPage.Items.
func paginate[T any](items []T, page httpapi.Page) httpapi.DataPage {
	total := len(items)
	if page.Offset >= total {
		return httpapi.DataPage{Items: []any{}, TotalCount: total}
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	slice := items[page.Offset:end]
	out := make([]any, len(slice))
	for i, it := range slice {
		out[i] = it
	}
	return httpapi.DataPage{Items: out, TotalCount: total}
}
