// Package batch submits and polls asynchronous LLM "batch" jobs for
// extraction, relationship classification, consolidation, and consolidation
// review. Every state transition is idempotent: replaying a completed batch
// is a no-op.
package batch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mira-run/mira/internal/ltmemory"
)

// Provider submits a batch of work to an asynchronous LLM batch API and
// polls for its completion status. userID is part of the submission because
// batch results are written back into per-user storage; providers must
// carry it through to wherever the work executes.
type Provider interface {
	Submit(ctx context.Context, userID string, kind ltmemory.BatchKind, payload any) (providerRef string, err error)
	Poll(ctx context.Context, providerRef string) (ltmemory.BatchState, PollResult, error)
}

// PollResult carries provider-reported counters, applicable once a batch
// reaches a terminal or intermediate processing state.
type PollResult struct {
	ItemsCompleted int
	ItemsFailed    int
}

// Store persists batch records across restarts so polling can resume.
type Store interface {
	SaveExtractionBatch(ctx context.Context, batch ltmemory.ExtractionBatch) error
	SavePostProcessingBatch(ctx context.Context, batch ltmemory.PostProcessingBatch) error
	LoadPendingBatches(ctx context.Context) ([]ltmemory.ExtractionBatch, []ltmemory.PostProcessingBatch, error)
}

// Orchestrator drives the extraction and post-processing batch lifecycle.
type Orchestrator struct {
	Provider Provider
	Store    Store
	now      func() time.Time
}

// New constructs an Orchestrator.
func New(provider Provider, store Store) *Orchestrator {
	return &Orchestrator{Provider: provider, Store: store, now: time.Now}
}

// SubmitSegmentExtraction chunks a collapsed segment's messages, submits an
// extraction batch, and records an ExtractionBatch row for later polling.
func (o *Orchestrator) SubmitSegmentExtraction(ctx context.Context, userID, segmentID string, chunks []ltmemory.ProcessingChunk) (ltmemory.ExtractionBatch, error) {
	ref, err := o.Provider.Submit(ctx, userID, ltmemory.BatchKindExtraction, chunks)
	if err != nil {
		return ltmemory.ExtractionBatch{}, fmt.Errorf("batch: submit extraction: %w", err)
	}

	rec := ltmemory.ExtractionBatch{
		ID:          newBatchID(),
		UserID:      userID,
		SegmentID:   segmentID,
		ProviderRef: ref,
		State:       ltmemory.BatchSubmitted,
		SubmittedAt: o.now(),
	}
	if err := o.Store.SaveExtractionBatch(ctx, rec); err != nil {
		return ltmemory.ExtractionBatch{}, fmt.Errorf("batch: save extraction batch record: %w", err)
	}
	return rec, nil
}

// SubmitPostProcessing submits a relationship-classification, consolidation,
// or consolidation-review batch.
func (o *Orchestrator) SubmitPostProcessing(ctx context.Context, userID string, kind ltmemory.BatchKind, payload any, itemCount int) (ltmemory.PostProcessingBatch, error) {
	ref, err := o.Provider.Submit(ctx, userID, kind, payload)
	if err != nil {
		return ltmemory.PostProcessingBatch{}, fmt.Errorf("batch: submit %s: %w", kind, err)
	}

	rec := ltmemory.PostProcessingBatch{
		ID:             newBatchID(),
		UserID:         userID,
		Kind:           kind,
		ProviderRef:    ref,
		State:          ltmemory.BatchSubmitted,
		ItemsSubmitted: itemCount,
		SubmittedAt:    o.now(),
	}
	if err := o.Store.SavePostProcessingBatch(ctx, rec); err != nil {
		return ltmemory.PostProcessingBatch{}, fmt.Errorf("batch: save post-processing batch record: %w", err)
	}
	return rec, nil
}

// PollExtraction checks an in-flight extraction batch's status. Polling a
// batch already in a terminal state is a no-op that returns the batch
// unchanged.
func (o *Orchestrator) PollExtraction(ctx context.Context, batch ltmemory.ExtractionBatch) (ltmemory.ExtractionBatch, error) {
	if batch.State.IsTerminal() {
		return batch, nil
	}
	state, _, err := o.Provider.Poll(ctx, batch.ProviderRef)
	if err != nil {
		return batch, fmt.Errorf("batch: poll extraction batch %s: %w", batch.ID, err)
	}
	batch.State = state
	if state.IsTerminal() {
		now := o.now()
		batch.CompletedAt = &now
	}
	if err := o.Store.SaveExtractionBatch(ctx, batch); err != nil {
		return batch, fmt.Errorf("batch: persist extraction batch state: %w", err)
	}
	return batch, nil
}

// PollPostProcessing checks an in-flight post-processing batch's status and
// updates its item counters. Polling a terminal batch is a no-op.
func (o *Orchestrator) PollPostProcessing(ctx context.Context, batch ltmemory.PostProcessingBatch) (ltmemory.PostProcessingBatch, error) {
	if batch.State.IsTerminal() {
		return batch, nil
	}
	state, result, err := o.Provider.Poll(ctx, batch.ProviderRef)
	if err != nil {
		return batch, fmt.Errorf("batch: poll post-processing batch %s: %w", batch.ID, err)
	}
	batch.State = state
	batch.ItemsCompleted = result.ItemsCompleted
	batch.ItemsFailed = result.ItemsFailed
	if state.IsTerminal() {
		now := o.now()
		batch.CompletedAt = &now
	}
	if err := o.Store.SavePostProcessingBatch(ctx, batch); err != nil {
		return batch, fmt.Errorf("batch: persist post-processing batch state: %w", err)
	}
	return batch, nil
}

var batchIDCounter uint64

// newBatchID generates a locally-unique, monotonically increasing batch
// identifier. It deliberately avoids uuid.New here: the ID only needs to be
// unique within one orchestrator process's lifetime for bookkeeping, and a
// counter keeps batch ordering legible in logs.
func newBatchID() string {
	n := atomic.AddUint64(&batchIDCounter, 1)
	return fmt.Sprintf("batch-%d-%d", time.Now().UnixNano(), n)
}
