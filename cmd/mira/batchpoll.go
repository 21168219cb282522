package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/mira-run/mira/internal/ltmemory"
	ltmbatch "github.com/mira-run/mira/internal/ltmemory/batch"
	"github.com/mira-run/mira/internal/scheduler"
	"github.com/mira-run/mira/internal/storage/postgres"
)

// pgBatchQueue adapts the persisted batch records and the batch
// orchestrator's poll methods to the scheduler's claim/process/complete
// contract. Claims live in process memory: the durable state machine is
// the batch rows themselves (PollExtraction/PollPostProcessing persist
// every transition), so a crash mid-claim only means the next tick
// re-claims and re-polls — which the orchestrator defines as a no-op on
// terminal batches.
type pgBatchQueue struct {
	store *postgres.BatchStore
	orch  *ltmbatch.Orchestrator

	mu      sync.Mutex
	claimed map[string]any // batch id -> ltmemory.ExtractionBatch | ltmemory.PostProcessingBatch
}

func newPGBatchQueue(store *postgres.BatchStore, orch *ltmbatch.Orchestrator) *pgBatchQueue {
	return &pgBatchQueue{store: store, orch: orch, claimed: make(map[string]any)}
}

func (q *pgBatchQueue) ClaimPending(ctx context.Context, limit int) ([]scheduler.PendingBatch, error) {
	extraction, post, err := q.store.LoadPendingBatches(ctx)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var out []scheduler.PendingBatch
	for _, b := range extraction {
		if len(out) >= limit {
			break
		}
		if _, taken := q.claimed[b.ID]; taken || b.State.IsTerminal() {
			continue
		}
		q.claimed[b.ID] = b
		out = append(out, scheduler.PendingBatch{ID: b.ID, UserID: b.UserID, Kind: string(ltmemory.BatchKindExtraction)})
	}
	for _, b := range post {
		if len(out) >= limit {
			break
		}
		if _, taken := q.claimed[b.ID]; taken || b.State.IsTerminal() {
			continue
		}
		q.claimed[b.ID] = b
		out = append(out, scheduler.PendingBatch{ID: b.ID, UserID: b.UserID, Kind: string(b.Kind)})
	}
	return out, nil
}

// Process polls one claimed batch through the orchestrator, which persists
// whatever state the provider reports. A batch still processing is simply
// released for the next tick to poll again.
func (q *pgBatchQueue) Process(ctx context.Context, batch scheduler.PendingBatch) error {
	q.mu.Lock()
	rec, ok := q.claimed[batch.ID]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("batch %s was never claimed", batch.ID)
	}

	switch b := rec.(type) {
	case ltmemory.ExtractionBatch:
		_, err := q.orch.PollExtraction(ctx, b)
		return err
	case ltmemory.PostProcessingBatch:
		_, err := q.orch.PollPostProcessing(ctx, b)
		return err
	default:
		return fmt.Errorf("batch %s has unexpected record type %T", batch.ID, rec)
	}
}

func (q *pgBatchQueue) Complete(_ context.Context, batchID string) error {
	q.release(batchID)
	return nil
}

func (q *pgBatchQueue) Fail(_ context.Context, batchID, _ string) error {
	q.release(batchID)
	return nil
}

func (q *pgBatchQueue) release(batchID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claimed, batchID)
}
