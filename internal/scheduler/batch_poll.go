package scheduler

import (
	"context"
	"fmt"
	"log/slog"
)

// PendingBatch is a queued unit of extraction or post-processing work
// (e.g. an LLM batch job submitted to a provider's batch API) awaiting a
// result.
type PendingBatch struct {
	ID     string
	UserID string
	Kind   string
}

// BatchStore abstracts wherever pending extraction/post-processing batches
// are tracked. ClaimPending must be safe to call concurrently with itself
// across scheduler instances: a batch claimed by one poll must not be
// returned to another until it is marked complete or the claim expires.
type BatchStore interface {
	ClaimPending(ctx context.Context, limit int) ([]PendingBatch, error)
	Complete(ctx context.Context, batchID string) error
	Fail(ctx context.Context, batchID string, reason string) error
}

// BatchProcessor resolves one claimed batch, e.g. by polling the provider
// for a result and running extraction/post-processing against it.
type BatchProcessor interface {
	Process(ctx context.Context, batch PendingBatch) error
}

// BatchPollJob claims pending batches and runs them through a processor.
// A batch is claimed before it is processed, so a crash mid-run leaves it
// claimed rather than silently lost; Complete/Fail both release the claim.
type BatchPollJob struct {
	store     BatchStore
	processor BatchProcessor
	batchSize int
	logger    *slog.Logger
}

// NewBatchPollJob constructs the job. batchSize bounds how many batches are
// claimed per tick, so one slow run doesn't starve other jobs of scheduler
// attention.
func NewBatchPollJob(store BatchStore, processor BatchProcessor, batchSize int, logger *slog.Logger) *BatchPollJob {
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchPollJob{store: store, processor: processor, batchSize: batchSize, logger: logger}
}

func (j *BatchPollJob) Name() string { return "batch_poll" }

func (j *BatchPollJob) Run(ctx context.Context) error {
	batches, err := j.store.ClaimPending(ctx, j.batchSize)
	if err != nil {
		return fmt.Errorf("scheduler: claim pending batches: %w", err)
	}
	for _, b := range batches {
		if err := j.processor.Process(ctx, b); err != nil {
			j.logger.Warn("batch processing failed", "batch_id", b.ID, "kind", b.Kind, "error", err)
			if ferr := j.store.Fail(ctx, b.ID, err.Error()); ferr != nil {
				j.logger.Error("could not record batch failure", "batch_id", b.ID, "error", ferr)
			}
			continue
		}
		if err := j.store.Complete(ctx, b.ID); err != nil {
			j.logger.Error("could not record batch completion", "batch_id", b.ID, "error", err)
		}
	}
	return nil
}
