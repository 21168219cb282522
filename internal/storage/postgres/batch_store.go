package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mira-run/mira/internal/ltmemory"
)

// BatchStore implements batch.Store over extraction_batches and
// post_processing_batches, upserting on every save so re-polling the same
// batch id is idempotent.
type BatchStore struct {
	Pool *PoolManager
	DSN  string
}

func NewBatchStore(pool *PoolManager, dsn string) *BatchStore {
	return &BatchStore{Pool: pool, DSN: dsn}
}

func (s *BatchStore) db(ctx context.Context) (*sql.DB, error) {
	return s.Pool.Pool(ctx, "mira_memory", s.DSN)
}

func (s *BatchStore) SaveExtractionBatch(ctx context.Context, batch ltmemory.ExtractionBatch) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	return WithUserScope(ctx, db, batch.UserID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO extraction_batches (id, user_id, segment_id, provider_ref, state, submitted_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				completed_at = EXCLUDED.completed_at
		`, batch.ID, batch.UserID, batch.SegmentID, batch.ProviderRef, string(batch.State), batch.SubmittedAt, batch.CompletedAt)
		if err != nil {
			return fmt.Errorf("save extraction batch %s: %w", batch.ID, err)
		}
		return nil
	})
}

func (s *BatchStore) SavePostProcessingBatch(ctx context.Context, batch ltmemory.PostProcessingBatch) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	return WithUserScope(ctx, db, batch.UserID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO post_processing_batches
				(id, user_id, kind, provider_ref, state, items_submitted, items_completed, items_failed,
				 links_created, conflicts_flagged, submitted_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				items_completed = EXCLUDED.items_completed,
				items_failed = EXCLUDED.items_failed,
				links_created = EXCLUDED.links_created,
				conflicts_flagged = EXCLUDED.conflicts_flagged,
				completed_at = EXCLUDED.completed_at
		`, batch.ID, batch.UserID, string(batch.Kind), batch.ProviderRef, string(batch.State),
			batch.ItemsSubmitted, batch.ItemsCompleted, batch.ItemsFailed,
			batch.LinksCreated, batch.ConflictsFlagged, batch.SubmittedAt, batch.CompletedAt)
		if err != nil {
			return fmt.Errorf("save post-processing batch %s: %w", batch.ID, err)
		}
		return nil
	})
}

// LoadPendingBatches scans every non-terminal batch across all users, for
// the scheduler's polling pass. It bypasses per-user RLS scoping
// deliberately: this is a system-level sweep, not a user-initiated request.
func (s *BatchStore) LoadPendingBatches(ctx context.Context) ([]ltmemory.ExtractionBatch, []ltmemory.PostProcessingBatch, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, nil, err
	}

	var extractions []ltmemory.ExtractionBatch
	var postProc []ltmemory.PostProcessingBatch

	err = WithUserScope(ctx, db, "", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, user_id, segment_id, provider_ref, state, submitted_at, completed_at
			FROM extraction_batches
			WHERE state NOT IN ('completed', 'failed', 'expired', 'cancelled')
		`)
		if err != nil {
			return fmt.Errorf("query pending extraction batches: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var b ltmemory.ExtractionBatch
			var state string
			if err := rows.Scan(&b.ID, &b.UserID, &b.SegmentID, &b.ProviderRef, &state, &b.SubmittedAt, &b.CompletedAt); err != nil {
				return err
			}
			b.State = ltmemory.BatchState(state)
			extractions = append(extractions, b)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		rows2, err := tx.QueryContext(ctx, `
			SELECT id, user_id, kind, provider_ref, state, items_submitted, items_completed, items_failed,
			       links_created, conflicts_flagged, submitted_at, completed_at
			FROM post_processing_batches
			WHERE state NOT IN ('completed', 'failed', 'expired', 'cancelled')
		`)
		if err != nil {
			return fmt.Errorf("query pending post-processing batches: %w", err)
		}
		defer rows2.Close()
		for rows2.Next() {
			var b ltmemory.PostProcessingBatch
			var kind, state string
			if err := rows2.Scan(&b.ID, &b.UserID, &kind, &b.ProviderRef, &state,
				&b.ItemsSubmitted, &b.ItemsCompleted, &b.ItemsFailed,
				&b.LinksCreated, &b.ConflictsFlagged, &b.SubmittedAt, &b.CompletedAt); err != nil {
				return err
			}
			b.Kind = ltmemory.BatchKind(kind)
			b.State = ltmemory.BatchState(state)
			postProc = append(postProc, b)
		}
		return rows2.Err()
	})
	return extractions, postProc, err
}
