package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mira-run/mira/internal/ltmemory"
)

// MemoryRepo implements the storage-facing interfaces vectorops.Store,
// search.BM25Leg, search.VectorLeg, linking.Store, linking.CandidateFinder,
// and refinement.Repository over the mira_memory database.
type MemoryRepo struct {
	Pool *PoolManager
	DSN  string
}

func NewMemoryRepo(pool *PoolManager, dsn string) *MemoryRepo {
	return &MemoryRepo{Pool: pool, DSN: dsn}
}

func (r *MemoryRepo) db(ctx context.Context) (*sql.DB, error) {
	return r.Pool.Pool(ctx, "mira_memory", r.DSN)
}

// StoreMemories persists a batch of extracted memories under userID,
// returning their assigned ids in input order.
func (r *MemoryRepo) StoreMemories(ctx context.Context, userID string, memories []ltmemory.ExtractedMemory, embeddings [][]float32) ([]string, error) {
	db, err := r.db(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(memories))
	err = WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		for i, m := range memories {
			id := uuid.NewString()
			ids[i] = id
			var happensAt any
			if m.HappensAt != nil {
				happensAt = *m.HappensAt
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO memories (id, user_id, text, embedding, importance_score, confidence, happens_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, id, userID, m.Text, encodeVector(embeddings[i]), m.ImportanceScore, m.Confidence, happensAt)
			if err != nil {
				return fmt.Errorf("insert memory %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: store memories: %w", err)
	}
	return ids, nil
}

// SearchByEmbedding performs cosine-similarity vector search, filtered by
// importance floor and non-expired status.
func (r *MemoryRepo) SearchByEmbedding(ctx context.Context, userID string, embedding []float32, limit int, similarityThreshold, minImportance float64) ([]ltmemory.Memory, error) {
	return r.SearchVector(ctx, userID, embedding, limit, minImportance)
}

// SearchVector implements search.VectorLeg: cosine similarity through
// pgvector, oversampled by the caller.
func (r *MemoryRepo) SearchVector(ctx context.Context, userID string, queryEmbedding []float32, limit int, minImportance float64) ([]ltmemory.Memory, error) {
	db, err := r.db(ctx)
	if err != nil {
		return nil, err
	}
	var out []ltmemory.Memory
	err = WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, text, embedding, importance_score, confidence, created_at, updated_at,
			       entity_links, inbound_links, outbound_links,
			       1 - (embedding <=> $1::vector) AS similarity
			FROM memories
			WHERE embedding IS NOT NULL
			  AND is_archived = false
			  AND importance_score >= $2
			  AND (expires_at IS NULL OR expires_at > now())
			ORDER BY embedding <=> $1::vector ASC
			LIMIT $3
		`, encodeVector(queryEmbedding), minImportance, limit)
		if err != nil {
			return fmt.Errorf("query vector leg: %w", err)
		}
		defer rows.Close()
		out, err = scanMemories(rows)
		return err
	})
	return out, err
}

// SearchBM25 implements search.BM25Leg: Postgres full-text search over
// memories.search_vector.
func (r *MemoryRepo) SearchBM25(ctx context.Context, userID, queryText string, limit int, minImportance float64) ([]ltmemory.Memory, error) {
	if queryText == "" {
		return nil, nil
	}
	db, err := r.db(ctx)
	if err != nil {
		return nil, err
	}
	var out []ltmemory.Memory
	err = WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, text, embedding, importance_score, confidence, created_at, updated_at,
			       entity_links, inbound_links, outbound_links,
			       ts_rank_cd(search_vector, plainto_tsquery('english', $1)) AS similarity
			FROM memories
			WHERE search_vector @@ plainto_tsquery('english', $1)
			  AND is_archived = false
			  AND importance_score >= $2
			  AND (expires_at IS NULL OR expires_at > now())
			ORDER BY similarity DESC
			LIMIT $3
		`, queryText, minImportance, limit)
		if err != nil {
			return fmt.Errorf("query bm25 leg: %w", err)
		}
		defer rows.Close()
		out, err = scanMemories(rows)
		return err
	})
	return out, err
}

// GetMemory loads a single memory, returning found=false rather than an
// error when the id does not exist for userID.
func (r *MemoryRepo) GetMemory(ctx context.Context, userID, memoryID string) (ltmemory.Memory, bool, error) {
	db, err := r.db(ctx)
	if err != nil {
		return ltmemory.Memory{}, false, err
	}
	var out ltmemory.Memory
	var found bool
	err = WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, text, embedding, importance_score, confidence, created_at, updated_at,
			       entity_links, inbound_links, outbound_links, 0
			FROM memories WHERE id = $1
		`, memoryID)
		if err != nil {
			return err
		}
		defer rows.Close()
		memories, err := scanMemories(rows)
		if err != nil {
			return err
		}
		if len(memories) == 1 {
			out = memories[0]
			found = true
		}
		return nil
	})
	return out, found, err
}

// UpdateMemoryEmbedding overwrites a memory's text and embedding.
func (r *MemoryRepo) UpdateMemoryEmbedding(ctx context.Context, userID, memoryID string, embedding []float32, newText string) error {
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	return WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE memories SET text = $1, embedding = $2, updated_at = now()
			WHERE id = $3
		`, newText, encodeVector(embedding), memoryID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("memory %s not found: %w", memoryID, sql.ErrNoRows)
		}
		return nil
	})
}

// CreateBidirectionalLink persists link on both src and tgt in one
// transaction (invariant 4).
func (r *MemoryRepo) CreateBidirectionalLink(ctx context.Context, userID, srcID, tgtID string, link ltmemory.MemoryLink) error {
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	return WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		outbound := ltmemory.MemoryLink{TargetID: tgtID, Type: link.Type, Confidence: link.Confidence, Reasoning: link.Reasoning, CreatedAt: link.CreatedAt}
		inbound := ltmemory.MemoryLink{TargetID: srcID, Type: link.Type, Confidence: link.Confidence, Reasoning: link.Reasoning, CreatedAt: link.CreatedAt}

		if err := appendLink(ctx, tx, srcID, "outbound_links", outbound); err != nil {
			return fmt.Errorf("append outbound link on %s: %w", srcID, err)
		}
		if err := appendLink(ctx, tx, tgtID, "inbound_links", inbound); err != nil {
			return fmt.Errorf("append inbound link on %s: %w", tgtID, err)
		}
		return nil
	})
}

func appendLink(ctx context.Context, tx *sql.Tx, memoryID, column string, link ltmemory.MemoryLink) error {
	raw, err := json.Marshal(link)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE memories SET %s = %s || $1::jsonb WHERE id = $2
	`, column, column), raw, memoryID)
	return err
}

// RemoveDeadLinks strips dangling target ids from a memory's outbound_links
// array (heal-on-read); inbound_links is left as it is, batched per traversal level by the linking package.
func (r *MemoryRepo) RemoveDeadLinks(ctx context.Context, userID, memoryID string, deadTargetIDs []string) error {
	if len(deadTargetIDs) == 0 {
		return nil
	}
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	return WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE memories
			SET outbound_links = (
				SELECT COALESCE(jsonb_agg(e), '[]'::jsonb)
				FROM jsonb_array_elements(outbound_links) e
				WHERE NOT (e->>'uuid' = ANY($1))
			)
			WHERE id = $2
		`, pqStringArray(deadTargetIDs), memoryID)
		return err
	})
}

// FindSimilar implements linking.CandidateFinder.
func (r *MemoryRepo) FindSimilar(ctx context.Context, userID, memoryID string, similarityThreshold float64) ([]ltmemory.Memory, error) {
	mem, found, err := r.GetMemory(ctx, userID, memoryID)
	if err != nil || !found {
		return nil, err
	}
	return r.SearchVector(ctx, userID, mem.Embedding, 50, 0)
}

// ListCandidates implements refinement.Repository: all non-archived
// memories for the user, for the caller to filter by verbosity/age/access.
func (r *MemoryRepo) ListCandidates(ctx context.Context, userID string) ([]ltmemory.Memory, error) {
	db, err := r.db(ctx)
	if err != nil {
		return nil, err
	}
	var out []ltmemory.Memory
	err = WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, text, embedding, importance_score, confidence, created_at, updated_at,
			       entity_links, inbound_links, outbound_links, 0
			FROM memories WHERE is_archived = false
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanMemories(rows)
		return err
	})
	return out, err
}

// ListUserIDs enumerates every user with at least one stored memory, for
// the cross-user maintenance sweep. Like BatchStore.LoadPendingBatches
// this is a system-level read on the admin connection (the table owner is
// not subject to the RLS policies), deliberately outside WithUserScope.
func (r *MemoryRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	db, err := r.db(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT user_id FROM memories WHERE is_archived = false`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list user ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// IncrementRejectionCount implements refinement.Repository.
func (r *MemoryRepo) IncrementRejectionCount(ctx context.Context, userID, memoryID string) error {
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	return WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE memories SET refinement_rejection_count = refinement_rejection_count + 1 WHERE id = $1`, memoryID)
		return err
	})
}

// ReplaceMemory archives the original memory and inserts its replacements,
// implementing refinement.Repository. It does not delete the original: per
// spec, memories are archived, never deleted, when superseded.
func (r *MemoryRepo) ReplaceMemory(ctx context.Context, userID, memoryID string, replacements []ltmemory.ExtractedMemory) error {
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	return WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE memories SET is_archived = true, archived_at = now() WHERE id = $1`, memoryID)
		if err != nil {
			return fmt.Errorf("archive original memory: %w", err)
		}
		for i, m := range replacements {
			id := uuid.NewString()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO memories (id, user_id, text, importance_score, confidence, is_refined, last_refined_at)
				VALUES ($1, $2, $3, $4, $5, true, now())
			`, id, userID, m.Text, m.ImportanceScore, m.Confidence)
			if err != nil {
				return fmt.Errorf("insert replacement %d: %w", i, err)
			}
		}
		return nil
	})
}

// FindSimilarToMemory implements refinement.Repository, thresholded for
// consolidation clustering rather than generic search.
func (r *MemoryRepo) FindSimilarToMemory(ctx context.Context, userID, memoryID string, threshold float64) ([]ltmemory.Memory, error) {
	mem, found, err := r.GetMemory(ctx, userID, memoryID)
	if err != nil || !found {
		return nil, err
	}
	results, err := r.SearchVector(ctx, userID, mem.Embedding, 50, 0)
	if err != nil {
		return nil, err
	}
	out := results[:0]
	for _, m := range results {
		if m.ID != memoryID && m.SimilarityScore >= threshold {
			out = append(out, m)
		}
	}
	return out, nil
}

func scanMemories(rows *sql.Rows) ([]ltmemory.Memory, error) {
	var out []ltmemory.Memory
	for rows.Next() {
		var m ltmemory.Memory
		var embeddingStr sql.NullString
		var entityLinksRaw, inboundRaw, outboundRaw []byte
		var similarity float64

		if err := rows.Scan(&m.ID, &m.Text, &embeddingStr, &m.ImportanceScore, &m.Confidence,
			&m.CreatedAt, &m.UpdatedAt, &entityLinksRaw, &inboundRaw, &outboundRaw, &similarity); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		if embeddingStr.Valid {
			emb, err := decodeVector(embeddingStr.String)
			if err != nil {
				return nil, err
			}
			m.Embedding = emb
		}
		if len(entityLinksRaw) > 0 {
			_ = json.Unmarshal(entityLinksRaw, &m.EntityLinks)
		}
		if len(inboundRaw) > 0 {
			_ = json.Unmarshal(inboundRaw, &m.InboundLinks)
		}
		if len(outboundRaw) > 0 {
			_ = json.Unmarshal(outboundRaw, &m.OutboundLinks)
		}
		m.SimilarityScore = similarity
		out = append(out, m)
	}
	return out, rows.Err()
}

func pqStringArray(ss []string) any {
	return pq.Array(ss)
}

var _ = time.Now
