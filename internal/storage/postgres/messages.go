package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mira-run/mira/internal/mira"
)

// MessageRepo persists Continuum messages, scoped per-user via
// WithUserScope. Injection of user_id/created_at on insert follows the
// auto-injection rule: user_id is always injected from the ambient scope,
// created_at is taken from the message itself (messages carry their own
// timestamp; they are not a table that defers to the database clock).
type MessageRepo struct {
	Pool *PoolManager
	DSN  string
}

// NewMessageRepo constructs a MessageRepo bound to the mira_service
// database.
func NewMessageRepo(pool *PoolManager, dsn string) *MessageRepo {
	return &MessageRepo{Pool: pool, DSN: dsn}
}

// Append inserts a single message using the exact column order
// Message.ToDBRow fixes: (id, continuum_id, user_id, role, content,
// metadata_json, created_at).
func (r *MessageRepo) Append(ctx context.Context, continuumID, userID string, msg mira.Message) error {
	db, err := r.Pool.Pool(ctx, "mira_service", r.DSN)
	if err != nil {
		return err
	}
	row, err := msg.ToDBRow(continuumID, userID)
	if err != nil {
		return fmt.Errorf("postgres: build message row: %w", err)
	}
	return WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, continuum_id, user_id, role, content, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, row.ID, row.ContinuumID, row.UserID, string(row.Role), row.Content, []byte(row.MetadataRaw), row.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert message: %w", err)
		}
		return nil
	})
}

// ListForContinuum returns a continuum's messages in chronological order,
// scoped to userID.
func (r *MessageRepo) ListForContinuum(ctx context.Context, continuumID, userID string) ([]mira.Message, error) {
	db, err := r.Pool.Pool(ctx, "mira_service", r.DSN)
	if err != nil {
		return nil, err
	}

	var out []mira.Message
	err = WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, role, content, metadata, created_at
			FROM messages
			WHERE continuum_id = $1
			ORDER BY created_at ASC
		`, continuumID)
		if err != nil {
			return fmt.Errorf("postgres: query messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var row mira.DBRow
			var roleStr string
			var metadataRaw []byte
			if err := rows.Scan(&row.ID, &roleStr, &row.Content, &metadataRaw, &row.CreatedAt); err != nil {
				return fmt.Errorf("postgres: scan message: %w", err)
			}
			row.Role = mira.Role(roleStr)
			row.MetadataRaw = metadataRaw
			row.ContinuumID = continuumID
			row.UserID = userID

			msg, err := mira.FromDBRow(row)
			if err != nil {
				return fmt.Errorf("postgres: decode message %s: %w", row.ID, err)
			}
			out = append(out, msg)
		}
		return rows.Err()
	})
	return out, err
}

// UpdateSentinelContent overwrites a collapsed sentinel's content and
// metadata and stores its 768-d segment embedding, atomically (invariant 3:
// segment sentinel embeddings must be exactly 768 components; enforced at
// the caller per the ltmemory.EmbeddingDimension constant).
func (r *MessageRepo) UpdateSentinelContent(ctx context.Context, userID, messageID, content string, metadataRaw []byte, embedding []float32) error {
	db, err := r.Pool.Pool(ctx, "mira_service", r.DSN)
	if err != nil {
		return err
	}
	return WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET content = $1, metadata = $2, segment_embedding = $3
			WHERE id = $4
		`, content, metadataRaw, encodeVector(embedding), messageID)
		if err != nil {
			return fmt.Errorf("postgres: update sentinel: %w", err)
		}
		return nil
	})
}
