package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mira-run/mira/internal/mira"
)

// SegmentStore adapts MessageRepo to continuum.SegmentStore: loading a
// segment's non-sentinel messages for summarization and atomically
// persisting the collapsed sentinel plus its embedding.
type SegmentStore struct {
	Messages *MessageRepo
}

// NewSegmentStore builds a SegmentStore over an existing MessageRepo.
func NewSegmentStore(messages *MessageRepo) *SegmentStore {
	return &SegmentStore{Messages: messages}
}

// LoadSegmentMessages returns segmentID's non-sentinel, non-notification
// messages in chronological order. Scoped by userID only (not continuum
// id) since segment ids are generated as UUIDs and the sentinel boundary
// message, not the continuum, is the unit callers key off of (spec.md
// §4.1 step 1: "notifications are excluded from the summarization input").
func (s *SegmentStore) LoadSegmentMessages(ctx context.Context, userID, segmentID string) ([]mira.Message, error) {
	db, err := s.Messages.Pool.Pool(ctx, "mira_service", s.Messages.DSN)
	if err != nil {
		return nil, err
	}

	var out []mira.Message
	err = WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, continuum_id, role, content, metadata, created_at
			FROM messages
			WHERE user_id = $1
			  AND metadata->>'segment_id' = $2
			  AND COALESCE((metadata->>'is_segment_boundary')::boolean, false) = false
			  AND COALESCE((metadata->>'is_notification')::boolean, false) = false
			ORDER BY created_at ASC
		`, userID, segmentID)
		if err != nil {
			return fmt.Errorf("postgres: query segment messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var row mira.DBRow
			var roleStr string
			var metadataRaw []byte
			if err := rows.Scan(&row.ID, &row.ContinuumID, &roleStr, &row.Content, &metadataRaw, &row.CreatedAt); err != nil {
				return fmt.Errorf("postgres: scan segment message: %w", err)
			}
			row.Role = mira.Role(roleStr)
			row.MetadataRaw = metadataRaw
			row.UserID = userID

			msg, err := mira.FromDBRow(row)
			if err != nil {
				return fmt.Errorf("postgres: decode segment message %s: %w", row.ID, err)
			}
			out = append(out, msg)
		}
		return rows.Err()
	})
	return out, err
}

// PersistCollapsedSentinel writes the collapsed sentinel's content,
// metadata, and embedding in one statement, matching invariant 3's
// requirement that a collapsed sentinel's synopsis and embedding land
// together or not at all.
func (s *SegmentStore) PersistCollapsedSentinel(ctx context.Context, userID string, sentinel mira.Sentinel, embedding []float32) error {
	metadataRaw, err := json.Marshal(sentinel.Message.Metadata())
	if err != nil {
		return fmt.Errorf("postgres: marshal sentinel metadata: %w", err)
	}
	return s.Messages.UpdateSentinelContent(ctx, userID, sentinel.Message.ID(), sentinel.Message.Content(), metadataRaw, embedding)
}
