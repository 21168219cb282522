package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mira-run/mira/internal/ltmemory"
)

// EntityRepo implements the entity-priming storage surface over the
// mira_memory entities table: exact-name lookup (idx_entities_user_name_lower)
// and the top-by-link-count fuzzy candidate pool
// (idx_entities_user_link_count), plus the upsert the extraction pipeline
// uses to keep the table populated.
type EntityRepo struct {
	Pool *PoolManager
	DSN  string
}

func NewEntityRepo(pool *PoolManager, dsn string) *EntityRepo {
	return &EntityRepo{Pool: pool, DSN: dsn}
}

func (r *EntityRepo) db(ctx context.Context) (*sql.DB, error) {
	return r.Pool.Pool(ctx, "mira_memory", r.DSN)
}

const entityColumns = `id, name, entity_type, link_count, last_linked_at, is_archived`

// ExactMatch returns the user's non-archived entities whose name matches
// any of names, case-insensitively.
func (r *EntityRepo) ExactMatch(ctx context.Context, userID string, names []string) ([]ltmemory.Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}

	db, err := r.db(ctx)
	if err != nil {
		return nil, err
	}
	var out []ltmemory.Entity
	err = WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+entityColumns+`
			FROM entities
			WHERE is_archived = false AND lower(name) = ANY($1)
		`, pq.Array(lowered))
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanEntities(rows, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: exact-match entities: %w", err)
	}
	return out, nil
}

// TopByLinkCount returns up to n of the user's non-archived entities
// ordered by link_count descending, the candidate pool for fuzzy matching.
func (r *EntityRepo) TopByLinkCount(ctx context.Context, userID string, n int) ([]ltmemory.Entity, error) {
	if n <= 0 {
		n = 100
	}
	db, err := r.db(ctx)
	if err != nil {
		return nil, err
	}
	var out []ltmemory.Entity
	err = WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+entityColumns+`
			FROM entities
			WHERE is_archived = false
			ORDER BY link_count DESC
			LIMIT $1
		`, n)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanEntities(rows, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: top entities by link count: %w", err)
	}
	return out, nil
}

// Upsert records an entity mention: inserts the entity if the user has no
// entity of that name yet, otherwise bumps link_count and last_linked_at on
// the existing row. Returns the entity's id either way.
func (r *EntityRepo) Upsert(ctx context.Context, userID, name string, entityType ltmemory.EntityType, linkedAt time.Time) (string, error) {
	db, err := r.db(ctx)
	if err != nil {
		return "", err
	}
	var id string
	err = WithUserScope(ctx, db, userID, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM entities WHERE lower(name) = lower($1) AND is_archived = false
		`, name).Scan(&id)
		if err == nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE entities SET link_count = link_count + 1, last_linked_at = $2 WHERE id = $1
			`, id, linkedAt)
			return err
		}
		if err != sql.ErrNoRows {
			return err
		}
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (id, user_id, name, entity_type, link_count, last_linked_at)
			VALUES ($1, $2, $3, $4, 1, $5)
		`, id, userID, name, string(entityType), linkedAt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("postgres: upsert entity %q: %w", name, err)
	}
	return id, nil
}

func scanEntities(rows *sql.Rows, userID string) ([]ltmemory.Entity, error) {
	var out []ltmemory.Entity
	for rows.Next() {
		var e ltmemory.Entity
		var entityType string
		var lastLinked sql.NullTime
		if err := rows.Scan(&e.ID, &e.Name, &entityType, &e.LinkCount, &lastLinked, &e.IsArchived); err != nil {
			return nil, err
		}
		e.UserID = userID
		e.Type = ltmemory.EntityType(entityType)
		if lastLinked.Valid {
			t := lastLinked.Time
			e.LastLinkedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
