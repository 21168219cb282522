// Package postgres implements the per-user Postgres storage layer: shared
// connection pools, RLS session-variable scoping, and repositories for
// continuums, messages, memories, and entities.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PoolConfig configures a shared connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig returns conservative pool sizing defaults suitable for a
// single service instance talking to a managed Postgres cluster.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PoolManager hands out one shared *sql.DB per database name, lazily
// initialized, matching the "one pool per database" sharing rule.
type PoolManager struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
	cfg   PoolConfig
}

// NewPoolManager constructs an empty pool manager.
func NewPoolManager(cfg PoolConfig) *PoolManager {
	return &PoolManager{pools: make(map[string]*sql.DB), cfg: cfg}
}

// Pool returns the shared pool for dbName, opening it on first use; only
// the mira_memory pool is migrated at that point.
func (m *PoolManager) Pool(ctx context.Context, dbName, dsn string) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.pools[dbName]; ok {
		return db, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open %s: %w", dbName, err)
	}
	db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	db.SetMaxIdleConns(m.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(m.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(m.cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping %s: %w", dbName, err)
	}

	if dbName == "mira_memory" {
		if err := runMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres: migrate %s: %w", dbName, err)
		}
	}

	m.pools[dbName] = db
	return db, nil
}

// InjectPool registers an already-open pool under dbName, bypassing the
// open/ping/migrate path. Test helper: lets repository tests run against
// sqlmock instead of a live server.
func (m *PoolManager) InjectPool(dbName string, db *sql.DB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[dbName] = db
}

// ResetAll closes every pool. Intended for cross-database test helpers.
func (m *PoolManager) ResetAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, db := range m.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("postgres: close %s: %w", name, err)
		}
	}
	m.pools = make(map[string]*sql.DB)
	return firstErr
}

// WithUserScope runs fn inside a transaction with app.current_user_id set
// to userID for the duration of the call (or cleared, if userID is empty),
// so RLS policies can enforce per-user visibility. The transaction commits
// on a nil return and rolls back otherwise.
func WithUserScope(ctx context.Context, db *sql.DB, userID string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}

	if userID != "" {
		if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_user_id', $1, true)`, userID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("postgres: set app.current_user_id: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_user_id', '', true)`); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("postgres: clear app.current_user_id: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

type migration struct {
	id  string
	sql string
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return fmt.Errorf("applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, m.id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.id, err)
		}
	}
	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, migration{id: e.Name(), sql: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, for callers that retry a find-or-create as an update on
// conflict.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate")
}

var errNoRows = sql.ErrNoRows

// IsNotFound reports whether err is sql.ErrNoRows, possibly wrapped.
func IsNotFound(err error) bool {
	return errors.Is(err, errNoRows)
}
