// Package userdata implements the per-user encrypted SQLite store:
// data/users/<user_id>/userdata.db. User scoping is enforced in code (no
// SQLite row-level security): json_insert auto-adds user_id; json_select,
// json_update, and json_delete auto-add a `user_id = ?` filter. Any column
// whose name begins with `encrypted__` is encrypted at rest with a
// deterministic per-user cipher derived from the user id.
package userdata

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

//go:embed schema.sql
var schemaSQL string

const encryptedPrefix = "encrypted__"

// tablesWithTimestamps are auto-stamped with created_at on insert and
// updated_at on both insert and update. created_at is never mutated after
// creation.
var tablesWithTimestamps = map[string]bool{
	"pager_devices":      true,
	"pager_trust":        true,
	"pager_messages":     true,
	"domaindocs":         true,
	"domaindoc_sections": true,
	"domaindoc_versions": true,
	"credentials":        true,
	"reminders":          true,
	"contacts":           true,
	"working_memory":     true,
}

// Row is a loosely typed database row as produced by json_select: string
// keys, decrypted values for any encrypted__-prefixed column.
type Row map[string]any

// Manager owns one lazily-opened persistent SQLite connection for a single
// user. Manager instances are cached per-user by the Registry below;
// check_same_thread is irrelevant in Go, but the connection relies on WAL
// mode for safe concurrent access from multiple goroutines.
type Manager struct {
	userID string
	cipher *Cipher

	mu   sync.Mutex
	db   *sql.DB
	path string
}

// newManager constructs a Manager for userID rooted at baseDir
// (baseDir/<user_id>/userdata.db). The connection is opened lazily on
// first use.
func newManager(baseDir, userID string) *Manager {
	return &Manager{
		userID: userID,
		cipher: NewCipher(userID),
		path:   filepath.Join(baseDir, userID, "userdata.db"),
	}
}

func (m *Manager) open() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db, nil
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return nil, fmt.Errorf("userdata: create user dir: %w", err)
	}

	db, err := sql.Open(driverName, m.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("userdata: open %s: %w", m.path, err)
	}
	db.SetMaxOpenConns(1) // one persistent connection per user

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("userdata: apply schema: %w", err)
	}

	m.db = db
	return db, nil
}

// Close releases the user's persistent connection. Safe to call on an
// unopened Manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

// JSONInsert inserts fields into table, auto-adding user_id (always
// overriding any caller-supplied value, since it must equal the ambient
// user), created_at/updated_at for timestamped tables, and encrypting any
// encrypted__-prefixed value found in fields. The caller's map is never
// mutated.
func (m *Manager) JSONInsert(ctx context.Context, table string, fields Row) error {
	db, err := m.open()
	if err != nil {
		return err
	}

	row := cloneRow(fields)
	row["user_id"] = m.userID
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if tablesWithTimestamps[table] {
		row["created_at"] = now
		row["updated_at"] = now
	}

	if err := m.encryptRow(row); err != nil {
		return err
	}

	cols, placeholders, args := buildInsert(row)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("userdata: insert into %s: %w", table, err)
	}
	return nil
}

// JSONSelect runs a SELECT over table scoped to the ambient user, with
// additional equality filters applied. Every returned row has its
// encrypted__-prefixed columns decrypted.
func (m *Manager) JSONSelect(ctx context.Context, table string, filters Row) ([]Row, error) {
	db, err := m.open()
	if err != nil {
		return nil, err
	}

	where, args := buildWhere(m.userID, filters)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", table, where)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("userdata: select from %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("userdata: columns for %s: %w", table, err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("userdata: scan %s: %w", table, err)
		}
		row := Row{}
		for i, c := range cols {
			row[c] = vals[i]
		}
		if err := m.decryptRow(row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// JSONUpdate updates table rows matching filters (scoped to the ambient
// user) with fields, bumping updated_at for timestamped tables and
// encrypting encrypted__-prefixed values. It returns the number of rows
// affected, which the caller can use to detect a cross-user no-op (e.g. a
// WHERE 1=1 attempt against another user's row updates zero rows, never the
// other user's).
func (m *Manager) JSONUpdate(ctx context.Context, table string, filters, fields Row) (int64, error) {
	db, err := m.open()
	if err != nil {
		return 0, err
	}

	row := cloneRow(fields)
	delete(row, "user_id") // user_id is never mutated via update
	delete(row, "created_at")
	if tablesWithTimestamps[table] {
		row["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := m.encryptRow(row); err != nil {
		return 0, err
	}

	sets, setArgs := buildSet(row)
	where, whereArgs := buildWhere(m.userID, filters)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, sets, where)
	res, err := db.ExecContext(ctx, query, append(setArgs, whereArgs...)...)
	if err != nil {
		return 0, fmt.Errorf("userdata: update %s: %w", table, err)
	}
	return res.RowsAffected()
}

// JSONDelete deletes rows from table matching filters, scoped to the
// ambient user, returning the number of rows removed.
func (m *Manager) JSONDelete(ctx context.Context, table string, filters Row) (int64, error) {
	db, err := m.open()
	if err != nil {
		return 0, err
	}
	where, args := buildWhere(m.userID, filters)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, where)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("userdata: delete from %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (m *Manager) encryptRow(row Row) error {
	for k, v := range row {
		if !strings.HasPrefix(k, encryptedPrefix) {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		enc, err := m.cipher.Encrypt(s)
		if err != nil {
			return fmt.Errorf("userdata: encrypt %s: %w", k, err)
		}
		row[k] = string(enc)
	}
	return nil
}

func (m *Manager) decryptRow(row Row) error {
	for k, v := range row {
		if !strings.HasPrefix(k, encryptedPrefix) {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		row[k] = m.cipher.DecryptWithPlaintextFallback(s)
	}
	return nil
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func buildInsert(row Row) (cols, placeholders []string, args []any) {
	keys := sortedKeys(row)
	for _, k := range keys {
		cols = append(cols, k)
		placeholders = append(placeholders, "?")
		args = append(args, row[k])
	}
	return
}

func buildSet(row Row) (string, []any) {
	keys := sortedKeys(row)
	var parts []string
	var args []any
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s = ?", k))
		args = append(args, row[k])
	}
	return strings.Join(parts, ", "), args
}

func buildWhere(userID string, filters Row) (string, []any) {
	parts := []string{"user_id = ?"}
	args := []any{userID}
	for _, k := range sortedKeys(filters) {
		parts = append(parts, fmt.Sprintf("%s = ?", k))
		args = append(args, filters[k])
	}
	return strings.Join(parts, " AND "), args
}

func sortedKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Registry caches one Manager per user, matching the reference
// implementation's module-level UserDataManager cache, made an explicit
// process-wide object constructed once at startup rather than a global.
type Registry struct {
	baseDir string

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry constructs a Registry rooted at baseDir (typically
// "data/users").
func NewRegistry(baseDir string) *Registry {
	return &Registry{baseDir: baseDir, managers: make(map[string]*Manager)}
}

// For returns the cached Manager for userID, creating one on first use.
func (r *Registry) For(userID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[userID]; ok {
		return m
	}
	m := newManager(r.baseDir, userID)
	r.managers[userID] = m
	return m
}

// CloseUser closes and evicts the cached Manager for userID, if any. This
// is the handler wired to segment-collapse events, so a user's SQLite
// connection does not sit open between conversations.
func (r *Registry) CloseUser(userID string) error {
	r.mu.Lock()
	m, ok := r.managers[userID]
	if ok {
		delete(r.managers, userID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return m.Close()
}

// CloseAll closes every cached Manager. Intended for graceful shutdown and
// test teardown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	var firstErr error
	for _, m := range managers {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
