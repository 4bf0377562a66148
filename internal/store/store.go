// Package store provides the sqlite persistence layer for the sync engine.
//
// The database runs embedded with WAL mode for concurrent reads during
// writes. All synced tables carry the engine's sync columns:
//
//   - owner_id:   current owner, NULL when unowned
//   - updated_at: bumped on every mutation, the cursor the delta queries scan
//   - deleted_at: tombstone, set once and never cleared
//
// Timestamps are stored as fixed-width UTC text (record.TimestampLayout) so
// that SQL string comparison against a cursor matches chronological order.
//
// Ownership transfers go through SetContactOwner / SetTaskOwner, which update
// the row and append the reassignment audit entry in a single transaction. An
// audit append failure aborts the ownership change.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ostapchuk/crmsync/internal/record"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite connection with sync-engine queries.
type Store struct {
	conn *sql.DB
	path string

	// now is the clock used for server-assigned timestamps.
	now func() time.Time
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before use.
// The caller MUST call Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
		now:  time.Now,
	}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other packages that expect *sql.DB.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// SetClock overrides the timestamp source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		full_name TEXT NOT NULL,
		owner_id TEXT,
		birth_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS contact_phones (
		id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL,
		phone_number TEXT NOT NULL,
		FOREIGN KEY (contact_id) REFERENCES contacts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		contact_id TEXT,
		owner_id TEXT,
		due_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	-- Append-only ownership audit trail. Rows are never updated or deleted.
	CREATE TABLE IF NOT EXISTS reassignments (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		old_owner_id TEXT,
		new_owner_id TEXT,
		reassigned_at TEXT NOT NULL
	);

	-- Indexes for cursor scans and room routing
	CREATE INDEX IF NOT EXISTS idx_contacts_updated ON contacts(updated_at);
	CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner_id);
	CREATE INDEX IF NOT EXISTS idx_phones_contact ON contact_phones(contact_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_contact ON tasks(contact_id);
	CREATE INDEX IF NOT EXISTS idx_reassignments_old_owner
	    ON reassignments(entity_type, old_owner_id, reassigned_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// entityTables maps synced entity kinds to their table names. Queries that
// take an entity type only ever interpolate values from this map.
var entityTables = map[string]string{
	record.EntityContact: "contacts",
	record.EntityTask:    "tasks",
}

// entityTable resolves an entity kind to its table name.
func entityTable(entityType string) (string, error) {
	table, ok := entityTables[entityType]
	if !ok {
		return "", fmt.Errorf("unknown entity type: %q", entityType)
	}
	return table, nil
}

// MaxUpdatedAt returns the largest updated_at over the entire table for the
// entity type, unscoped and including tombstones. Returns nil when the table
// is empty. This is the value the delta queries hand back as the new cursor.
func (s *Store) MaxUpdatedAt(ctx context.Context, entityType string) (*time.Time, error) {
	table, err := entityTable(entityType)
	if err != nil {
		return nil, err
	}

	var max sql.NullString
	query := fmt.Sprintf("SELECT MAX(updated_at) FROM %s", table)
	if err := s.conn.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return nil, fmt.Errorf("failed to query max updated_at: %w", err)
	}
	if !max.Valid {
		return nil, nil
	}

	t, err := record.ParseTimestamp(max.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse max updated_at: %w", err)
	}
	return &t, nil
}

// ownerScope returns the WHERE fragment and args restricting a query to the
// principal's visible scope. The role set is closed; an unknown role is an
// error rather than an empty scope.
func ownerScope(p record.Principal) (string, []any, error) {
	switch p.Role {
	case record.RoleAdmin:
		return "", nil, nil
	case record.RoleOwner:
		return "owner_id = ?", []any{p.ID}, nil
	default:
		return "", nil, fmt.Errorf("unknown role: %q", p.Role)
	}
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: record.FormatTimestamp(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := record.ParseTimestamp(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString converts a string pointer to a nullable SQL string.
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *s, Valid: true}
}

// stringPtr converts a nullable SQL string to a string pointer.
func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
