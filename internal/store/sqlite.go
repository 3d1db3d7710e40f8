package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
)

// SQLiteStore persists keyed records in a single SQLite table. WAL mode is
// enabled for concurrent readers; each Put/Delete is its own transaction,
// which gives the per-key atomicity the Store contract requires.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.NewValidationError("database path cannot be empty").WithField("dbPath")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.NewStoreError("open database", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.NewStoreError("set WAL mode", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.NewStoreError("migrate", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		key         TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		updated_at  DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records(updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get unmarshals the record at key into out.
func (s *SQLiteStore) Get(key string, out any) (bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM records WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.NewStoreError("query record", err).WithKey(key)
	}

	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, errors.NewStoreError("unmarshal record", err).WithKey(key)
	}
	return true, nil
}

// Put marshals v and upserts it at key.
func (s *SQLiteStore) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.NewStoreError("marshal record", err).WithKey(key)
	}

	_, err = s.db.Exec(`
		INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UTC())
	if err != nil {
		return errors.NewStoreError("upsert record", err).WithKey(key)
	}
	return nil
}

// Delete removes the record at key.
func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM records WHERE key = ?", key); err != nil {
		return errors.NewStoreError("delete record", err).WithKey(key)
	}
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (s *SQLiteStore) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM records WHERE key LIKE ? || '%' ORDER BY key", prefix)
	if err != nil {
		return nil, errors.NewStoreError("query keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.NewStoreError("scan key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreError("iterate keys", err)
	}
	return keys, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
