package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists key-value pairs in a SQLite database file.
type SQLiteStore struct {
	path string
	conn *sql.DB
}

// createKVTableSQL defines the schema for the key-value table.
const createKVTableSQL = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at TEXT
);
`

// OpenSQLite creates or opens a SQLite database at the given path and
// initializes the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer, so we limit to one connection
	// to prevent "database is locked" errors under concurrent access.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec(createKVTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &SQLiteStore{
		path: path,
		conn: conn,
	}, nil
}

// Get retrieves a value by key. The second return is false when the key is
// absent.
func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.conn.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, true, nil
}

// Update upserts a value, or deletes the key when value is nil.
func (s *SQLiteStore) Update(key string, value []byte) error {
	if value == nil {
		if _, err := s.conn.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
			return fmt.Errorf("failed to delete key %q: %w", key, err)
		}
		return nil
	}

	updatedAt := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT OR REPLACE INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
	`
	if _, err := s.conn.Exec(query, key, value, updatedAt); err != nil {
		return fmt.Errorf("failed to upsert key %q: %w", key, err)
	}
	return nil
}

// Keys returns all stored keys in lexical order.
func (s *SQLiteStore) Keys() ([]string, error) {
	rows, err := s.conn.Query("SELECT key FROM kv ORDER BY key ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return keys, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
