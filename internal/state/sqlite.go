package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStorage is a Storage backed by a single kv table.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One writer at a time; sqlite serialises anyway and this avoids
	// SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sqlite db: %w", err)
	}

	if err := os.Chmod(path, stateFilePerm); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting sqlite db permissions: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Get(key string) ([]byte, error) {
	var value []byte

	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	return value, nil
}

func (s *SQLiteStorage) Set(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	return nil
}

func (s *SQLiteStorage) Remove(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
