// Package state provides the local durable key/value storage the sync
// engine is built on. Values are opaque byte strings; callers own the
// encoding.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.vibetune-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var kvBucket = []byte("kv")

// Storage is a byte-string key/value store. Get returns nil, nil when the
// key is absent.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Close() error
}

// BoltStorage is the default Storage, backed by a single bbolt bucket.
type BoltStorage struct {
	db *bolt.DB
}

var _ Storage = (*BoltStorage)(nil)

// OpenBolt opens the bbolt database at path, creating it and its parent
// directory if they do not exist.
func OpenBolt(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &BoltStorage{db: db}, nil
}

// Get returns a copy of the value stored under key.
func (s *BoltStorage) Get(key string) ([]byte, error) {
	var out []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(kvBucket).Get([]byte(key))
		if v != nil {
			// bbolt values are only valid for the life of the transaction.
			out = append([]byte{}, v...)
		}

		return nil
	})

	return out, err
}

// Set stores value under key, replacing any previous value.
func (s *BoltStorage) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), value)
	})
}

// Remove deletes key. Removing an absent key is not an error.
func (s *BoltStorage) Remove(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
}

// Close closes the database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// Options selects and configures a Storage implementation.
type Options struct {
	// Driver is "bolt" (default) or "sqlite".
	Driver string
	// Path is the database file. Empty means DefaultPath for the driver.
	Path string
	// Passphrase enables at-rest encryption when non-empty.
	Passphrase string
}

// Open builds the Storage described by opts.
func Open(opts Options) (Storage, error) {
	path := opts.Path
	if path == "" {
		p, err := DefaultPath(opts.Driver)
		if err != nil {
			return nil, err
		}

		path = p
	}

	var (
		base Storage
		err  error
	)

	switch opts.Driver {
	case "", "bolt":
		base, err = OpenBolt(path)
	case "sqlite":
		base, err = OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}

	if err != nil {
		return nil, err
	}

	if opts.Passphrase == "" {
		return base, nil
	}

	sealed, err := NewSealedStorage(base, opts.Passphrase)
	if err != nil {
		base.Close()
		return nil, err
	}

	return sealed, nil
}

// DefaultPath returns ~/.vibetune-sync/state.db, or state.sqlite for the
// sqlite driver.
func DefaultPath(driver string) (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	if dir == "" {
		return "", errors.New("determining home directory: empty")
	}

	name := "state.db"
	if driver == "sqlite" {
		name = "state.sqlite"
	}

	return filepath.Join(dir, ".vibetune-sync", name), nil
}
