// Package pebblestore wraps a Pebble database with the small surface the
// checkpointer needs: synced batch commits, point reads and range scans.
package pebblestore

import (
	"errors"

	"github.com/cockroachdb/pebble"
)

// Options configures the store.
type Options struct {
	// Path is the database directory.
	Path string
	// Sync forces a WAL fsync on each committed batch. Checkpoint writers
	// set it; read-only loads do not care.
	Sync bool
}

// DB wraps a Pebble instance.
type DB struct {
	inner *pebble.DB
	sync  bool
}

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = pebble.ErrNotFound

// Open creates or opens a database at opts.Path.
func Open(opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, errors.New("pebble: Options.Path is required")
	}
	inner, err := pebble.Open(opts.Path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &DB{inner: inner, sync: opts.Sync}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// NewBatch creates a batch for atomic multi-key writes.
func (db *DB) NewBatch() *pebble.Batch { return db.inner.NewBatch() }

// CommitBatch commits a batch under the configured sync policy.
func (db *DB) CommitBatch(b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebble: nil batch")
	}
	mode := pebble.NoSync
	if db.sync {
		mode = pebble.Sync
	}
	return b.Commit(mode)
}

// Set writes one key respecting the sync policy.
func (db *DB) Set(key, value []byte) error {
	b := db.inner.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	return db.CommitBatch(b)
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), val...), nil
}

// NewIter creates an iterator with the provided options.
func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return db.inner.NewIter(opts)
}
