// Package chunkstore implements the content-addressed chunk registry shared
// by insert streams, tables and in-flight sample responses.
//
// The registry itself is non-owning: a chunk stays resident only while at
// least one strong handle to it exists. Insert streams hold strong handles
// for chunks referenced by not-yet-submitted items; table items hold strong
// handles for the chunks of their trajectory. When the last holder releases,
// the chunk drops out of the registry.
package chunkstore

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Key addresses a chunk.
type Key = uint64

// Chunk is an immutable payload plus the reference count that keeps it
// registered. Callers must treat Data as read-only.
type Chunk struct {
	key   Key
	data  []byte
	refs  atomic.Int64
	store *Store
}

// Key returns the chunk's address.
func (c *Chunk) Key() Key { return c.key }

// Data returns the payload. The returned slice aliases the chunk's storage.
func (c *Chunk) Data() []byte { return c.data }

// ByteSize returns the payload length.
func (c *Chunk) ByteSize() int64 { return int64(len(c.data)) }

// Retain adds a strong reference and returns the chunk for chaining.
func (c *Chunk) Retain() *Chunk {
	c.refs.Add(1)
	return c
}

// tryRetain increments the count only if the chunk is still live.
func (c *Chunk) tryRetain() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a strong reference. When the last reference is dropped the
// chunk is removed from its registry.
func (c *Chunk) Release() {
	if c.refs.Add(-1) == 0 {
		c.store.drop(c)
	}
}

// Store is the weak registry. Safe for concurrent use.
type Store struct {
	chunks *xsync.MapOf[Key, *Chunk]
}

// New creates an empty Store.
func New() *Store {
	return &Store{chunks: xsync.NewMapOf[Key, *Chunk]()}
}

// Insert registers data under key and returns a strong handle. If a live
// chunk already exists under the key, a handle to the existing chunk is
// returned and data is ignored; chunk payloads are immutable so first-wins.
func (s *Store) Insert(key Key, data []byte) *Chunk {
	for {
		fresh := &Chunk{key: key, data: data, store: s}
		fresh.refs.Store(1)
		cur, loaded := s.chunks.LoadOrStore(key, fresh)
		if !loaded {
			return fresh
		}
		if cur.tryRetain() {
			return cur
		}
		// The resident chunk lost its last reference concurrently; retry
		// after evicting the dead entry. Deleting an absent entry is a no-op.
		s.chunks.Compute(key, func(old *Chunk, ok bool) (*Chunk, bool) {
			return old, !ok || old == cur
		})
	}
}

// Get returns a strong handle for the live chunk under key, or nil.
func (s *Store) Get(key Key) *Chunk {
	c, ok := s.chunks.Load(key)
	if !ok || !c.tryRetain() {
		return nil
	}
	return c
}

// Len reports the number of registered chunks, including entries whose last
// reference is concurrently being dropped.
func (s *Store) Len() int { return s.chunks.Size() }

func (s *Store) drop(c *Chunk) {
	s.chunks.Compute(c.key, func(old *Chunk, ok bool) (*Chunk, bool) {
		// Only delete our own entry; key may have been re-inserted.
		return old, !ok || old == c
	})
}
