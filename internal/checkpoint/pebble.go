package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"

	"github.com/rzbill/replay/internal/chunkstore"
	pebblestore "github.com/rzbill/replay/internal/storage/pebble"
	"github.com/rzbill/replay/internal/table"
	"github.com/rzbill/replay/pkg/id"
	logpkg "github.com/rzbill/replay/pkg/log"
)

const (
	chunkPrefix = "chunk/"
	itemPrefix  = "item/"
	metaPrefix  = "meta/table/"

	currentMarker = "CURRENT"
	dirPrefix     = "cp-"
)

// PebbleCheckpointer stores each checkpoint as a pebble database under its
// own directory, named by a sortable id. A CURRENT marker at the root points
// at the newest complete checkpoint; chunk records carry an xxhash digest
// verified on load.
type PebbleCheckpointer struct {
	root     string
	fallback string
	gen      *id.Generator
	logger   logpkg.Logger
}

// NewPebble creates a checkpointer rooted at dir. fallback optionally names
// another checkpoint directory to seed from when the root is empty.
func NewPebble(dir, fallback string, logger logpkg.Logger) *PebbleCheckpointer {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &PebbleCheckpointer{
		root:     dir,
		fallback: fallback,
		gen:      id.NewGenerator(),
		logger:   logger.With(logpkg.Component("checkpoint")),
	}
}

// Save implements Checkpointer.
func (c *PebbleCheckpointer) Save(tables []table.Table, keep int) (string, error) {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: creating root: %w", err)
	}
	dir := filepath.Join(c.root, dirPrefix+c.gen.Next().String())
	db, err := pebblestore.Open(pebblestore.Options{Path: dir, Sync: true})
	if err != nil {
		return "", fmt.Errorf("checkpoint: opening %s: %w", dir, err)
	}

	written := make(map[uint64]struct{})
	for _, tbl := range tables {
		items := tbl.Snapshot()
		batch := db.NewBatch()
		for seq, it := range items {
			if err := batch.Set(itemKey(tbl.Name(), uint64(seq)), encodeItem(it), nil); err != nil {
				releaseAll(items)
				_ = db.Close()
				return "", err
			}
			for _, chunk := range it.Chunks {
				if _, ok := written[chunk.Key()]; ok {
					continue
				}
				written[chunk.Key()] = struct{}{}
				if err := batch.Set(chunkKey(chunk.Key()), encodeChunk(chunk.Data()), nil); err != nil {
					releaseAll(items)
					_ = db.Close()
					return "", err
				}
			}
		}
		if err := batch.Set(metaKey(tbl.Name()), u64Bytes(uint64(len(items))), nil); err != nil {
			releaseAll(items)
			_ = db.Close()
			return "", err
		}
		count := len(items)
		releaseAll(items)
		if err := db.CommitBatch(batch); err != nil {
			_ = db.Close()
			return "", fmt.Errorf("checkpoint: committing %s: %w", tbl.Name(), err)
		}
		c.logger.Debug("checkpointed table",
			logpkg.Str("table", tbl.Name()), logpkg.Int("items", count))
	}
	if err := db.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: closing %s: %w", dir, err)
	}

	if err := c.writeCurrent(filepath.Base(dir)); err != nil {
		return "", err
	}
	c.prune(keep, filepath.Base(dir))
	c.logger.Info("checkpoint saved", logpkg.Str("path", dir))
	return dir, nil
}

// LoadLatest implements Checkpointer.
func (c *PebbleCheckpointer) LoadLatest(store *chunkstore.Store, tables []table.Table) error {
	name, err := os.ReadFile(filepath.Join(c.root, currentMarker))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w under %s", ErrNoCheckpoint, c.root)
		}
		return fmt.Errorf("checkpoint: reading CURRENT: %w", err)
	}
	dir := filepath.Join(c.root, strings.TrimSpace(string(name)))
	return c.loadFrom(dir, store, tables)
}

// LoadFallback implements Checkpointer.
func (c *PebbleCheckpointer) LoadFallback(store *chunkstore.Store, tables []table.Table) error {
	if c.fallback == "" {
		return fmt.Errorf("%w: no fallback configured", ErrNoCheckpoint)
	}
	if _, err := os.Stat(c.fallback); os.IsNotExist(err) {
		return fmt.Errorf("%w at %s", ErrNoCheckpoint, c.fallback)
	}
	return c.loadFrom(c.fallback, store, tables)
}

// DebugString implements Checkpointer.
func (c *PebbleCheckpointer) DebugString() string {
	return fmt.Sprintf("PebbleCheckpointer(root=%s, fallback=%s)", c.root, c.fallback)
}

func (c *PebbleCheckpointer) loadFrom(dir string, store *chunkstore.Store, tables []table.Table) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w at %s", ErrNoCheckpoint, dir)
	}
	db, err := pebblestore.Open(pebblestore.Options{Path: dir})
	if err != nil {
		return fmt.Errorf("checkpoint: opening %s: %w", dir, err)
	}
	defer func() { _ = db.Close() }()

	byName := make(map[string]table.Table, len(tables))
	for _, tbl := range tables {
		byName[tbl.Name()] = tbl
	}

	// Chunks first so item trajectories resolve. The handles in loaded keep
	// orphaned chunks alive only for the duration of the load.
	loaded := make(map[uint64]*chunkstore.Chunk)
	defer func() {
		for _, chunk := range loaded {
			chunk.Release()
		}
	}()
	it, err := db.NewIter(prefixBounds(chunkPrefix))
	if err != nil {
		return err
	}
	for ok := it.First(); ok; ok = it.Next() {
		key := binary.BigEndian.Uint64(it.Key()[len(chunkPrefix):])
		data, err := decodeChunk(it.Value())
		if err != nil {
			_ = it.Close()
			return fmt.Errorf("checkpoint: chunk %d: %w", key, err)
		}
		loaded[key] = store.Insert(key, data)
	}
	if err := it.Close(); err != nil {
		return err
	}

	items, err := db.NewIter(prefixBounds(itemPrefix))
	if err != nil {
		return err
	}
	defer func() { _ = items.Close() }()
	restored := 0
	for ok := items.First(); ok; ok = items.Next() {
		tableName, err := tableOfItemKey(items.Key())
		if err != nil {
			return err
		}
		tbl, ok := byName[tableName]
		if !ok {
			c.logger.Warn("checkpoint names unknown table, skipping",
				logpkg.Str("table", tableName))
			continue
		}
		item, err := decodeItem(tableName, items.Value(), loaded)
		if err != nil {
			return fmt.Errorf("checkpoint: table %s: %w", tableName, err)
		}
		if err := tbl.Restore(item); err != nil {
			return err
		}
		restored++
	}
	c.logger.Info("checkpoint loaded",
		logpkg.Str("path", dir), logpkg.Int("items", restored))
	return nil
}

func (c *PebbleCheckpointer) writeCurrent(name string) error {
	tmp := filepath.Join(c.root, currentMarker+".tmp")
	if err := os.WriteFile(tmp, []byte(name+"\n"), 0o644); err != nil {
		return fmt.Errorf("checkpoint: writing CURRENT: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(c.root, currentMarker)); err != nil {
		return fmt.Errorf("checkpoint: publishing CURRENT: %w", err)
	}
	return nil
}

// prune removes all but the newest keep checkpoint directories, never the
// one just written.
func (c *PebbleCheckpointer) prune(keep int, justWritten string) {
	if keep < 1 {
		keep = 1
	}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), dirPrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > keep {
		victim := names[0]
		names = names[1:]
		if victim == justWritten {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.root, victim)); err != nil {
			c.logger.Warn("pruning old checkpoint failed",
				logpkg.Str("dir", victim), logpkg.Err(err))
		}
	}
}

func chunkKey(key uint64) []byte {
	out := make([]byte, len(chunkPrefix)+8)
	copy(out, chunkPrefix)
	binary.BigEndian.PutUint64(out[len(chunkPrefix):], key)
	return out
}

func itemKey(tableName string, seq uint64) []byte {
	out := make([]byte, 0, len(itemPrefix)+len(tableName)+1+8)
	out = append(out, itemPrefix...)
	out = append(out, tableName...)
	out = append(out, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(out, buf[:]...)
}

func tableOfItemKey(key []byte) (string, error) {
	rest := key[len(itemPrefix):]
	if len(rest) < 9 {
		return "", fmt.Errorf("checkpoint: malformed item key %q", key)
	}
	return string(rest[:len(rest)-9]), nil
}

func metaKey(tableName string) []byte {
	return []byte(metaPrefix + tableName)
}

func prefixBounds(prefix string) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: append([]byte(prefix[:len(prefix)-1]), prefix[len(prefix)-1]+1),
	}
}

func encodeChunk(data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(out[:8], xxhash.Sum64(data))
	copy(out[8:], data)
	return out
}

func decodeChunk(value []byte) ([]byte, error) {
	if len(value) < 8 {
		return nil, fmt.Errorf("record too short")
	}
	want := binary.BigEndian.Uint64(value[:8])
	data := append([]byte(nil), value[8:]...)
	if got := xxhash.Sum64(data); got != want {
		return nil, fmt.Errorf("digest mismatch: %x != %x", got, want)
	}
	return data, nil
}

func encodeItem(it *table.Item) []byte {
	out := make([]byte, 0, 8+8+8+4+4+8*len(it.FlatTrajectory))
	out = appendU64(out, it.Key)
	out = appendU64(out, math.Float64bits(it.Priority))
	out = appendU64(out, uint64(it.InsertedAt.UnixNano()))
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(it.TimesSampled))
	out = append(out, buf[:]...)
	binary.BigEndian.PutUint32(buf[:], uint32(len(it.FlatTrajectory)))
	out = append(out, buf[:]...)
	for _, key := range it.FlatTrajectory {
		out = appendU64(out, key)
	}
	return out
}

func decodeItem(tableName string, value []byte, loaded map[uint64]*chunkstore.Chunk) (*table.Item, error) {
	if len(value) < 32 {
		return nil, fmt.Errorf("item record too short")
	}
	key := binary.BigEndian.Uint64(value[0:8])
	priority := math.Float64frombits(binary.BigEndian.Uint64(value[8:16]))
	insertedAt := time.Unix(0, int64(binary.BigEndian.Uint64(value[16:24])))
	timesSampled := int32(binary.BigEndian.Uint32(value[24:28]))
	n := int(binary.BigEndian.Uint32(value[28:32]))
	if len(value) != 32+8*n {
		return nil, fmt.Errorf("item record trajectory truncated")
	}
	trajectory := make([]uint64, n)
	refs := make([]*chunkstore.Chunk, 0, n)
	for i := 0; i < n; i++ {
		ck := binary.BigEndian.Uint64(value[32+8*i:])
		trajectory[i] = ck
		chunk, ok := loaded[ck]
		if !ok {
			for _, held := range refs {
				held.Release()
			}
			return nil, fmt.Errorf("item %d references missing chunk %d", key, ck)
		}
		refs = append(refs, chunk.Retain())
	}
	item := table.NewItem(key, tableName, priority, insertedAt, trajectory, refs)
	item.TimesSampled = timesSampled
	return item, nil
}

func appendU64(out []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(out, buf[:]...)
}

func u64Bytes(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func releaseAll(items []*table.Item) {
	for _, it := range items {
		it.Release()
	}
}
