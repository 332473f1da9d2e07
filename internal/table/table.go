// Package table defines the table contract the replay service dispatches to,
// together with the item types shared between streams, tables and sample
// responses. MemTable is the in-memory implementation used by the server
// binary; alternative policies only need to satisfy Table.
package table

import (
	"sync/atomic"
	"time"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	"github.com/rzbill/replay/internal/chunkstore"
	"github.com/rzbill/replay/internal/executor"
)

// Item is a sample unit: a priority plus the trajectory of chunks carrying
// its data. Items are shared by reference between the owning table and any
// in-flight sample responses; the reference count keeps the trajectory's
// chunk handles alive until the last holder releases.
type Item struct {
	Key            uint64
	Table          string
	Priority       float64
	InsertedAt     time.Time
	FlatTrajectory []uint64
	Chunks         []*chunkstore.Chunk

	// TimesSampled is owned by the table holding the item.
	TimesSampled int32

	refs atomic.Int64
}

// NewItem constructs an item holding the given chunk handles. The caller owns
// one reference; the chunk handles transfer to the item and are released when
// the last item reference drops.
func NewItem(key uint64, tableName string, priority float64, insertedAt time.Time, trajectory []uint64, chunks []*chunkstore.Chunk) *Item {
	it := &Item{
		Key:            key,
		Table:          tableName,
		Priority:       priority,
		InsertedAt:     insertedAt,
		FlatTrajectory: trajectory,
		Chunks:         chunks,
	}
	it.refs.Store(1)
	return it
}

// Retain adds a reference and returns the item for chaining.
func (it *Item) Retain() *Item {
	it.refs.Add(1)
	return it
}

// Release drops a reference. The last release returns the item's chunk
// handles to the chunk store.
func (it *Item) Release() {
	if it.refs.Add(-1) == 0 {
		for _, c := range it.Chunks {
			c.Release()
		}
		it.Chunks = nil
	}
}

// ByteSize returns the summed payload size of the item's chunks.
func (it *Item) ByteSize() int64 {
	var n int64
	for _, c := range it.Chunks {
		n += c.ByteSize()
	}
	return n
}

// SampledItem is one sampling result. Ref carries a strong item reference
// owned by the receiver.
type SampledItem struct {
	Ref          *Item
	Priority     float64
	TimesSampled int32
	Probability  float64
	TableSize    int64
	RateLimited  bool
}

// SampleBatch is the result of one enqueued sample request. When Err is
// non-nil, Items is empty.
type SampleBatch struct {
	Items []SampledItem
	Err   error
}

// InsertCallback is invoked with the item key once an insert has been
// committed by the table.
type InsertCallback func(key uint64)

// SampleCallback is invoked with the outcome of one sample request. The
// receiver takes ownership of the item references in the batch.
type SampleCallback func(batch *SampleBatch)

// Table is the contract the service dispatches to. Implementations own
// sampling policy, rate limiting and their own worker; completion callbacks
// run on the callback executor installed by the service and must never be
// invoked synchronously from InsertOrAssign or EnqueueSampleRequest.
type Table interface {
	Name() string

	// InsertOrAssign queues an insert (or a priority re-assignment when the
	// key exists) and returns immediately. Ownership of the item reference
	// transfers to the table even on error. canInsert=false signals that the
	// table is saturated and the caller should stop submitting until the
	// completion callback for this item has fired.
	InsertOrAssign(item *Item, completed InsertCallback) (canInsert bool, err error)

	// EnqueueSampleRequest queues a request for a batch of batchSize items.
	// A non-positive timeout means wait forever; on expiry the callback
	// receives a DeadlineExceeded batch.
	EnqueueSampleRequest(batchSize int, done SampleCallback, timeout time.Duration)

	// MutateItems applies priority updates and deletions synchronously.
	MutateItems(updates []replayv1.KeyWithPriority, deleteKeys []uint64) error

	// Reset removes every item.
	Reset() error

	// Restore inserts an item during checkpoint load, bypassing the rate
	// limiter and completion callbacks.
	Restore(item *Item) error

	// Snapshot returns the resident items in insertion order, each with a
	// reference owned by the caller.
	Snapshot() []*Item

	Info() replayv1.TableInfo
	DefaultFlexibleBatchSize() int64
	SetCallbackExecutor(e *executor.TaskExecutor)
	Close()
	DebugString() string
}
