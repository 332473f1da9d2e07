package table

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	"github.com/rzbill/replay/internal/chunkstore"
	"github.com/rzbill/replay/internal/executor"
	logpkg "github.com/rzbill/replay/pkg/log"
)

// Sampler policies supported by MemTable.
const (
	SamplerPrioritized = "prioritized"
	SamplerUniform     = "uniform"
)

const (
	defaultMaxPendingInserts = 64
	defaultFlexibleBatch     = 64
)

// Options configures a MemTable.
type Options struct {
	Name string
	// MaxSize caps resident items; the oldest item is evicted past it.
	// Zero means unbounded.
	MaxSize int
	// MinSizeToSample gates sampling until the table holds at least this
	// many items. Zero means one.
	MinSizeToSample int
	// SamplesPerInsert rate-limits sampling: each committed insert adds this
	// much sample budget and each sampled item consumes one unit. Zero or
	// negative disables the limiter.
	SamplesPerInsert float64
	// MaxPendingInserts is the queue depth past which InsertOrAssign reports
	// saturation.
	MaxPendingInserts int
	// FlexibleBatchSize is the batch granularity reported to samplers that
	// ask for auto-selection.
	FlexibleBatchSize int64
	// Sampler selects the sampling policy; defaults to prioritized.
	Sampler string

	Logger logpkg.Logger
}

type insertOp struct {
	item      *Item
	completed InsertCallback
}

type sampleOp struct {
	n        int
	done     SampleCallback
	deadline time.Time
	blocked  bool
}

// MemTable is an in-memory priority table with a single worker goroutine
// draining queued inserts and sample requests. Completion callbacks are
// handed to the installed callback executor and delivered in commit order.
type MemTable struct {
	opts   Options
	logger logpkg.Logger

	mu             sync.Mutex
	items          map[uint64]*Item
	order          []uint64
	pendingInserts []insertOp
	pendingSamples []*sampleOp
	budget         float64
	numInserts     int64
	numSamples     int64
	closed         bool

	exec *executor.TaskExecutor

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	closeMu sync.Once

	// cbQueue serializes completion callbacks so they reach the executor in
	// commit order even though the pool itself is concurrent.
	cbMu     sync.Mutex
	cbQueue  []func()
	cbActive bool

	rng *rand.Rand
}

// NewMemTable builds and starts a table.
func NewMemTable(opts Options) (*MemTable, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("table: Options.Name is required")
	}
	if opts.MaxPendingInserts <= 0 {
		opts.MaxPendingInserts = defaultMaxPendingInserts
	}
	if opts.FlexibleBatchSize <= 0 {
		opts.FlexibleBatchSize = defaultFlexibleBatch
	}
	switch opts.Sampler {
	case "":
		opts.Sampler = SamplerPrioritized
	case SamplerPrioritized, SamplerUniform:
	default:
		return nil, fmt.Errorf("table: unknown sampler %q", opts.Sampler)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	t := &MemTable{
		opts:    opts,
		logger:  logger.With(logpkg.Component("table"), logpkg.Str("table", opts.Name)),
		items:   make(map[uint64]*Item),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	go t.worker()
	return t, nil
}

// Name implements Table.
func (t *MemTable) Name() string { return t.opts.Name }

// SetCallbackExecutor implements Table.
func (t *MemTable) SetCallbackExecutor(e *executor.TaskExecutor) {
	t.mu.Lock()
	t.exec = e
	t.mu.Unlock()
}

// DefaultFlexibleBatchSize implements Table.
func (t *MemTable) DefaultFlexibleBatchSize() int64 { return t.opts.FlexibleBatchSize }

// InsertOrAssign implements Table. The item is committed by the worker; the
// callback fires once committed. canInsert=false reports that the pending
// queue is saturated and the caller should pause until the callback runs.
func (t *MemTable) InsertOrAssign(item *Item, completed InsertCallback) (bool, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		item.Release()
		return false, status.Errorf(codes.Unavailable, "table %s is closed", t.opts.Name)
	}
	t.pendingInserts = append(t.pendingInserts, insertOp{item: item, completed: completed})
	canInsert := len(t.pendingInserts) < t.opts.MaxPendingInserts
	t.mu.Unlock()
	t.signal()
	return canInsert, nil
}

// EnqueueSampleRequest implements Table.
func (t *MemTable) EnqueueSampleRequest(batchSize int, done SampleCallback, timeout time.Duration) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.dispatch(func() {
			done(&SampleBatch{Err: status.Errorf(codes.Unavailable, "table %s is closed", t.opts.Name)})
		})
		return
	}
	t.pendingSamples = append(t.pendingSamples, &sampleOp{n: batchSize, done: done, deadline: deadline})
	t.mu.Unlock()
	t.signal()
}

// MutateItems implements Table. Updates to unknown keys are ignored.
func (t *MemTable) MutateItems(updates []replayv1.KeyWithPriority, deleteKeys []uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return status.Errorf(codes.Unavailable, "table %s is closed", t.opts.Name)
	}
	for _, u := range updates {
		if it, ok := t.items[u.Key]; ok {
			it.Priority = u.Priority
		}
	}
	deleted := false
	for _, key := range deleteKeys {
		if it, ok := t.items[key]; ok {
			delete(t.items, key)
			it.Release()
			deleted = true
		}
	}
	if deleted {
		// Drop the deleted keys from order so a later re-insert of the same
		// key is not listed twice.
		t.compactOrderLocked()
	}
	return nil
}

// Reset implements Table.
func (t *MemTable) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return status.Errorf(codes.Unavailable, "table %s is closed", t.opts.Name)
	}
	for _, it := range t.items {
		it.Release()
	}
	t.items = make(map[uint64]*Item)
	t.order = nil
	t.budget = 0
	return nil
}

// Restore implements Table.
func (t *MemTable) Restore(item *Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		item.Release()
		return status.Errorf(codes.Unavailable, "table %s is closed", t.opts.Name)
	}
	t.storeLocked(item)
	return nil
}

// Snapshot implements Table. It returns copies taken under the table lock,
// each holding its own chunk references, so callers can read them while the
// worker keeps mutating the originals.
func (t *MemTable) Snapshot() []*Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Item, 0, len(t.items))
	for _, key := range t.order {
		it, ok := t.items[key]
		if !ok {
			continue
		}
		chunks := make([]*chunkstore.Chunk, len(it.Chunks))
		for i, c := range it.Chunks {
			chunks[i] = c.Retain()
		}
		copied := NewItem(it.Key, it.Table, it.Priority, it.InsertedAt, it.FlatTrajectory, chunks)
		copied.TimesSampled = it.TimesSampled
		out = append(out, copied)
	}
	return out
}

// Info implements Table.
func (t *MemTable) Info() replayv1.TableInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return replayv1.TableInfo{
		Name:                     t.opts.Name,
		CurrentSize:              int64(len(t.items)),
		MaxSize:                  int64(t.opts.MaxSize),
		NumInserts:               t.numInserts,
		NumSamples:               t.numSamples,
		DefaultFlexibleBatchSize: t.opts.FlexibleBatchSize,
	}
}

// DebugString implements Table.
func (t *MemTable) DebugString() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("MemTable(name=%s, size=%d, max_size=%d, sampler=%s)",
		t.opts.Name, len(t.items), t.opts.MaxSize, t.opts.Sampler)
}

// Close stops the worker and cancels pending requests. Idempotent.
func (t *MemTable) Close() {
	t.closeMu.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.stop)
	})
	<-t.stopped
}

func (t *MemTable) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *MemTable) worker() {
	defer close(t.stopped)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		deadline := t.step()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if !deadline.IsZero() {
			timer.Reset(time.Until(deadline))
		} else {
			timer.Reset(time.Hour)
		}
		select {
		case <-t.wake:
		case <-timer.C:
		case <-t.stop:
			t.shutdown()
			return
		}
	}
}

// step commits queued inserts, satisfies or expires sample requests, and
// returns the nearest pending deadline (zero when none).
func (t *MemTable) step() time.Time {
	t.mu.Lock()
	var dispatches []func()

	for _, op := range t.pendingInserts {
		t.storeLocked(op.item)
		t.budget += t.opts.SamplesPerInsert
		t.numInserts++
		if op.completed != nil {
			cb, key := op.completed, op.item.Key
			dispatches = append(dispatches, func() { cb(key) })
		}
	}
	t.pendingInserts = t.pendingInserts[:0]

	// Satisfy requests from the head, then expire overdue ones anywhere in
	// the queue. Expiry can unblock a request behind an expired head, so
	// repeat until a pass removes nothing.
	var nearest time.Time
	for {
		for len(t.pendingSamples) > 0 {
			op := t.pendingSamples[0]
			if !t.canSampleLocked(op.n) {
				op.blocked = true
				break
			}
			batch := t.sampleLocked(op)
			t.pendingSamples = t.pendingSamples[1:]
			done := op.done
			dispatches = append(dispatches, func() { done(batch) })
		}

		now := time.Now()
		expired := false
		nearest = time.Time{}
		kept := t.pendingSamples[:0]
		for _, op := range t.pendingSamples {
			if !op.deadline.IsZero() && !now.Before(op.deadline) {
				expired = true
				done, name := op.done, t.opts.Name
				dispatches = append(dispatches, func() {
					done(&SampleBatch{Err: status.Errorf(codes.DeadlineExceeded,
						"rate limiter timeout exceeded while sampling from table %s", name)})
				})
				continue
			}
			if !op.deadline.IsZero() && (nearest.IsZero() || op.deadline.Before(nearest)) {
				nearest = op.deadline
			}
			kept = append(kept, op)
		}
		t.pendingSamples = kept
		if !expired {
			break
		}
	}
	t.mu.Unlock()

	if len(dispatches) > 0 {
		t.dispatch(dispatches...)
	}
	return nearest
}

func (t *MemTable) shutdown() {
	t.mu.Lock()
	inserts := t.pendingInserts
	samples := t.pendingSamples
	t.pendingInserts = nil
	t.pendingSamples = nil
	name := t.opts.Name
	t.mu.Unlock()

	for _, op := range inserts {
		op.item.Release()
	}
	for _, op := range samples {
		done := op.done
		t.dispatch(func() {
			done(&SampleBatch{Err: status.Errorf(codes.Canceled, "table %s closed", name)})
		})
	}
}

// storeLocked commits an insert-or-assign, evicting past MaxSize.
func (t *MemTable) storeLocked(item *Item) {
	if old, ok := t.items[item.Key]; ok {
		t.items[item.Key] = item
		old.Release()
		return
	}
	t.items[item.Key] = item
	t.order = append(t.order, item.Key)
	if t.opts.MaxSize > 0 && len(t.items) > t.opts.MaxSize {
		t.evictOldestLocked()
	}
	if len(t.order) > 2*len(t.items)+16 {
		t.compactOrderLocked()
	}
}

func (t *MemTable) evictOldestLocked() {
	for len(t.order) > 0 {
		key := t.order[0]
		t.order = t.order[1:]
		if it, ok := t.items[key]; ok {
			delete(t.items, key)
			it.Release()
			return
		}
	}
}

func (t *MemTable) compactOrderLocked() {
	live := t.order[:0]
	for _, key := range t.order {
		if _, ok := t.items[key]; ok {
			live = append(live, key)
		}
	}
	t.order = live
}

func (t *MemTable) canSampleLocked(n int) bool {
	minSize := t.opts.MinSizeToSample
	if minSize < 1 {
		minSize = 1
	}
	if len(t.items) < minSize {
		return false
	}
	if t.opts.SamplesPerInsert > 0 && t.budget < float64(n) {
		return false
	}
	return true
}

func (t *MemTable) sampleLocked(op *sampleOp) *SampleBatch {
	live := make([]*Item, 0, len(t.items))
	var totalWeight float64
	for _, key := range t.order {
		if it, ok := t.items[key]; ok {
			live = append(live, it)
			totalWeight += it.Priority
		}
	}
	tableSize := int64(len(live))
	batch := &SampleBatch{Items: make([]SampledItem, 0, op.n)}
	for i := 0; i < op.n; i++ {
		var picked *Item
		var probability float64
		if t.opts.Sampler == SamplerUniform || totalWeight <= 0 {
			picked = live[t.rng.Intn(len(live))]
			probability = 1 / float64(len(live))
		} else {
			picked = pickWeighted(t.rng, live, totalWeight)
			probability = picked.Priority / totalWeight
		}
		picked.TimesSampled++
		batch.Items = append(batch.Items, SampledItem{
			Ref:          picked.Retain(),
			Priority:     picked.Priority,
			TimesSampled: picked.TimesSampled,
			Probability:  probability,
			TableSize:    tableSize,
			RateLimited:  op.blocked,
		})
	}
	if t.opts.SamplesPerInsert > 0 {
		t.budget -= float64(op.n)
	}
	t.numSamples += int64(op.n)
	return batch
}

// dispatch hands callbacks to the executor while preserving submission
// order: callbacks queue up and a single drainer works the queue, so a
// concurrent pool cannot reorder them.
func (t *MemTable) dispatch(fns ...func()) {
	t.cbMu.Lock()
	t.cbQueue = append(t.cbQueue, fns...)
	if t.cbActive {
		t.cbMu.Unlock()
		return
	}
	t.cbActive = true
	t.cbMu.Unlock()

	t.mu.Lock()
	exec := t.exec
	t.mu.Unlock()

	if exec != nil {
		exec.Schedule(t.drainCallbacks)
	} else {
		go t.drainCallbacks()
	}
}

func (t *MemTable) drainCallbacks() {
	for {
		t.cbMu.Lock()
		if len(t.cbQueue) == 0 {
			t.cbActive = false
			t.cbMu.Unlock()
			return
		}
		fn := t.cbQueue[0]
		t.cbQueue = t.cbQueue[1:]
		t.cbMu.Unlock()
		fn()
	}
}
