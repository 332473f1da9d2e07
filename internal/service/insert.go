package service

import (
	"errors"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	"github.com/rzbill/replay/internal/chunkstore"
	"github.com/rzbill/replay/internal/table"
)

// maxAckKeysPerResponse caps how many committed keys one ack message may
// carry. Without a cap the not-in-flight tail batch could grow without bound
// whenever commits outpace the wire.
const maxAckKeysPerResponse = 4096

// insertReactor is the read-side state machine of one producer stream. The
// reader goroutine ingests chunk and item batches and forwards items to
// tables; commit callbacks append acknowledged keys to the outbound queue,
// which the writer goroutine drains one message at a time.
type insertReactor struct {
	svc    *Service
	stream InsertStream
	guard  *callbackGuard

	mu       sync.Mutex
	readable *sync.Cond
	writable *sync.Cond
	// chunks holds strong handles for chunks that items not yet received may
	// reference. Mutated only by the reader.
	chunks      map[chunkstore.Key]*chunkstore.Chunk
	responses   []*replayv1.InsertStreamResponse
	writingHead bool
	canRead     bool
	finished    bool
	st          error
}

// RunInsertStream serves one producer stream until it terminates and returns
// the stream's final status (nil for a clean client close).
func (s *Service) RunInsertStream(stream InsertStream) error {
	s.insertStreams.Inc()
	r := &insertReactor{
		svc:     s,
		stream:  stream,
		guard:   newCallbackGuard(),
		chunks:  make(map[chunkstore.Key]*chunkstore.Chunk),
		canRead: true,
	}
	r.readable = sync.NewCond(&r.mu)
	r.writable = sync.NewCond(&r.mu)

	stopWatch := r.watchContext()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writeLoop()
	}()

	st := r.readLoop()
	r.finish(st)
	<-writerDone
	stopWatch()

	// No table callback may run past this point.
	r.guard.CloseAndWait()

	r.mu.Lock()
	for _, c := range r.chunks {
		c.Release()
	}
	r.chunks = nil
	final := r.st
	r.mu.Unlock()
	return final
}

// watchContext finishes the reactor when the transport cancels the stream,
// unblocking a reader parked on backpressure.
func (r *insertReactor) watchContext() (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-r.stream.Context().Done():
			r.finish(status.Error(codes.Canceled, "stream context cancelled"))
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (r *insertReactor) readLoop() error {
	for {
		r.mu.Lock()
		for !r.canRead && !r.finished {
			r.readable.Wait()
		}
		if r.finished {
			st := r.st
			r.mu.Unlock()
			return st
		}
		r.mu.Unlock()

		req, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errInternal("failed to read from stream: %v", err)
		}

		r.mu.Lock()
		st := r.processRequest(req)
		r.mu.Unlock()
		if st != nil {
			return st
		}
	}
}

// processRequest handles one inbound request under mu. A nil return means
// the stream continues; reading resumes immediately unless a table reported
// saturation, in which case the commit callback re-enables reading.
func (r *insertReactor) processRequest(req *replayv1.InsertStreamRequest) error {
	r.canRead = false
	if len(req.Chunks) == 0 && len(req.Items) == 0 {
		return status.Error(codes.InvalidArgument,
			"insert request lacks both chunks and items")
	}
	r.saveChunks(req)
	if len(req.Items) == 0 {
		r.canRead = true
		return nil
	}

	canInsert := true
	for i := range req.Items {
		item, err := r.itemWithChunks(&req.Items[i])
		if err != nil {
			return err
		}
		tbl := r.svc.TableByName(item.Table)
		if tbl == nil {
			item.Release()
			return errTableNotFound(item.Table)
		}
		// Each call overwrites the saturation signal; the last item's table
		// decides whether reading resumes now or waits for a commit callback.
		can, err := tbl.InsertOrAssign(item, r.insertCompleted)
		if err != nil {
			return err
		}
		canInsert = can
		r.svc.itemsInserted.Inc()
	}

	if err := r.releaseOutOfRangeChunks(req.KeepChunkKeys); err != nil {
		return err
	}
	if canInsert {
		r.canRead = true
	}
	return nil
}

// saveChunks registers request chunks, first-wins on duplicate keys.
func (r *insertReactor) saveChunks(req *replayv1.InsertStreamRequest) {
	for i := range req.Chunks {
		c := &req.Chunks[i]
		if _, ok := r.chunks[c.Key]; !ok {
			r.chunks[c.Key] = r.svc.chunks.Insert(c.Key, c.Data)
		}
	}
}

// itemWithChunks resolves the item's trajectory against the stream cache and
// builds the table item carrying its own strong chunk references.
func (r *insertReactor) itemWithChunks(req *replayv1.PrioritizedItem) (*table.Item, error) {
	refs := make([]*chunkstore.Chunk, 0, len(req.FlatTrajectory))
	for _, key := range req.FlatTrajectory {
		c, ok := r.chunks[key]
		if !ok {
			for _, held := range refs {
				held.Release()
			}
			return nil, errInternal("could not find sequence chunk %d", key)
		}
		refs = append(refs, c.Retain())
	}
	return table.NewItem(req.Key, req.Table, req.Priority, time.Now(), req.FlatTrajectory, refs), nil
}

// releaseOutOfRangeChunks prunes the cache to the client's keep-set. A
// mismatch between the kept count and the keep-set size means the client
// believes the server holds chunks it does not: protocol desync.
func (r *insertReactor) releaseOutOfRangeChunks(keepKeys []uint64) error {
	keep := make(map[uint64]struct{}, len(keepKeys))
	for _, key := range keepKeys {
		keep[key] = struct{}{}
	}
	for key, c := range r.chunks {
		if _, ok := keep[key]; !ok {
			c.Release()
			delete(r.chunks, key)
		}
	}
	if len(r.chunks) != len(keep) {
		return status.Errorf(codes.FailedPrecondition,
			"kept fewer chunks than expected: have %d, keep_chunk_keys has %d",
			len(r.chunks), len(keep))
	}
	return nil
}

// insertCompleted is installed on tables as the commit callback. It releases
// read backpressure and appends the committed key to the outbound queue. The
// head response is reserved for the writer; the tail takes appends until it
// reaches the key cap.
func (r *insertReactor) insertCompleted(key uint64) {
	if !r.guard.Enter() {
		return
	}
	defer r.guard.Exit()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.canRead {
		r.canRead = true
		r.readable.Signal()
	}
	if r.finished {
		return
	}
	n := len(r.responses)
	if n == 0 || (n == 1 && r.writingHead) ||
		len(r.responses[n-1].Keys) >= maxAckKeysPerResponse {
		r.responses = append(r.responses, &replayv1.InsertStreamResponse{})
		n++
	}
	r.responses[n-1].Keys = append(r.responses[n-1].Keys, key)
	r.writable.Signal()
}

func (r *insertReactor) writeLoop() {
	for {
		r.mu.Lock()
		for len(r.responses) == 0 && !r.finished {
			r.writable.Wait()
		}
		if len(r.responses) == 0 {
			r.mu.Unlock()
			return
		}
		resp := r.responses[0]
		r.writingHead = true
		r.mu.Unlock()

		err := r.stream.Send(resp)

		r.mu.Lock()
		r.responses = r.responses[1:]
		r.writingHead = false
		if err != nil {
			r.finishLocked(errInternal("failed to write to stream: %v", err))
			r.mu.Unlock()
			return
		}
		if r.finished && len(r.responses) == 0 {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

// finish transitions the reactor to its terminal state. Idempotent; the
// first status wins.
func (r *insertReactor) finish(st error) {
	r.mu.Lock()
	r.finishLocked(st)
	r.mu.Unlock()
}

func (r *insertReactor) finishLocked(st error) {
	if !r.finished {
		r.finished = true
		r.st = st
	}
	r.readable.Broadcast()
	r.writable.Broadcast()
}
