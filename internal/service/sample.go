package service

import (
	"errors"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	"github.com/rzbill/replay/internal/table"
)

const (
	// maxSampleResponseSizeBytes caps the chunk bytes accumulated into one
	// response. A response may overshoot by at most one chunk before the
	// remainder rolls into the next message.
	maxSampleResponseSizeBytes = 1 << 20

	// maxQueuedResponses caps the outbound queue per sample stream. At the
	// cap the sampling loop stalls until a write completes, bounding the
	// reactor's memory use.
	maxQueuedResponses = 3
)

// sampleResponse pairs an outbound payload with the strong item references
// that keep its borrowed chunk and metadata views valid until the payload has
// been handed to the transport.
type sampleResponse struct {
	payload replayv1.SampleStreamResponse
	items   []*table.Item
}

func (sr *sampleResponse) releaseItems() {
	for _, it := range sr.items {
		it.Release()
	}
	sr.items = nil
}

// sampleTask is the context of the sample request currently being served.
type sampleTask struct {
	table             table.Table
	timeout           time.Duration
	flexibleBatchSize int64
	requested         int64
	fetched           int64
}

// nextSampleSize returns the size of the next batch to request from the
// table: the flexible batch size clipped to what the task still needs.
func (t *sampleTask) nextSampleSize() int64 {
	remaining := t.requested - t.fetched
	if remaining <= 0 {
		return 0
	}
	if remaining < t.flexibleBatchSize {
		return remaining
	}
	return t.flexibleBatchSize
}

// sampleReactor is the state machine of one consumer stream. Each inbound
// request defines a sample task; the reactor pipelines batch requests into
// the table and streams entries back under the byte budget and queue cap.
type sampleReactor struct {
	svc    *Service
	stream SampleStream
	guard  *callbackGuard

	mu       sync.Mutex
	taskDone *sync.Cond
	writable *sync.Cond

	task             sampleTask
	taskComplete     bool
	responses        []*sampleResponse
	currentRespBytes int64
	waitingForSample bool
	writingHead      bool
	finished         bool
	st               error
}

// RunSampleStream serves one consumer stream until it terminates and returns
// the stream's final status (nil for a clean client close).
func (s *Service) RunSampleStream(stream SampleStream) error {
	s.sampleStreams.Inc()
	r := &sampleReactor{
		svc:          s,
		stream:       stream,
		guard:        newCallbackGuard(),
		taskComplete: true,
	}
	r.taskDone = sync.NewCond(&r.mu)
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
	for _, resp := range r.responses {
		resp.releaseItems()
	}
	r.responses = nil
	final := r.st
	r.mu.Unlock()
	return final
}

func (r *sampleReactor) watchContext() (stop func()) {
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

func (r *sampleReactor) readLoop() error {
	for {
		req, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errInternal("failed to read from stream: %v", err)
		}

		r.mu.Lock()
		st := r.processRequest(req)
		if st != nil {
			r.mu.Unlock()
			return st
		}
		// The next task may only be read once this one has delivered all its
		// batches to the outbound queue.
		for !r.taskComplete && !r.finished {
			r.taskDone.Wait()
		}
		if r.finished {
			st := r.st
			r.mu.Unlock()
			return st
		}
		r.mu.Unlock()
	}
}

// processRequest validates and installs a new sample task under mu.
func (r *sampleReactor) processRequest(req *replayv1.SampleStreamRequest) error {
	if req.NumSamples <= 0 {
		return status.Errorf(codes.InvalidArgument,
			"num_samples must be > 0 (got %d)", req.NumSamples)
	}
	if req.FlexibleBatchSize <= 0 && req.FlexibleBatchSize != replayv1.AutoSelectBatchSize {
		return status.Errorf(codes.InvalidArgument,
			"flexible_batch_size must be > 0 or %d (for auto tuning), got %d",
			replayv1.AutoSelectBatchSize, req.FlexibleBatchSize)
	}
	tbl := r.svc.TableByName(req.Table)
	if tbl == nil {
		return errTableNotFound(req.Table)
	}

	r.task.table = tbl
	if req.RateLimiterTimeoutMs > 0 {
		r.task.timeout = time.Duration(req.RateLimiterTimeoutMs) * time.Millisecond
	} else {
		r.task.timeout = 0 // wait forever
	}
	if req.FlexibleBatchSize == replayv1.AutoSelectBatchSize {
		r.task.flexibleBatchSize = tbl.DefaultFlexibleBatchSize()
	} else {
		r.task.flexibleBatchSize = req.FlexibleBatchSize
	}
	r.task.requested = req.NumSamples
	r.task.fetched = 0
	r.taskComplete = false
	r.maybeStartSampling()
	return nil
}

// maybeStartSampling enqueues the next batch request unless the task is
// done, a request is already outstanding, or the outbound queue is at cap.
// Invariant-driven: callers re-enter it whenever one of those conditions may
// have cleared.
func (r *sampleReactor) maybeStartSampling() {
	next := r.task.nextSampleSize()
	if next == 0 {
		return
	}
	if r.waitingForSample {
		return
	}
	if len(r.responses) >= maxQueuedResponses {
		return
	}
	r.waitingForSample = true
	r.task.table.EnqueueSampleRequest(int(next), r.samplingDone, r.task.timeout)
}

// samplingDone is installed on the table as the batch completion callback.
// The batch's item references are owned here; a batch landing after teardown
// is released without touching reactor state.
func (r *sampleReactor) samplingDone(batch *table.SampleBatch) {
	if !r.guard.Enter() {
		for i := range batch.Items {
			batch.Items[i].Ref.Release()
		}
		return
	}
	defer r.guard.Exit()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitingForSample = false
	if r.finished {
		for i := range batch.Items {
			batch.Items[i].Ref.Release()
		}
		return
	}
	if batch.Err != nil {
		r.finishLocked(batch.Err)
		return
	}

	r.task.fetched += int64(len(batch.Items))
	for i := range batch.Items {
		r.processSample(&batch.Items[i])
	}
	r.svc.samplesStreamed.Add(len(batch.Items))
	r.writable.Signal()

	if r.task.nextSampleSize() > 0 {
		// Pipeline the next batch while this one drains.
		r.maybeStartSampling()
		return
	}
	r.taskComplete = true
	r.taskDone.Signal()
}

// processSample appends one sampled item to the outbound queue, splitting
// across responses when the byte budget is exceeded. The item reference is
// transferred to the last response containing one of its chunks, so it is
// released exactly when the item has been fully handed to the transport.
func (r *sampleReactor) processSample(s *table.SampledItem) {
	n := len(r.responses)
	if n == 0 || (n == 1 && r.writingHead) || r.currentRespBytes > maxSampleResponseSizeBytes {
		r.responses = append(r.responses, &sampleResponse{})
		r.currentRespBytes = 0
	}
	resp := r.responses[len(r.responses)-1]
	resp.payload.Entries = append(resp.payload.Entries, replayv1.SampleEntry{})
	entry := &resp.payload.Entries[len(resp.payload.Entries)-1]

	item := s.Ref
	chunks := item.Chunks
	for i, c := range chunks {
		entry.EndOfSequence = i+1 == len(chunks)
		if i == 0 {
			entry.Info = &replayv1.SampleInfo{
				Item: replayv1.PrioritizedItem{
					Key:      item.Key,
					Table:    item.Table,
					Priority: s.Priority,
					// Borrowed views into the item's storage; the response's
					// item reference keeps them valid until sent.
					InsertedAtNanos: item.InsertedAt.UnixNano(),
					FlatTrajectory:  item.FlatTrajectory,
					TimesSampled:    s.TimesSampled,
				},
				Probability: s.Probability,
				TableSize:   s.TableSize,
				RateLimited: s.RateLimited,
			}
		}
		entry.Data = append(entry.Data, replayv1.ChunkData{Key: c.Key(), Data: c.Data()})
		r.currentRespBytes += c.ByteSize()
		if i+1 < len(chunks) && r.currentRespBytes > maxSampleResponseSizeBytes {
			// Response is full mid-item; continue the item in a fresh
			// response with a continuation entry.
			r.responses = append(r.responses, &sampleResponse{})
			r.currentRespBytes = 0
			resp = r.responses[len(r.responses)-1]
			resp.payload.Entries = append(resp.payload.Entries, replayv1.SampleEntry{})
			entry = &resp.payload.Entries[len(resp.payload.Entries)-1]
		}
	}
	resp.items = append(resp.items, item)
}

func (r *sampleReactor) writeLoop() {
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

		err := r.stream.Send(&resp.payload)
		resp.releaseItems()

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
		// A write completed; the queue-cap condition may have cleared.
		r.maybeStartSampling()
		r.mu.Unlock()
	}
}

func (r *sampleReactor) finish(st error) {
	r.mu.Lock()
	r.finishLocked(st)
	r.mu.Unlock()
}

func (r *sampleReactor) finishLocked(st error) {
	if !r.finished {
		r.finished = true
		r.st = st
	}
	r.taskDone.Broadcast()
	r.writable.Broadcast()
}
