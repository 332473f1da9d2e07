package service

import (
	"context"
	"io"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	"github.com/rzbill/replay/internal/table"
)

// fakeSampleStream feeds tasks from a channel; responses go to an unbuffered
// channel so tests can model a slow client by not reading.
type fakeSampleStream struct {
	ctx    context.Context
	reqs   chan *replayv1.SampleStreamRequest
	resps  chan *replayv1.SampleStreamResponse
	cancel context.CancelFunc
}

func newFakeSampleStream() *fakeSampleStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeSampleStream{
		ctx:    ctx,
		reqs:   make(chan *replayv1.SampleStreamRequest),
		resps:  make(chan *replayv1.SampleStreamResponse),
		cancel: cancel,
	}
}

func (f *fakeSampleStream) Recv() (*replayv1.SampleStreamRequest, error) {
	req, ok := <-f.reqs
	if !ok {
		return nil, io.EOF
	}
	return req, nil
}

func (f *fakeSampleStream) Send(resp *replayv1.SampleStreamResponse) error {
	select {
	case f.resps <- resp:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

func (f *fakeSampleStream) Context() context.Context { return f.ctx }

func runSample(t *testing.T, svc *Service, stream *fakeSampleStream) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- svc.RunSampleStream(stream) }()
	return done
}

// respondSamples answers one pending stub sample request with n items.
func respondSamples(t *testing.T, svc *Service, stub *stubTable, keyBase uint64, nChunks, chunkSize int) {
	t.Helper()
	select {
	case req := <-stub.samples:
		items := make([]table.SampledItem, 0, req.n)
		for i := 0; i < req.n; i++ {
			it := makeItem(svc, keyBase+uint64(i), nChunks, chunkSize)
			items = append(items, table.SampledItem{
				Ref:          it,
				Priority:     it.Priority,
				TimesSampled: 1,
				Probability:  0.5,
				TableSize:    10,
			})
		}
		go req.done(&table.SampleBatch{Items: items})
	case <-time.After(5 * time.Second):
		t.Fatalf("no sample request enqueued")
	}
}

func recvEntries(t *testing.T, stream *fakeSampleStream, wantItems int) []replayv1.SampleEntry {
	t.Helper()
	var entries []replayv1.SampleEntry
	got := 0
	deadline := time.After(5 * time.Second)
	for got < wantItems {
		select {
		case resp := <-stream.resps:
			for _, e := range resp.Entries {
				entries = append(entries, e)
				if e.EndOfSequence {
					got++
				}
			}
		case <-deadline:
			t.Fatalf("timed out with %d/%d items", got, wantItems)
		}
	}
	return entries
}

func TestSampleTaskDeliversRequestedSamples(t *testing.T) {
	stub := newStubTable("stub")
	svc := newTestService(t, stub)
	stream := newFakeSampleStream()
	done := runSample(t, svc, stream)

	go func() { stream.reqs <- &replayv1.SampleStreamRequest{Table: "stub", NumSamples: 4, FlexibleBatchSize: 2} }()

	var received []replayv1.SampleEntry
	for round := 0; round < 2; round++ {
		respondSamples(t, svc, stub, uint64(round+1)*100, 1, 8)
		received = append(received, recvEntries(t, stream, 2)...)
	}
	if len(received) != 4 {
		t.Fatalf("got %d entries, want 4", len(received))
	}
	for _, e := range received {
		if e.Info == nil {
			t.Fatalf("single-chunk entry missing info")
		}
		if !e.EndOfSequence {
			t.Fatalf("single-chunk entry must close its item")
		}
		if e.Info.Item.Table != "stub" || e.Info.Probability != 0.5 {
			t.Fatalf("unexpected info: %+v", e.Info)
		}
	}

	// Task complete: the reactor must accept the next task.
	select {
	case stream.reqs <- &replayv1.SampleStreamRequest{Table: "stub", NumSamples: 1, FlexibleBatchSize: 1}:
	case <-time.After(5 * time.Second):
		t.Fatalf("reactor did not accept the next task")
	}
	respondSamples(t, svc, stub, 900, 1, 8)
	recvEntries(t, stream, 1)

	close(stream.reqs)
	waitStatus(t, done, codes.OK)
}

func TestSampleBatchClippedToRemainder(t *testing.T) {
	stub := newStubTable("stub")
	svc := newTestService(t, stub)
	stream := newFakeSampleStream()
	done := runSample(t, svc, stream)

	go func() { stream.reqs <- &replayv1.SampleStreamRequest{Table: "stub", NumSamples: 3, FlexibleBatchSize: 2} }()

	req := <-stub.samples
	if req.n != 2 {
		t.Fatalf("first batch size %d, want 2", req.n)
	}
	items := []table.SampledItem{
		{Ref: makeItem(svc, 1, 1, 8), Probability: 1, TableSize: 1},
		{Ref: makeItem(svc, 2, 1, 8), Probability: 1, TableSize: 1},
	}
	go req.done(&table.SampleBatch{Items: items})
	recvEntries(t, stream, 2)

	req = <-stub.samples
	if req.n != 1 {
		t.Fatalf("final batch size %d, want 1 (remainder)", req.n)
	}
	go req.done(&table.SampleBatch{Items: []table.SampledItem{
		{Ref: makeItem(svc, 3, 1, 8), Probability: 1, TableSize: 1},
	}})
	recvEntries(t, stream, 1)

	close(stream.reqs)
	waitStatus(t, done, codes.OK)
}

func TestSampleAutoSelectBatchSize(t *testing.T) {
	stub := newStubTable("stub")
	stub.flexibleSize = 7
	svc := newTestService(t, stub)
	stream := newFakeSampleStream()
	done := runSample(t, svc, stream)

	go func() {
		stream.reqs <- &replayv1.SampleStreamRequest{
			Table: "stub", NumSamples: 100, FlexibleBatchSize: replayv1.AutoSelectBatchSize,
		}
	}()
	req := <-stub.samples
	if req.n != 7 {
		t.Fatalf("auto-select batch %d, want table default 7", req.n)
	}
	go req.done(&table.SampleBatch{Err: status.Error(codes.Canceled, "shutting down")})
	waitStatus(t, done, codes.Canceled)
}

func TestSampleValidation(t *testing.T) {
	cases := []struct {
		name string
		req  *replayv1.SampleStreamRequest
		code codes.Code
	}{
		{"zero samples", &replayv1.SampleStreamRequest{Table: "stub", NumSamples: 0, FlexibleBatchSize: 1}, codes.InvalidArgument},
		{"bad batch size", &replayv1.SampleStreamRequest{Table: "stub", NumSamples: 1, FlexibleBatchSize: -2}, codes.InvalidArgument},
		{"unknown table", &replayv1.SampleStreamRequest{Table: "nope", NumSamples: 1, FlexibleBatchSize: 1}, codes.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := newStubTable("stub")
			svc := newTestService(t, stub)
			stream := newFakeSampleStream()
			done := runSample(t, svc, stream)
			go func() { stream.reqs <- tc.req }()
			waitStatus(t, done, tc.code)
			// No sample request may have reached the table.
			select {
			case <-stub.samples:
				t.Fatalf("sample request enqueued despite invalid task")
			default:
			}
		})
	}
}

func TestSampleSplitsLargeItemAcrossResponses(t *testing.T) {
	stub := newStubTable("stub")
	svc := newTestService(t, stub)
	stream := newFakeSampleStream()
	done := runSample(t, svc, stream)

	go func() { stream.reqs <- &replayv1.SampleStreamRequest{Table: "stub", NumSamples: 1, FlexibleBatchSize: 1} }()

	// Three chunks of 600 KiB: the second pushes the response past 1 MiB, so
	// the third continues in a fresh response.
	respondSamples(t, svc, stub, 100, 3, 600<<10)

	first := <-stream.resps
	if len(first.Entries) != 1 {
		t.Fatalf("first response has %d entries, want 1", len(first.Entries))
	}
	if first.Entries[0].Info == nil {
		t.Fatalf("first entry of the item must carry info")
	}
	if first.Entries[0].EndOfSequence {
		t.Fatalf("split item's first entry must not close the sequence")
	}
	if got := len(first.Entries[0].Data); got != 2 {
		t.Fatalf("first response carries %d chunks, want 2", got)
	}

	second := <-stream.resps
	if len(second.Entries) != 1 {
		t.Fatalf("second response has %d entries, want 1", len(second.Entries))
	}
	if second.Entries[0].Info != nil {
		t.Fatalf("continuation entry must not repeat info")
	}
	if !second.Entries[0].EndOfSequence {
		t.Fatalf("last entry of the item must close the sequence")
	}
	if got := len(second.Entries[0].Data); got != 1 {
		t.Fatalf("second response carries %d chunks, want 1", got)
	}

	close(stream.reqs)
	waitStatus(t, done, codes.OK)
}

func TestSampleQueueCapStallsSampling(t *testing.T) {
	stub := newStubTable("stub")
	svc := newTestService(t, stub)
	stream := newFakeSampleStream()
	done := runSample(t, svc, stream)

	go func() { stream.reqs <- &replayv1.SampleStreamRequest{Table: "stub", NumSamples: 10, FlexibleBatchSize: 1} }()

	// Serve batches while the client reads nothing. The outbound queue, whose
	// head is the blocked in-flight write, fills to its cap, then sampling
	// must stall.
	served := 0
	for {
		select {
		case req := <-stub.samples:
			served++
			// Each sample exceeds the byte budget, so every batch rolls a
			// new response and the queue cap bites quickly.
			it := makeItem(svc, uint64(served), 1, 2<<20)
			go req.done(&table.SampleBatch{Items: []table.SampledItem{
				{Ref: it, Probability: 1, TableSize: 1},
			}})
			continue
		case <-time.After(300 * time.Millisecond):
		}
		break
	}
	if served > maxQueuedResponses+1 {
		t.Fatalf("served %d batches while client stalled, cap is %d", served, maxQueuedResponses)
	}
	select {
	case <-stub.samples:
		t.Fatalf("sampling continued past the queue cap")
	case <-time.After(100 * time.Millisecond):
	}

	// Client starts reading: sampling resumes and the task completes.
	got := 0
	for got < 10 {
		select {
		case resp := <-stream.resps:
			got += len(resp.Entries)
		case req := <-stub.samples:
			served++
			it := makeItem(svc, uint64(100+served), 1, 2<<20)
			go req.done(&table.SampleBatch{Items: []table.SampledItem{
				{Ref: it, Probability: 1, TableSize: 1},
			}})
		case <-time.After(5 * time.Second):
			t.Fatalf("task stalled after client resumed, got %d/10", got)
		}
	}

	close(stream.reqs)
	waitStatus(t, done, codes.OK)
}

func TestSampleTableErrorFinishesStream(t *testing.T) {
	stub := newStubTable("stub")
	svc := newTestService(t, stub)
	stream := newFakeSampleStream()
	done := runSample(t, svc, stream)

	go func() { stream.reqs <- &replayv1.SampleStreamRequest{Table: "stub", NumSamples: 5, FlexibleBatchSize: 1} }()
	req := <-stub.samples
	go req.done(&table.SampleBatch{Err: status.Error(codes.DeadlineExceeded, "rate limiter timeout")})
	waitStatus(t, done, codes.DeadlineExceeded)
}

func TestSampleTimeoutForwarded(t *testing.T) {
	stub := newStubTable("stub")
	svc := newTestService(t, stub)
	stream := newFakeSampleStream()
	done := runSample(t, svc, stream)

	go func() {
		stream.reqs <- &replayv1.SampleStreamRequest{
			Table: "stub", NumSamples: 1, FlexibleBatchSize: 1, RateLimiterTimeoutMs: 1500,
		}
	}()
	req := <-stub.samples
	if req.timeout != 1500*time.Millisecond {
		t.Fatalf("timeout %v forwarded, want 1.5s", req.timeout)
	}
	stream.cancel()
	waitStatus(t, done, codes.Canceled)
}
