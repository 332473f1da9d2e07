package service

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
)

type fakeHandshakeStream struct {
	ctx    context.Context
	peer   string
	reqs   chan *replayv1.InitializeConnectionRequest
	resps  chan *replayv1.InitializeConnectionResponse
	cancel context.CancelFunc
}

func newFakeHandshakeStream(peer string) *fakeHandshakeStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeHandshakeStream{
		ctx:    ctx,
		peer:   peer,
		reqs:   make(chan *replayv1.InitializeConnectionRequest, 2),
		resps:  make(chan *replayv1.InitializeConnectionResponse, 2),
		cancel: cancel,
	}
}

func (f *fakeHandshakeStream) Recv() (*replayv1.InitializeConnectionRequest, error) {
	req, ok := <-f.reqs
	if !ok {
		return nil, io.EOF
	}
	return req, nil
}

func (f *fakeHandshakeStream) Send(resp *replayv1.InitializeConnectionResponse) error {
	f.resps <- resp
	return nil
}

func (f *fakeHandshakeStream) Context() context.Context { return f.ctx }
func (f *fakeHandshakeStream) Peer() string             { return f.peer }

func TestHandshakeRemotePeerGetsNoResponse(t *testing.T) {
	svc := newTestService(t, newStubTable("stub"))
	stream := newFakeHandshakeStream("10.1.2.3:4444")
	if err := svc.RunHandshakeStream(stream); err != nil {
		t.Fatalf("remote peer handshake: %v", err)
	}
	select {
	case resp := <-stream.resps:
		t.Fatalf("remote peer must get no response, got %+v", resp)
	default:
	}
}

func TestHandshakeCrossProcessPid(t *testing.T) {
	svc := newTestService(t, newStubTable("stub"))
	stream := newFakeHandshakeStream("127.0.0.1:4444")
	stream.reqs <- &replayv1.InitializeConnectionRequest{
		Pid:       int64(os.Getpid()) + 1,
		TableName: "stub",
	}
	if err := svc.RunHandshakeStream(stream); err != nil {
		t.Fatalf("cross-process handshake: %v", err)
	}
	resp := <-stream.resps
	if resp.Address != 0 {
		t.Fatalf("cross-process client must get address 0, got %d", resp.Address)
	}
}

func TestHandshakeSameProcessTransfersHandle(t *testing.T) {
	stub := newStubTable("stub")
	svc := newTestService(t, stub)
	stream := newFakeHandshakeStream("127.0.0.1:4444")
	done := make(chan error, 1)
	go func() { done <- svc.RunHandshakeStream(stream) }()

	stream.reqs <- &replayv1.InitializeConnectionRequest{
		Pid:       int64(os.Getpid()),
		TableName: "stub",
	}
	resp := <-stream.resps
	if resp.Address == 0 {
		t.Fatalf("same-process client must get a token")
	}
	// The client adopts the handle before confirming.
	tbl, ok := svc.AdoptTableHandle(resp.Address)
	if !ok || tbl != stub {
		t.Fatalf("token did not resolve to the granted table")
	}
	stream.reqs <- &replayv1.InitializeConnectionRequest{OwnershipTransferred: true}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handshake: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handshake did not finish")
	}
	// Teardown revokes the grant.
	if _, ok := svc.AdoptTableHandle(resp.Address); ok {
		t.Fatalf("token must be revoked after stream teardown")
	}
}

func TestHandshakeUnknownTable(t *testing.T) {
	svc := newTestService(t, newStubTable("stub"))
	stream := newFakeHandshakeStream("127.0.0.1:4444")
	stream.reqs <- &replayv1.InitializeConnectionRequest{
		Pid:       int64(os.Getpid()),
		TableName: "nope",
	}
	wantCode(t, svc.RunHandshakeStream(stream), codes.NotFound)
}

func TestHandshakeConfirmationWithoutFlag(t *testing.T) {
	svc := newTestService(t, newStubTable("stub"))
	stream := newFakeHandshakeStream("127.0.0.1:4444")
	done := make(chan error, 1)
	go func() { done <- svc.RunHandshakeStream(stream) }()

	stream.reqs <- &replayv1.InitializeConnectionRequest{
		Pid:       int64(os.Getpid()),
		TableName: "stub",
	}
	<-stream.resps
	stream.reqs <- &replayv1.InitializeConnectionRequest{OwnershipTransferred: false}
	wantCode(t, <-done, codes.Internal)
}

func TestIsLocalhostOrInProcess(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:1234": true,
		"[::1]:1234":     true,
		"inproc":         true,
		"10.0.0.1:1234":  false,
		"":               false,
	}
	for peer, want := range cases {
		if got := isLocalhostOrInProcess(peer); got != want {
			t.Fatalf("isLocalhostOrInProcess(%q) = %v, want %v", peer, got, want)
		}
	}
}
