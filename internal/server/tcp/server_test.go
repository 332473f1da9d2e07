package tcpserver

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	"github.com/rzbill/replay/internal/checkpoint"
	"github.com/rzbill/replay/internal/chunkstore"
	"github.com/rzbill/replay/internal/service"
	"github.com/rzbill/replay/internal/table"
)

func startServer(t *testing.T, checkpointer checkpoint.Checkpointer) (*service.Service, *Client) {
	t.Helper()
	tbl, err := table.NewMemTable(table.Options{Name: "exp", FlexibleBatchSize: 2})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	svc, err := service.New(service.Options{
		Tables:                  []table.Table{tbl},
		Checkpointer:            checkpointer,
		ChunkStore:              chunkstore.New(),
		CallbackExecutorThreads: 4,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	srv := New(svc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(ctx, "127.0.0.1:0"); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() { cancel(); <-done })

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return svc, NewClient(srv.Addr())
}

func TestInsertAndSampleOverTCP(t *testing.T) {
	_, client := startServer(t, nil)

	ins, err := client.OpenInsertStream()
	if err != nil {
		t.Fatalf("open insert: %v", err)
	}
	defer func() { _ = ins.Close() }()
	err = ins.Send(&replayv1.InsertStreamRequest{
		Chunks: []replayv1.ChunkData{
			{Key: 1, Data: []byte("first-chunk")},
			{Key: 2, Data: []byte("second-chunk")},
		},
		Items: []replayv1.PrioritizedItem{
			{Key: 100, Table: "exp", Priority: 1.0, FlatTrajectory: []uint64{1, 2}},
			{Key: 101, Table: "exp", Priority: 2.0, FlatTrajectory: []uint64{2}},
		},
		KeepChunkKeys: []uint64{2},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var keys []uint64
	for len(keys) < 2 {
		resp, err := ins.Recv()
		if err != nil {
			t.Fatalf("recv acks: %v", err)
		}
		keys = append(keys, resp.Keys...)
	}
	if keys[0] != 100 || keys[1] != 101 {
		t.Fatalf("acks %v, want [100 101]", keys)
	}
	if err := ins.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	if _, err := ins.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("want clean close, got %v", err)
	}

	smp, err := client.OpenSampleStream()
	if err != nil {
		t.Fatalf("open sample: %v", err)
	}
	defer func() { _ = smp.Close() }()
	err = smp.Send(&replayv1.SampleStreamRequest{
		Table: "exp", NumSamples: 3, FlexibleBatchSize: replayv1.AutoSelectBatchSize,
	})
	if err != nil {
		t.Fatalf("send task: %v", err)
	}
	got := 0
	for got < 3 {
		resp, err := smp.Recv()
		if err != nil {
			t.Fatalf("recv samples: %v", err)
		}
		for _, e := range resp.Entries {
			if e.Info == nil {
				t.Fatalf("entry missing info: %+v", e)
			}
			if !e.EndOfSequence {
				t.Fatalf("small items must close in one entry")
			}
			if len(e.Data) == 0 || len(e.Data[0].Data) == 0 {
				t.Fatalf("entry carries no chunk data")
			}
			got++
		}
	}
	if err := smp.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	if _, err := smp.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("want clean close, got %v", err)
	}
}

func TestSampleUnknownTableOverTCP(t *testing.T) {
	_, client := startServer(t, nil)
	smp, err := client.OpenSampleStream()
	if err != nil {
		t.Fatalf("open sample: %v", err)
	}
	defer func() { _ = smp.Close() }()
	if err := smp.Send(&replayv1.SampleStreamRequest{Table: "nope", NumSamples: 1, FlexibleBatchSize: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err = smp.Recv()
	if status.Code(err) != codes.NotFound {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestUnaryOpsOverTCP(t *testing.T) {
	root := t.TempDir()
	_, client := startServer(t, checkpoint.NewPebble(root, "", nil))
	ctx := context.Background()

	info, err := client.ServerInfo(ctx)
	if err != nil {
		t.Fatalf("server info: %v", err)
	}
	if len(info.TableInfo) != 1 || info.TableInfo[0].Name != "exp" {
		t.Fatalf("unexpected info: %+v", info)
	}
	var zero [16]byte
	if info.TablesStateID == zero {
		t.Fatalf("state id missing")
	}

	if err := client.MutatePriorities(ctx, &replayv1.MutatePrioritiesRequest{
		Table:   "exp",
		Updates: []replayv1.KeyWithPriority{{Key: 1, Priority: 2}},
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	err = client.MutatePriorities(ctx, &replayv1.MutatePrioritiesRequest{Table: "nope"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("want NotFound, got %v", err)
	}

	if err := client.Reset(ctx, "exp"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	path, err := client.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("checkpoint path missing: %v", err)
	}
}

func TestCheckpointWithoutCheckpointerOverTCP(t *testing.T) {
	_, client := startServer(t, nil)
	_, err := client.Checkpoint(context.Background())
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
}

func TestHandshakeOverTCP(t *testing.T) {
	svc, client := startServer(t, nil)

	hs, err := client.OpenHandshake()
	if err != nil {
		t.Fatalf("open handshake: %v", err)
	}
	defer func() { _ = hs.Close() }()
	if err := hs.Send(&replayv1.InitializeConnectionRequest{
		Pid:       int64(os.Getpid()),
		TableName: "exp",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := hs.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if resp.Address == 0 {
		t.Fatalf("same-process handshake must return a token")
	}
	tbl, ok := svc.AdoptTableHandle(resp.Address)
	if !ok || tbl.Name() != "exp" {
		t.Fatalf("token did not resolve")
	}
	if err := hs.Send(&replayv1.InitializeConnectionRequest{OwnershipTransferred: true}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := hs.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("want clean close, got %v", err)
	}
}

func TestHandshakeCrossProcessOverTCP(t *testing.T) {
	_, client := startServer(t, nil)
	hs, err := client.OpenHandshake()
	if err != nil {
		t.Fatalf("open handshake: %v", err)
	}
	defer func() { _ = hs.Close() }()
	if err := hs.Send(&replayv1.InitializeConnectionRequest{
		Pid:       int64(os.Getpid()) + 1,
		TableName: "exp",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := hs.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if resp.Address != 0 {
		t.Fatalf("cross-process handshake must return address 0, got %d", resp.Address)
	}
	if _, err := hs.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("want clean close, got %v", err)
	}
}
