package serverrun

import (
	"context"
	"testing"
	"time"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	cfgpkg "github.com/rzbill/replay/internal/config"
	tcpserver "github.com/rzbill/replay/internal/server/tcp"
	logpkg "github.com/rzbill/replay/pkg/log"
)

func startRun(t *testing.T, cfg cfgpkg.Config) (*tcpserver.Client, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Config: cfg, Logger: logpkg.NewNop(), Ready: ready})
	}()
	select {
	case addr := <-ready:
		stop := func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("run: %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Errorf("server did not stop")
			}
		}
		return tcpserver.NewClient(addr), stop
	case err := <-done:
		cancel()
		t.Fatalf("run exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatalf("server did not become ready")
	}
	return nil, nil
}

func testConfig(dataDir string) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DataDir = dataDir
	cfg.Tables = []cfgpkg.TableConfig{{Name: "exp", MaxSize: 100}}
	return cfg
}

func TestRunRestartLoadsCheckpointAndRotatesStateID(t *testing.T) {
	dataDir := t.TempDir()
	client, stop := startRun(t, testConfig(dataDir))
	ctx := context.Background()

	ins, err := client.OpenInsertStream()
	if err != nil {
		t.Fatalf("open insert: %v", err)
	}
	err = ins.Send(&replayv1.InsertStreamRequest{
		Chunks:        []replayv1.ChunkData{{Key: 1, Data: []byte("payload")}},
		Items:         []replayv1.PrioritizedItem{{Key: 5, Table: "exp", Priority: 1, FlatTrajectory: []uint64{1}}},
		KeepChunkKeys: []uint64{1},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := ins.Recv(); err != nil {
		t.Fatalf("recv ack: %v", err)
	}
	_ = ins.Close()

	if _, err := client.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	first, err := client.ServerInfo(ctx)
	if err != nil {
		t.Fatalf("server info: %v", err)
	}
	stop()

	client2, stop2 := startRun(t, testConfig(dataDir))
	defer stop2()
	second, err := client2.ServerInfo(ctx)
	if err != nil {
		t.Fatalf("server info after restart: %v", err)
	}
	if second.TableInfo[0].CurrentSize != 1 {
		t.Fatalf("restart did not restore checkpoint, size=%d", second.TableInfo[0].CurrentSize)
	}
	if second.TablesStateID == first.TablesStateID {
		t.Fatalf("state id must rotate across restarts")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Tables = nil
	if err := Run(context.Background(), Options{Config: cfg, Logger: logpkg.NewNop()}); err == nil {
		t.Fatalf("empty table list must fail")
	}
}
