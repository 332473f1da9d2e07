// Package service implements the replay server core: the table registry,
// the unary operations, and the per-stream reactors multiplexing producer
// and consumer streams into the tables.
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	"github.com/rzbill/replay/internal/checkpoint"
	"github.com/rzbill/replay/internal/chunkstore"
	"github.com/rzbill/replay/internal/executor"
	"github.com/rzbill/replay/internal/table"
	logpkg "github.com/rzbill/replay/pkg/log"
)

// DefaultCallbackExecutorThreads sizes the shared callback pool when the
// option is left zero.
const DefaultCallbackExecutorThreads = 32

// Options configures a Service.
type Options struct {
	Tables       []table.Table
	Checkpointer checkpoint.Checkpointer
	// ChunkStore may be shared with a co-resident client; created when nil.
	ChunkStore *chunkstore.Store
	// CallbackExecutorThreads sizes the pool dispatching table callbacks.
	CallbackExecutorThreads int
	Logger                  logpkg.Logger
}

// Service is the replay server core. The table registry is fixed after New
// returns, so lookups take no lock.
type Service struct {
	tables       map[string]table.Table
	checkpointer checkpoint.Checkpointer
	chunks       *chunkstore.Store
	exec         *executor.TaskExecutor
	stateID      [16]byte
	logger       logpkg.Logger
	broker       handleBroker

	itemsInserted   *metrics.Counter
	samplesStreamed *metrics.Counter
	insertStreams   *metrics.Counter
	sampleStreams   *metrics.Counter
}

// New builds a Service. If a checkpointer is configured, the latest
// checkpoint is loaded first, falling back to the configured fallback
// checkpoint; starting empty is only acceptable when neither exists.
func New(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	s := &Service{
		tables:       make(map[string]table.Table, len(opts.Tables)),
		checkpointer: opts.Checkpointer,
		chunks:       opts.ChunkStore,
		logger:       logger.With(logpkg.Component("service")),

		itemsInserted:   metrics.GetOrCreateCounter("replay_items_inserted_total"),
		samplesStreamed: metrics.GetOrCreateCounter("replay_samples_streamed_total"),
		insertStreams:   metrics.GetOrCreateCounter("replay_insert_streams_total"),
		sampleStreams:   metrics.GetOrCreateCounter("replay_sample_streams_total"),
	}
	s.broker.init()
	if s.chunks == nil {
		s.chunks = chunkstore.New()
	}

	if s.checkpointer != nil {
		err := s.checkpointer.LoadLatest(s.chunks, opts.Tables)
		if checkpoint.IsNotFound(err) {
			err = s.checkpointer.LoadFallback(s.chunks, opts.Tables)
		}
		if err != nil && !checkpoint.IsNotFound(err) {
			return nil, fmt.Errorf("service: loading checkpoint: %w", err)
		}
	}

	for _, tbl := range opts.Tables {
		name := tbl.Name()
		if _, ok := s.tables[name]; ok {
			return nil, fmt.Errorf("service: duplicate table name %q", name)
		}
		s.tables[name] = tbl
	}

	threads := opts.CallbackExecutorThreads
	if threads <= 0 {
		threads = DefaultCallbackExecutorThreads
	}
	s.exec = executor.New(threads, "TableCallbackExecutor")
	for _, tbl := range s.tables {
		tbl.SetCallbackExecutor(s.exec)
	}

	id := uuid.New()
	copy(s.stateID[:], id[:])

	s.logger.Info("service initialized",
		logpkg.Int("tables", len(s.tables)),
		logpkg.Int("callback_threads", threads),
		logpkg.Str("tables_state_id", id.String()))
	return s, nil
}

// TableByName returns the named table, or nil.
func (s *Service) TableByName(name string) table.Table { return s.tables[name] }

// ChunkStore returns the shared chunk registry.
func (s *Service) ChunkStore() *chunkstore.Store { return s.chunks }

// Checkpoint writes a checkpoint of every table and returns its path.
func (s *Service) Checkpoint(ctx context.Context, _ *replayv1.CheckpointRequest) (*replayv1.CheckpointResponse, error) {
	if s.checkpointer == nil {
		return nil, status.Error(codes.InvalidArgument,
			"no Checkpointer configured for the replay service")
	}
	tables := make([]table.Table, 0, len(s.tables))
	for _, tbl := range s.tables {
		tables = append(tables, tbl)
	}
	path, err := s.checkpointer.Save(tables, 1)
	if err != nil {
		return nil, err
	}
	s.logger.Info("stored checkpoint", logpkg.Str("path", path))
	return &replayv1.CheckpointResponse{CheckpointPath: path}, nil
}

// MutatePriorities applies priority updates and deletions to one table.
func (s *Service) MutatePriorities(ctx context.Context, req *replayv1.MutatePrioritiesRequest) (*replayv1.MutatePrioritiesResponse, error) {
	tbl := s.TableByName(req.Table)
	if tbl == nil {
		return nil, errTableNotFound(req.Table)
	}
	if err := tbl.MutateItems(req.Updates, req.DeleteKeys); err != nil {
		return nil, err
	}
	return &replayv1.MutatePrioritiesResponse{}, nil
}

// Reset empties one table.
func (s *Service) Reset(ctx context.Context, req *replayv1.ResetRequest) (*replayv1.ResetResponse, error) {
	tbl := s.TableByName(req.Table)
	if tbl == nil {
		return nil, errTableNotFound(req.Table)
	}
	if err := tbl.Reset(); err != nil {
		return nil, err
	}
	return &replayv1.ResetResponse{}, nil
}

// ServerInfo snapshots every table plus the service identity cookie.
func (s *Service) ServerInfo(ctx context.Context, _ *replayv1.ServerInfoRequest) (*replayv1.ServerInfoResponse, error) {
	resp := &replayv1.ServerInfoResponse{TablesStateID: s.stateID}
	for _, tbl := range s.tables {
		resp.TableInfo = append(resp.TableInfo, tbl.Info())
	}
	return resp, nil
}

// Close shuts every table down and stops the callback executor.
func (s *Service) Close() {
	for _, tbl := range s.tables {
		tbl.Close()
	}
	s.exec.Close()
}

// DebugString renders the registry for diagnostics.
func (s *Service) DebugString() string {
	var b strings.Builder
	b.WriteString("ReplayService(tables=[")
	first := true
	for _, tbl := range s.tables {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(tbl.DebugString())
	}
	b.WriteString("], checkpointer=")
	if s.checkpointer != nil {
		b.WriteString(s.checkpointer.DebugString())
	} else {
		b.WriteString("none")
	}
	b.WriteString(")")
	return b.String()
}

func errTableNotFound(name string) error {
	return status.Errorf(codes.NotFound, "priority table %s was not found", name)
}

func errInternal(format string, args ...interface{}) error {
	return status.Errorf(codes.Internal, format, args...)
}
