// Package serverrun wires configuration, checkpointing, tables, the service
// core and the TCP listener into a running replay server.
package serverrun

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/robfig/cron/v3"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	"github.com/rzbill/replay/internal/checkpoint"
	cfgpkg "github.com/rzbill/replay/internal/config"
	"github.com/rzbill/replay/internal/chunkstore"
	tcpserver "github.com/rzbill/replay/internal/server/tcp"
	"github.com/rzbill/replay/internal/service"
	"github.com/rzbill/replay/internal/table"
	logpkg "github.com/rzbill/replay/pkg/log"
)

// Options configures Run.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Ready, when non-nil, receives the bound listen address once the server
	// accepts connections. Used by tests.
	Ready chan<- string
}

// Run starts the replay server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}

	logger := opts.Logger
	if logger == nil {
		logger = newLoggerFromEnv()
	}
	logpkg.RedirectStdLog(logger)

	checkpointer := checkpoint.NewPebble(
		filepath.Join(cfg.DataDir, "checkpoints"), cfg.FallbackCheckpoint, logger)

	tables := make([]table.Table, 0, len(cfg.Tables))
	for _, tc := range cfg.Tables {
		tbl, err := table.NewMemTable(table.Options{
			Name:              tc.Name,
			MaxSize:           tc.MaxSize,
			MinSizeToSample:   tc.MinSizeToSample,
			SamplesPerInsert:  tc.SamplesPerInsert,
			FlexibleBatchSize: tc.FlexibleBatchSize,
			Sampler:           tc.Sampler,
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("building table %q: %w", tc.Name, err)
		}
		tables = append(tables, tbl)
	}

	svc, err := service.New(service.Options{
		Tables:                  tables,
		Checkpointer:            checkpointer,
		ChunkStore:              chunkstore.New(),
		CallbackExecutorThreads: cfg.CallbackExecutorThreads,
		Logger:                  logger,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	if cfg.CheckpointSchedule != "" {
		sched := cron.New()
		if _, err := sched.AddFunc(cfg.CheckpointSchedule, func() {
			if _, err := svc.Checkpoint(context.Background(), &replayv1.CheckpointRequest{}); err != nil {
				logger.Error("scheduled checkpoint failed", logpkg.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("checkpoint schedule %q: %w", cfg.CheckpointSchedule, err)
		}
		sched.Start()
		defer sched.Stop()
		logger.Info("checkpoint schedule active",
			logpkg.Str("schedule", cfg.CheckpointSchedule))
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			metrics.WritePrometheus(w, true)
		})
		msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", logpkg.Err(err))
			}
		}()
		defer func() {
			shctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = msrv.Shutdown(shctx)
		}()
		logger.Info("metrics listener started", logpkg.Str("addr", cfg.MetricsAddr))
	}

	srv := tcpserver.New(svc, logger)
	logger.Info("starting replay server",
		logpkg.Str("listen", cfg.ListenAddr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Int("tables", len(tables)))
	if opts.Ready != nil {
		go func() {
			for srv.Addr() == "" {
				time.Sleep(5 * time.Millisecond)
			}
			opts.Ready <- srv.Addr()
		}()
	}
	return srv.ListenAndServe(sctx, cfg.ListenAddr)
}

func newLoggerFromEnv() logpkg.Logger {
	level, err := logpkg.ParseLevel(os.Getenv("REPLAY_LOG_LEVEL"))
	if err != nil {
		level = logpkg.InfoLevel
	}
	format := logpkg.TextFormat
	if os.Getenv("REPLAY_LOG_FORMAT") == "json" {
		format = logpkg.JSONFormat
	}
	return logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormat(format))
}
