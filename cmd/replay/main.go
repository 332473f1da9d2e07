package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	serverrun "github.com/rzbill/replay/internal/cmd/server"
	cfgpkg "github.com/rzbill/replay/internal/config"
	tcpserver "github.com/rzbill/replay/internal/server/tcp"
	logpkg "github.com/rzbill/replay/pkg/log"
)

func main() {
	// Optional .env next to the binary, overridden by the real environment.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay buffer server CLI",
		Long:  "replay runs and administers a priority-sampled replay buffer server.",
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the replay server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			if v, _ := cmd.Flags().GetString("listen"); v != "" {
				cfg.ListenAddr = v
			}
			if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
				cfg.DataDir = v
			}
			if v, _ := cmd.Flags().GetString("metrics"); v != "" {
				cfg.MetricsAddr = v
			}
			if v, _ := cmd.Flags().GetInt("callback-threads"); v > 0 {
				cfg.CallbackExecutorThreads = v
			}
			if v, _ := cmd.Flags().GetString("checkpoint-schedule"); v != "" {
				cfg.CheckpointSchedule = v
			}
			if v, _ := cmd.Flags().GetString("log-level"); v != "" {
				_ = os.Setenv("REPLAY_LOG_LEVEL", v)
			}
			if v, _ := cmd.Flags().GetString("log-format"); v != "" {
				_ = os.Setenv("REPLAY_LOG_FORMAT", v)
			}
			if err := serverrun.Run(cmd.Context(), serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", "", "Path to JSON configuration file")
	serverStartCmd.Flags().String("listen", "", "Listen address (default :7878)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (defaults to an OS-specific location)")
	serverStartCmd.Flags().String("metrics", "", "Metrics HTTP listen address (disabled when empty)")
	serverStartCmd.Flags().Int("callback-threads", 0, "Callback executor pool size (default 32)")
	serverStartCmd.Flags().String("checkpoint-schedule", "", "Cron spec for scheduled checkpoints, e.g. '@every 5m'")
	serverStartCmd.Flags().String("log-level", os.Getenv("REPLAY_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("REPLAY_LOG_FORMAT"), "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(resetCmd())

	if err := rootCmd.Execute(); err != nil {
		logger := logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))
		logger.Error("command failed", logpkg.Err(err))
		os.Exit(1)
	}
}

func clientFor(cmd *cobra.Command) (*tcpserver.Client, context.Context, context.CancelFunc) {
	addr, _ := cmd.Flags().GetString("addr")
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	return tcpserver.NewClient(addr), ctx, cancel
}

func addAddrFlag(cmd *cobra.Command) {
	cmd.Flags().String("addr", envDefault("REPLAY_ADDR", "127.0.0.1:7878"), "Server address")
}

func infoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print table snapshots and the server state id",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel := clientFor(cmd)
			defer cancel()
			resp, err := client.ServerInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("tables_state_id: %x\n", resp.TablesStateID)
			for _, ti := range resp.TableInfo {
				fmt.Printf("table %-20s size=%d max=%d inserts=%d samples=%d batch=%d\n",
					ti.Name, ti.CurrentSize, ti.MaxSize, ti.NumInserts, ti.NumSamples,
					ti.DefaultFlexibleBatchSize)
			}
			return nil
		},
	}
	addAddrFlag(cmd)
	return cmd
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Trigger a checkpoint and print its path",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel := clientFor(cmd)
			defer cancel()
			path, err := client.Checkpoint(ctx)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	addAddrFlag(cmd)
	return cmd
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <table>",
		Short: "Remove every item from a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel := clientFor(cmd)
			defer cancel()
			return client.Reset(ctx, args[0])
		},
	}
	addAddrFlag(cmd)
	return cmd
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
