package config

import (
	"os"
	"strconv"
)

// FromEnv overlays REPLAY_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("REPLAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REPLAY_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("REPLAY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("REPLAY_CALLBACK_EXECUTOR_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CallbackExecutorThreads = n
		}
	}
	if v := os.Getenv("REPLAY_CHECKPOINT_SCHEDULE"); v != "" {
		cfg.CheckpointSchedule = v
	}
	if v := os.Getenv("REPLAY_FALLBACK_CHECKPOINT"); v != "" {
		cfg.FallbackCheckpoint = v
	}
}
