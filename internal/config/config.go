// Package config carries the replay server's declarative configuration,
// loaded from a JSON file with REPLAY_* environment overlays.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// TableConfig declares one table to construct at startup.
type TableConfig struct {
	Name string `json:"name"`
	// MaxSize caps resident items; zero means unbounded.
	MaxSize int `json:"maxSize"`
	// MinSizeToSample gates sampling until this many items are resident.
	MinSizeToSample int `json:"minSizeToSample"`
	// SamplesPerInsert rate-limits sampling relative to inserts; zero
	// disables the limiter.
	SamplesPerInsert float64 `json:"samplesPerInsert"`
	// FlexibleBatchSize is the table's preferred sampling batch granularity.
	FlexibleBatchSize int64 `json:"flexibleBatchSize"`
	// Sampler is "prioritized" (default) or "uniform".
	Sampler string `json:"sampler"`
}

// Config is the top-level configuration.
type Config struct {
	ListenAddr string `json:"listenAddr"`
	// MetricsAddr serves Prometheus metrics over HTTP when non-empty.
	MetricsAddr string `json:"metricsAddr"`
	DataDir     string `json:"dataDir"`
	// CallbackExecutorThreads sizes the shared table-callback pool.
	CallbackExecutorThreads int `json:"callbackExecutorThreads"`
	// CheckpointSchedule is a cron spec (e.g. "@every 5m"); empty disables
	// scheduled checkpointing.
	CheckpointSchedule string `json:"checkpointSchedule"`
	// FallbackCheckpoint optionally names a checkpoint directory to seed
	// from when the data dir holds none.
	FallbackCheckpoint string        `json:"fallbackCheckpoint"`
	Tables             []TableConfig `json:"tables"`
}

// Default returns built-in defaults: one prioritized table and the stock
// callback pool size.
func Default() Config {
	return Config{
		ListenAddr:              ":7878",
		CallbackExecutorThreads: 32,
		Tables: []TableConfig{
			{Name: "experience", MaxSize: 1_000_000, Sampler: "prioritized"},
		},
	}
}

// Load reads configuration from a JSON file. An empty path returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if len(c.Tables) == 0 {
		return fmt.Errorf("config: at least one table is required")
	}
	seen := make(map[string]struct{}, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("config: table with empty name")
		}
		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("config: duplicate table name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}
