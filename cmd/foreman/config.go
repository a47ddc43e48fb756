package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileConfig is the TOML runtime configuration. Every field has a usable
// default; a missing config file is not an error.
type FileConfig struct {
	RepoRoot       string `toml:"repo_root"`
	BaseBranch     string `toml:"base_branch"`
	AgentBin       string `toml:"agent_bin"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	InboxBatchSize int    `toml:"inbox_batch_size"`

	Health  HealthConfig  `toml:"health"`
	Steward StewardConfig `toml:"steward"`
}

// HealthConfig tunes failure detection.
type HealthConfig struct {
	NoOutputThresholdMS int `toml:"no_output_threshold_ms"`
	ErrorWindowMS       int `toml:"error_window_ms"`
	ErrorCountThreshold int `toml:"error_count_threshold"`
	MaxPingAttempts     int `toml:"max_ping_attempts"`
}

// StewardConfig tunes the maintenance scheduler.
type StewardConfig struct {
	ExecutionTimeoutMS   int    `toml:"execution_timeout_ms"`
	MaxHistoryPerSteward int    `toml:"max_history_per_steward"`
	HealthCheckSchedule  string `toml:"health_check_schedule"` // cron for the built-in health steward
}

func (c FileConfig) withDefaults() FileConfig {
	if c.RepoRoot == "" {
		c.RepoRoot = "."
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.AgentBin == "" {
		c.AgentBin = "claude"
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 5000
	}
	if c.InboxBatchSize <= 0 {
		c.InboxBatchSize = 50
	}
	if c.Health.NoOutputThresholdMS <= 0 {
		c.Health.NoOutputThresholdMS = 300_000
	}
	if c.Health.ErrorWindowMS <= 0 {
		c.Health.ErrorWindowMS = 600_000
	}
	if c.Health.ErrorCountThreshold <= 0 {
		c.Health.ErrorCountThreshold = 5
	}
	if c.Health.MaxPingAttempts <= 0 {
		c.Health.MaxPingAttempts = 3
	}
	if c.Steward.ExecutionTimeoutMS <= 0 {
		c.Steward.ExecutionTimeoutMS = 300_000
	}
	if c.Steward.MaxHistoryPerSteward <= 0 {
		c.Steward.MaxHistoryPerSteward = 20
	}
	if c.Steward.HealthCheckSchedule == "" {
		c.Steward.HealthCheckSchedule = "*/10 * * * *"
	}
	return c
}

// PollInterval returns the configured poll interval as a duration.
func (c FileConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// LoadConfig reads TOML config from path. A missing file yields the defaults.
func LoadConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.withDefaults(), nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}
