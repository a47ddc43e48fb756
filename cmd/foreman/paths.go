package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds all resolved foreman state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	ForemanHome string // ~/.foreman or FOREMAN_HOME
	ConfigPath  string // config.toml or FOREMAN_CONFIG
	DBPath      string // foreman.db or FOREMAN_DB_PATH
	RosterPath  string // agents.yaml or FOREMAN_ROSTER
}

// ResolvePaths returns all foreman paths, respecting env var overrides.
// Environment variables:
//   - FOREMAN_HOME: base directory for all foreman state (default: ~/.foreman)
//   - FOREMAN_CONFIG: runtime config file (default: $FOREMAN_HOME/config.toml)
//   - FOREMAN_DB_PATH: runtime database (default: $FOREMAN_HOME/foreman.db)
//   - FOREMAN_ROSTER: agent roster file (default: $FOREMAN_HOME/agents.yaml)
func ResolvePaths() (*Paths, error) {
	home, err := resolveForemanHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		ForemanHome: home,
		ConfigPath:  resolvePathWithEnv("FOREMAN_CONFIG", home, "config.toml"),
		DBPath:      resolvePathWithEnv("FOREMAN_DB_PATH", home, "foreman.db"),
		RosterPath:  resolvePathWithEnv("FOREMAN_ROSTER", home, "agents.yaml"),
	}, nil
}

// EnsureHome creates the foreman home directory if missing.
func (p *Paths) EnsureHome() error {
	if err := os.MkdirAll(p.ForemanHome, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", p.ForemanHome, err)
	}
	return nil
}

func resolveForemanHome() (string, error) {
	if v := os.Getenv("FOREMAN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".foreman"), nil
}

func resolvePathWithEnv(envVar, base, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return filepath.Join(base, name)
}
