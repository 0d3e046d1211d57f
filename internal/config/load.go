package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Default returns a Config with sensible defaults for a single-machine
// workstation deployment.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			MaildirRoot: ExpandHome("~/.goclaw-core/maildir"),
			IndexPath:   ExpandHome("~/.goclaw-core/relay-index.sqlite"),
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				BaseCooldown:     thirtySeconds,
				MaxCooldown:      tenMinutes,
			},
		},
		Pulse: PulseConfig{
			DBPath:            ExpandHome("~/.goclaw-core/pulse.sqlite"),
			MaxConcurrentRuns: 4,
			RetainRunsPerJob:  50,
		},
		Mesh: MeshConfig{
			MarkerFiles:             FlexibleStringSlice{"CLAUDE.md", "AGENTS.md", ".mcp.json", "agent.json"},
			DiscoveryMaxDepth:       3,
			UnreachableGCAfterHours: 72,
		},
		Sessions: SessionsConfig{
			StaleAfter:     thirtyMinutes,
			DefaultMode:    "default",
			TranscriptRoot: ExpandHome("~/.goclaw-core/transcripts"),
			BoundaryRoot:   ExpandHome("~/.goclaw-core/projects"),
			BackendCommand: "claude",
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8787",
		},
	}
}

const (
	thirtySeconds = 30_000_000_000
	tenMinutes    = 600_000_000_000
	thirtyMinutes = 1_800_000_000_000
)

// Load reads config from a JSON file, falling back to defaults if absent,
// then overlays environment variable overrides — matching the teacher's
// Load/applyEnvOverrides split in internal/config/config_load.go.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOCLAW_CORE_MAILDIR_ROOT"); v != "" {
		c.Relay.MaildirRoot = v
	}
	if v := os.Getenv("GOCLAW_CORE_RELAY_INDEX"); v != "" {
		c.Relay.IndexPath = v
	}
	if v := os.Getenv("GOCLAW_CORE_PULSE_DB"); v != "" {
		c.Pulse.DBPath = v
	}
	if v := os.Getenv("GOCLAW_CORE_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("GOCLAW_CORE_MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pulse.MaxConcurrentRuns = n
		}
	}
}

// Save atomically persists cfg to path via temp-file + fsync + rename,
// matching internal/relay/endpoint.go's EndpointRegistry.saveLocked.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory, matching
// the teacher's config.ExpandHome.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
