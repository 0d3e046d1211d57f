// Package config defines the root configuration for the workstation
// orchestration core: the Relay message bus, the Pulse scheduler, the Mesh
// agent registry, the session manager, and the HTTP+SSE API, each as its
// own nested section the way the teacher's gateway config groups sections
// per subsystem.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and a single bare string in
// JSON, for CLI-editable fields like MeshConfig.MarkerFiles.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*f = []string{single}
	return nil
}

// Config is the root configuration for the orchestration core.
type Config struct {
	Relay    RelayConfig    `json:"relay"`
	Pulse    PulseConfig    `json:"pulse"`
	Mesh     MeshConfig     `json:"mesh"`
	Sessions SessionsConfig `json:"sessions"`
	HTTP     HTTPConfig     `json:"http"`

	mu sync.RWMutex
}

// RelayConfig configures the message bus (spec.md §4.1-§4.9).
type RelayConfig struct {
	MaildirRoot string        `json:"maildirRoot"`
	IndexPath   string        `json:"indexPath"`
	Breaker     BreakerConfig `json:"breaker"`
}

// BreakerConfig configures the per-endpoint circuit breaker, corresponding
// to the Open Question decision recorded in DESIGN.md.
type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold"`
	BaseCooldown     time.Duration `json:"baseCooldown"`
	MaxCooldown      time.Duration `json:"maxCooldown"`
}

// PulseConfig configures the cron scheduler (spec.md §4.11-§4.12).
type PulseConfig struct {
	DBPath            string `json:"dbPath"`
	MaxConcurrentRuns int    `json:"maxConcurrentRuns"`
	RetainRunsPerJob  int    `json:"retainRunsPerJob"`
}

// MeshConfig configures agent discovery and registration (spec.md §4.10).
type MeshConfig struct {
	MarkerFiles             FlexibleStringSlice `json:"markerFiles"`
	DiscoveryMaxDepth       int                 `json:"discoveryMaxDepth"`
	UnreachableGCAfterHours int                 `json:"unreachableGcAfterHours"`
}

// SessionsConfig configures the session manager (spec.md §4.12) and the
// path-safety boundary every session's cwd is validated against
// (spec.md §4.14).
type SessionsConfig struct {
	StaleAfter     time.Duration `json:"staleAfter"`
	DefaultMode    string        `json:"defaultMode"`
	TranscriptRoot string        `json:"transcriptRoot"`
	BoundaryRoot   string        `json:"boundaryRoot"`

	// BackendCommand/BackendArgs configure the external agent CLI
	// runtime.ExecBackend shells out to. The agent runtime itself is out
	// of scope (spec.md §1); this only names which binary to invoke.
	BackendCommand string   `json:"backendCommand"`
	BackendArgs    []string `json:"backendArgs"`
}

// HTTPConfig configures the HTTP+SSE API surface (spec.md §6).
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex,
// matching the teacher's ReplaceFrom for in-place config hot-swap.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay = src.Relay
	c.Pulse = src.Pulse
	c.Mesh = src.Mesh
	c.Sessions = src.Sessions
	c.HTTP = src.HTTP
}

// Snapshot returns a copy of the config safe to read without holding the
// lock further.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{Relay: c.Relay, Pulse: c.Pulse, Mesh: c.Mesh, Sessions: c.Sessions, HTTP: c.HTTP}
}

// MarshalJSON takes the read lock so concurrent Save/Snapshot callers never
// race with a field mutation mid-encode.
func (c *Config) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	type alias Config
	return json.Marshal((*alias)(&Config{Relay: c.Relay, Pulse: c.Pulse, Mesh: c.Mesh, Sessions: c.Sessions, HTTP: c.HTTP}))
}

// Hash returns the first 8 bytes of the SHA-256 digest of the config
// contents as hex, matching the teacher's config.Hash; it changes whenever
// the encoded config changes.
func (c *Config) Hash() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
