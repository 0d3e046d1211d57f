package config

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Pulse.MaxConcurrentRuns)
	require.Equal(t, "127.0.0.1:8787", cfg.HTTP.Addr)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.HTTP.Addr = "0.0.0.0:9000"
	cfg.Pulse.MaxConcurrentRuns = 9

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", loaded.HTTP.Addr)
	require.Equal(t, 9, loaded.Pulse.MaxConcurrentRuns)
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(path, Default()))

	t.Setenv("GOCLAW_CORE_HTTP_ADDR", "10.0.0.1:1234")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:1234", cfg.HTTP.Addr)
}

func TestFlexibleStringSliceAcceptsBareString(t *testing.T) {
	var f FlexibleStringSlice
	require.NoError(t, json.Unmarshal([]byte(`"CLAUDE.md"`), &f))
	require.Equal(t, FlexibleStringSlice{"CLAUDE.md"}, f)

	require.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &f))
	require.Equal(t, FlexibleStringSlice{"a", "b"}, f)
}

func TestReplaceFromSwapsContents(t *testing.T) {
	cfg := Default()
	other := Default()
	other.HTTP.Addr = "changed:1"

	cfg.ReplaceFrom(other)
	require.Equal(t, "changed:1", cfg.HTTP.Addr)
}

func TestHashChangesWithContent(t *testing.T) {
	cfg := Default()
	h1 := cfg.Hash()
	cfg.HTTP.Addr = "different:1"
	h2 := cfg.Hash()
	require.NotEqual(t, h1, h2)
}
