package mesh

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *AgentStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "mesh.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := NewAgentStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestComputeHealthStatus(t *testing.T) {
	now := time.Now()
	require.Equal(t, HealthStale, ComputeHealthStatus(nil, false, now))

	recent := now.Add(-1 * time.Minute)
	require.Equal(t, HealthActive, ComputeHealthStatus(&recent, false, now))

	inactive := now.Add(-10 * time.Minute)
	require.Equal(t, HealthInactive, ComputeHealthStatus(&inactive, false, now))

	stale := now.Add(-31 * time.Minute)
	require.Equal(t, HealthStale, ComputeHealthStatus(&stale, false, now))

	require.Equal(t, HealthUnreachable, ComputeHealthStatus(&recent, true, now))
}

func TestAgentStoreUpsertReplacesStaleProjectPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := Manifest{ID: "agent-1", Name: "a", Runtime: RuntimeClaudeCode, ProjectPath: "/p", RegisteredAt: time.Now(), Behavior: BehaviorOnMention}
	require.NoError(t, store.Upsert(ctx, first))

	second := Manifest{ID: "agent-2", Name: "b", Runtime: RuntimeClaudeCode, ProjectPath: "/p", RegisteredAt: time.Now(), Behavior: BehaviorOnMention}
	require.NoError(t, store.Upsert(ctx, second))

	_, ok, err := store.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.False(t, ok, "prior id at the same projectPath must be removed")

	got, ok, err := store.Get(ctx, "agent-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", got.Name)
}

func TestMeshRegisterByPathRequiresMarker(t *testing.T) {
	store := newTestStore(t)
	m := New(store)
	dir := t.TempDir()

	_, err := m.RegisterByPath(context.Background(), dir, Overrides{Name: "x", Runtime: RuntimeClaudeCode}, "tester")
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("# hi"), 0o644))
	manifest, err := m.RegisterByPath(context.Background(), dir, Overrides{Name: "x", Runtime: RuntimeClaudeCode}, "tester")
	require.NoError(t, err)
	require.Equal(t, "x", manifest.Name)
	require.Equal(t, dir, manifest.ProjectPath)
}

func TestMeshGetStatus(t *testing.T) {
	store := newTestStore(t)
	m := New(store)
	ctx := context.Background()

	recent := time.Now().Add(-1 * time.Minute)
	require.NoError(t, store.Upsert(ctx, Manifest{ID: "a1", Runtime: RuntimeClaudeCode, ProjectPath: "/a", RegisteredAt: time.Now(), LastSeenAt: &recent, Behavior: BehaviorOnMention}))
	require.NoError(t, store.Upsert(ctx, Manifest{ID: "a2", Runtime: RuntimeCodex, ProjectPath: "/b", RegisteredAt: time.Now(), Behavior: BehaviorOnMention}))

	status, err := m.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.TotalAgents)
	require.Equal(t, 1, status.ActiveCount)
	require.Equal(t, 1, status.StaleCount)
}

func TestDiscoverRespectsMaxDepthAndDenials(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj-a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "proj-a", "CLAUDE.md"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj-b", "nested", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "proj-b", "AGENTS.md"), []byte("x"), 0o644))

	store := newTestStore(t)
	require.NoError(t, store.Deny(context.Background(), DenialRecord{ID: "d1", FilePath: filepath.Join(root, "proj-b"), DeniedAt: time.Now()}))

	ch := Discover(context.Background(), store, []string{root}, DiscoverOptions{MaxDepth: 2})
	var found []string
	for c := range ch {
		found = append(found, c.ProjectPath)
	}
	require.ElementsMatch(t, []string{filepath.Join(root, "proj-a")}, found)
}

func TestDiscoverCancellation(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		dir := filepath.Join(root, "proj", string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("x"), 0o644))
	}

	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := Discover(ctx, store, []string{root}, DiscoverOptions{})

	<-ch
	cancel()

	// Draining the rest must terminate promptly rather than hang.
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("discover did not honor cancellation")
	}
}
