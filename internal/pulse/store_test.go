package pulse

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestCreateScheduleDefaultsActive(t *testing.T) {
	store := newTestStore(t)
	sched, err := store.CreateSchedule(context.Background(), CreateScheduleInput{Name: "nightly", Prompt: "do it", Cron: "0 2 * * *"})
	require.NoError(t, err)
	require.Equal(t, ScheduleActive, sched.Status)
	require.True(t, sched.Enabled)
}

func TestCreateScheduleAgentCreatedForcesPendingApproval(t *testing.T) {
	store := newTestStore(t)
	sched, err := store.CreateSchedule(context.Background(), CreateScheduleInput{
		Name: "agent-made", Prompt: "x", Cron: "* * * * *", ForcePendingApproval: true,
	})
	require.NoError(t, err)
	require.Equal(t, SchedulePendingApproval, sched.Status)
}

func TestMarkRunningAsFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sched, err := store.CreateSchedule(ctx, CreateScheduleInput{Name: "s", Prompt: "p", Cron: "* * * * *"})
	require.NoError(t, err)

	run, err := store.CreateRun(ctx, sched.ID, TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, RunRunning, run.Status)

	changed, err := store.MarkRunningAsFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), changed)

	got, ok, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, RunFailed, got.Status)
	require.Equal(t, "Interrupted by server restart", got.Error)

	// Completed/failed/cancelled runs are left untouched.
	completed := RunCompleted
	_, _, err = store.UpdateRun(ctx, run.ID, RunPatch{Status: &completed})
	require.NoError(t, err)
	changed, err = store.MarkRunningAsFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), changed)
}

func TestPruneRunsKeepsMostRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sched, err := store.CreateSchedule(ctx, CreateScheduleInput{Name: "s", Prompt: "p", Cron: "* * * * *"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.CreateRun(ctx, sched.ID, TriggerManual)
		require.NoError(t, err)
	}

	deleted, err := store.PruneRuns(ctx, sched.ID, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), deleted)

	remaining, err := store.ListRuns(ctx, ListRunsFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}
