package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	events     []StreamEvent
	neverClose bool
}

func (f *fakeRunner) EnsureSession(ctx context.Context, sessionID, permissionMode, cwd string) error {
	return nil
}

func (f *fakeRunner) SendMessage(ctx context.Context, sessionID, content string) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent, len(f.events))
	for _, e := range f.events {
		ch <- e
	}
	if !f.neverClose {
		close(ch)
	}
	return ch, nil
}

func TestExecuteRunContextSuffixIsPure(t *testing.T) {
	sched := Schedule{Name: "nightly", Cron: "0 2 * * *", Cwd: "/proj"}
	run := Run{ID: "run-1", Trigger: TriggerScheduled}

	a := ExecuteRunContextSuffix(sched, run)
	b := ExecuteRunContextSuffix(sched, run)
	require.Equal(t, a, b)
	require.Contains(t, a, "nightly")
	require.Contains(t, a, "run-1")
	require.Contains(t, a, "do not ask questions")
}

func TestTriggerManualRunCompletesAndRecordsSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sched, err := store.CreateSchedule(ctx, CreateScheduleInput{Name: "s", Prompt: "p", Cron: "* * * * *"})
	require.NoError(t, err)

	runner := &fakeRunner{events: []StreamEvent{
		{Kind: StreamText, Text: "hello "},
		{Kind: StreamText, Text: "world"},
		{Kind: StreamDone},
	}}
	sched.Status = ScheduleActive

	s := NewScheduler(store, runner, 4)
	run, err := s.TriggerManualRun(ctx, sched.ID)
	require.NoError(t, err)
	require.Equal(t, TriggerManual, run.Trigger)

	require.Eventually(t, func() bool {
		got, ok, err := store.GetRun(ctx, run.ID)
		return err == nil && ok && got.Status == RunCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, ok, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello world", got.OutputSummary)
	require.NotNil(t, got.DurationMs)
}

func TestTriggerManualRunFailureRecordsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sched, err := store.CreateSchedule(ctx, CreateScheduleInput{Name: "s", Prompt: "p", Cron: "* * * * *"})
	require.NoError(t, err)

	runner := &fakeRunner{events: []StreamEvent{
		{Kind: StreamError, Err: "boom"},
	}}
	s := NewScheduler(store, runner, 4)
	run, err := s.TriggerManualRun(ctx, sched.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok, err := store.GetRun(ctx, run.ID)
		return err == nil && ok && got.Status == RunFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, _, _ := store.GetRun(ctx, run.ID)
	require.Equal(t, "boom", got.Error)
}

func TestSchedulerRespectsGlobalConcurrencyCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sched, err := store.CreateSchedule(ctx, CreateScheduleInput{Name: "s", Prompt: "p", Cron: "* * * * *"})
	require.NoError(t, err)

	runner := &fakeRunner{neverClose: true}
	s := NewScheduler(store, runner, 1)

	run1, err := s.store.CreateRun(ctx, sched.ID, TriggerManual)
	require.NoError(t, err)
	go s.executeRun(ctx, sched, run1)

	require.Eventually(t, func() bool { return s.GetActiveRunCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err = s.TriggerManualRun(ctx, sched.ID)
	require.Error(t, err, "at capacity should reject a second manual trigger")

	s.CancelRun(run1.ID)
}

func TestCancelRunMarksCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sched, err := store.CreateSchedule(ctx, CreateScheduleInput{Name: "s", Prompt: "p", Cron: "* * * * *"})
	require.NoError(t, err)

	runner := &fakeRunner{neverClose: true} // only runCtx cancellation ends this run
	s := NewScheduler(store, runner, 4)
	run, err := s.store.CreateRun(ctx, sched.ID, TriggerManual)
	require.NoError(t, err)

	go s.executeRun(ctx, sched, run)
	require.Eventually(t, func() bool { return s.GetActiveRunCount() == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, s.CancelRun(run.ID))

	require.Eventually(t, func() bool {
		got, ok, err := store.GetRun(ctx, run.ID)
		return err == nil && ok && got.Status == RunCancelled
	}, 2*time.Second, 10*time.Millisecond)
}
