package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// StreamEventKind mirrors the subset of session-manager stream events the
// scheduler needs to observe to build a Run's outputSummary.
type StreamEventKind string

const (
	StreamText  StreamEventKind = "text_delta"
	StreamDone  StreamEventKind = "done"
	StreamError StreamEventKind = "error"
)

// StreamEvent is the scheduler's own narrow view of a session stream event.
// The session manager's richer event type is adapted into this one by the
// wiring in cmd/goclawd, keeping internal/pulse free of a dependency on
// internal/session.
type StreamEvent struct {
	Kind StreamEventKind
	Text string
	Err  string
}

// Runner is the narrow surface of the session manager the scheduler needs:
// open a session keyed by run id, then stream a single message to
// completion.
type Runner interface {
	EnsureSession(ctx context.Context, sessionID, permissionMode, cwd string) error
	SendMessage(ctx context.Context, sessionID, content string) (<-chan StreamEvent, error)
}

const retentionPerSchedule = 100
const outputSummaryCap = 500
const drainTimeout = 30 * time.Second

type activeRun struct {
	cancel context.CancelFunc
}

// Scheduler registers and dispatches cron jobs, enforcing per-job overrun
// protection (one goroutine per schedule, synchronous execute-then-
// reschedule) and a global concurrency cap across all schedules.
type Scheduler struct {
	store  *Store
	cron   *Cron
	runner Runner

	maxConcurrentRuns int

	mu         sync.Mutex
	activeRuns map[string]*activeRun // run id -> cancel
	stopChans  map[string]chan struct{}
	wg         sync.WaitGroup
	stopped    bool
}

// NewScheduler builds a Scheduler bound to store and runner.
func NewScheduler(store *Store, runner Runner, maxConcurrentRuns int) *Scheduler {
	if maxConcurrentRuns <= 0 {
		maxConcurrentRuns = 4
	}
	return &Scheduler{
		store:             store,
		cron:              NewCron(),
		runner:            runner,
		maxConcurrentRuns: maxConcurrentRuns,
		activeRuns:        make(map[string]*activeRun),
		stopChans:         make(map[string]chan struct{}),
	}
}

// Start recovers from a prior crash, registers every enabled+active
// schedule, and prunes each schedule's run history (spec.md §4.11).
func (s *Scheduler) Start(ctx context.Context) error {
	changed, err := s.store.MarkRunningAsFailed(ctx)
	if err != nil {
		return fmt.Errorf("pulse: mark running as failed: %w", err)
	}
	if changed > 0 {
		slog.Info("pulse.scheduler.crash_recovery", "runs_marked_failed", changed)
	}

	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("pulse: list schedules: %w", err)
	}
	for _, sched := range schedules {
		s.RegisterSchedule(sched)
		if _, err := s.store.PruneRuns(ctx, sched.ID, retentionPerSchedule); err != nil {
			slog.Warn("pulse.scheduler.prune_failed", "schedule", sched.ID, "error", err)
		}
	}
	return nil
}

// RegisterSchedule starts a dedicated goroutine loop for one schedule. The
// loop is the overrun-protection mechanism: it only computes the next tick
// after the previous executeRun call returns, so the same schedule can
// never have two runs in flight.
func (s *Scheduler) RegisterSchedule(sched Schedule) {
	s.mu.Lock()
	if _, exists := s.stopChans[sched.ID]; exists {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stopChans[sched.ID] = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.scheduleLoop(sched.ID, stop)
}

// UnregisterSchedule stops a schedule's dispatch loop without touching any
// run already in flight.
func (s *Scheduler) UnregisterSchedule(scheduleID string) {
	s.mu.Lock()
	stop, ok := s.stopChans[scheduleID]
	delete(s.stopChans, scheduleID)
	s.mu.Unlock()
	if ok {
		close(stop)
	}
}

func (s *Scheduler) scheduleLoop(scheduleID string, stop chan struct{}) {
	defer s.wg.Done()
	ctx := context.Background()

	for {
		sched, ok, err := s.store.GetSchedule(ctx, scheduleID)
		if err != nil || !ok || !sched.Enabled || sched.Status != ScheduleActive {
			return
		}

		next, err := s.cron.NextAfter(sched.Cron, sched.Timezone, time.Now())
		if err != nil {
			slog.Error("pulse.scheduler.bad_cron", "schedule", scheduleID, "cron", sched.Cron, "error", err)
			return
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-stop:
			return
		case <-time.After(wait):
		}

		sched, ok, err = s.store.GetSchedule(ctx, scheduleID)
		if err != nil || !ok || !sched.Enabled || sched.Status != ScheduleActive {
			return
		}

		if s.activeCount() >= s.maxConcurrentRuns {
			slog.Warn("pulse.scheduler.tick_skipped_at_capacity", "schedule", scheduleID)
			continue
		}

		run, err := s.store.CreateRun(ctx, scheduleID, TriggerScheduled)
		if err != nil {
			slog.Error("pulse.scheduler.create_run_failed", "schedule", scheduleID, "error", err)
			continue
		}
		s.executeRun(ctx, sched, run)
	}
}

func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeRuns)
}

// TriggerManualRun creates a manual-trigger run and kicks off executeRun
// without awaiting it.
func (s *Scheduler) TriggerManualRun(ctx context.Context, scheduleID string) (Run, error) {
	sched, ok, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Run{}, err
	}
	if !ok {
		return Run{}, fmt.Errorf("pulse: schedule %s not found", scheduleID)
	}
	if s.activeCount() >= s.maxConcurrentRuns {
		return Run{}, fmt.Errorf("pulse: at capacity (%d active runs)", s.maxConcurrentRuns)
	}

	run, err := s.store.CreateRun(ctx, scheduleID, TriggerManual)
	if err != nil {
		return Run{}, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeRun(context.Background(), sched, run)
	}()
	return run, nil
}

// executeRun implements spec.md §4.11's nine-step sequence.
func (s *Scheduler) executeRun(ctx context.Context, sched Schedule, run Run) {
	runCtx, cancel := context.WithCancel(ctx)
	if sched.MaxRuntime != nil {
		runCtx, cancel = context.WithTimeout(ctx, *sched.MaxRuntime)
	}

	s.mu.Lock()
	s.activeRuns[run.ID] = &activeRun{cancel: cancel}
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.activeRuns, run.ID)
		s.mu.Unlock()
	}()

	if err := s.runner.EnsureSession(runCtx, run.ID, sched.PermissionMode, sched.Cwd); err != nil {
		s.finishRun(ctx, run.ID, RunFailed, "", err.Error())
		return
	}

	prompt := sched.Prompt + "\n\n" + ExecuteRunContextSuffix(sched, run)
	events, err := s.runner.SendMessage(runCtx, run.ID, prompt)
	if err != nil {
		s.finishRun(ctx, run.ID, RunFailed, "", err.Error())
		return
	}

	var summary strings.Builder
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.finishRun(ctx, run.ID, RunCompleted, clip(summary.String(), outputSummaryCap), "")
				return
			}
			switch ev.Kind {
			case StreamText:
				if summary.Len() < outputSummaryCap {
					summary.WriteString(ev.Text)
				}
			case StreamError:
				s.finishRun(ctx, run.ID, RunFailed, clip(summary.String(), outputSummaryCap), ev.Err)
				return
			case StreamDone:
				s.finishRun(ctx, run.ID, RunCompleted, clip(summary.String(), outputSummaryCap), "")
				return
			}
		case <-runCtx.Done():
			s.finishRun(ctx, run.ID, RunCancelled, clip(summary.String(), outputSummaryCap), "Run cancelled")
			return
		}
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (s *Scheduler) finishRun(ctx context.Context, runID string, status RunStatus, summary, errMsg string) {
	now := time.Now()
	patch := RunPatch{Status: &status, FinishedAt: &now}
	if summary != "" {
		patch.OutputSummary = &summary
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if run, ok, err := s.store.GetRun(ctx, runID); err == nil && ok {
		d := now.Sub(run.StartedAt).Milliseconds()
		patch.DurationMs = &d
	}
	if _, _, err := s.store.UpdateRun(ctx, runID, patch); err != nil {
		slog.Error("pulse.scheduler.update_run_failed", "run", runID, "error", err)
	}
}

// CancelRun signals the run's cancellation token. Returns false if no such
// run is active.
func (s *Scheduler) CancelRun(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.activeRuns[runID]
	if !ok {
		return false
	}
	ar.cancel()
	return true
}

// GetActiveRunCount returns the number of runs currently executing.
func (s *Scheduler) GetActiveRunCount() int {
	return s.activeCount()
}

// GetNextRun computes the next fire time for a schedule's cron expression.
func (s *Scheduler) GetNextRun(ctx context.Context, scheduleID string) (time.Time, error) {
	sched, ok, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, fmt.Errorf("pulse: schedule %s not found", scheduleID)
	}
	return s.cron.NextAfter(sched.Cron, sched.Timezone, time.Now())
}

// Stop cancels every active run, then waits up to 30 seconds for them to
// drain (spec.md §5).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, stop := range s.stopChans {
		close(stop)
	}
	s.stopChans = make(map[string]chan struct{})
	for _, ar := range s.activeRuns {
		ar.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		slog.Warn("pulse.scheduler.stop_timed_out")
	}
}

// ExecuteRunContextSuffix builds the prompt suffix reminding the agent it is
// running unattended and must not ask questions (spec.md §9: kept as a pure
// function of (schedule, run) so tests can assert on its content).
func ExecuteRunContextSuffix(sched Schedule, run Run) string {
	return fmt.Sprintf(
		"[pulse context: jobName=%q cron=%q cwd=%q runId=%q trigger=%q — "+
			"you are running unattended; do not ask questions, make reasonable "+
			"assumptions and proceed]",
		sched.Name, sched.Cron, sched.Cwd, run.ID, run.Trigger,
	)
}
