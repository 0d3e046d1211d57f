// Package pulse implements the cron-driven unattended-job engine: schedule
// and run persistence plus a scheduler service with per-job overrun
// protection, global concurrency gating, and crash recovery.
package pulse

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newID(t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), idEntropy).String()
}

const isoMilli = "2006-01-02T15:04:05.000Z07:00"

// ScheduleStatus mirrors spec.md §3's Schedule.status enum.
type ScheduleStatus string

const (
	ScheduleActive          ScheduleStatus = "active"
	SchedulePendingApproval ScheduleStatus = "pending_approval"
	ScheduleDisabled        ScheduleStatus = "disabled"
)

// RunStatus mirrors spec.md §3's Run.status enum.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Trigger identifies what caused a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Schedule is a persisted cron-driven job definition.
type Schedule struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Prompt         string         `json:"prompt"`
	Cron           string         `json:"cron"`
	Timezone       string         `json:"timezone,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	Enabled        bool           `json:"enabled"`
	Status         ScheduleStatus `json:"status"`
	PermissionMode string         `json:"permissionMode"`
	MaxRuntime     *time.Duration `json:"-"` // persisted as maxRuntimeMs
	MaxRuntimeMs   int64          `json:"maxRuntimeMs,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Run is a single execution record of a Schedule.
type Run struct {
	ID            string     `json:"id"`
	ScheduleID    string     `json:"scheduleId"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	DurationMs    *int64     `json:"durationMs,omitempty"`
	OutputSummary string     `json:"outputSummary,omitempty"`
	Error         string     `json:"error,omitempty"`
	SessionID     string     `json:"sessionId,omitempty"`
	Trigger       Trigger    `json:"trigger"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// CreateScheduleInput carries the user-supplied subset of Schedule fields.
type CreateScheduleInput struct {
	Name           string
	Prompt         string
	Cron           string
	Timezone       string
	Cwd            string
	PermissionMode string
	MaxRuntime     *time.Duration
	// ForcePendingApproval is set by agent-callable tool callers (spec.md
	// §8 scenario 5): agent-created schedules always land in
	// pending_approval regardless of any other field.
	ForcePendingApproval bool
}

// UpdateScheduleInput carries the mutable subset for UpdateSchedule.
type UpdateScheduleInput struct {
	Name           *string
	Prompt         *string
	Cron           *string
	Timezone       *string
	Cwd            *string
	Enabled        *bool
	Status         *ScheduleStatus
	PermissionMode *string
	MaxRuntime     **time.Duration
}

// RunPatch carries the mutable subset for UpdateRun.
type RunPatch struct {
	Status        *RunStatus
	FinishedAt    *time.Time
	DurationMs    *int64
	OutputSummary *string
	Error         *string
	SessionID     *string
}

// ListRunsFilter narrows Store.ListRuns.
type ListRunsFilter struct {
	ScheduleID string
	Status     RunStatus
	Limit      int
	Offset     int
}

// Store is a persistence wrapper around the schedules and runs tables,
// sharing the same database connection as the rest of the system
// (spec.md §4.11), following the sql.Open("sqlite", ...) + explicit Init
// idiom established in internal/relay/index.go.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-opened database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the schedules and runs tables if absent.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pulse_schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			prompt TEXT NOT NULL,
			cron TEXT NOT NULL,
			timezone TEXT,
			cwd TEXT,
			enabled INTEGER NOT NULL,
			status TEXT NOT NULL,
			permission_mode TEXT NOT NULL,
			max_runtime_ms INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pulse_runs (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			duration_ms INTEGER,
			output_summary TEXT,
			error TEXT,
			session_id TEXT,
			trigger_kind TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pulse_runs_schedule ON pulse_runs(schedule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pulse_runs_status ON pulse_runs(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pulse: init schema: %w", err)
		}
	}
	return nil
}

// CreateSchedule inserts a new schedule, forced to pending_approval when
// input.ForcePendingApproval is set (spec.md §8 scenario 5).
func (s *Store) CreateSchedule(ctx context.Context, input CreateScheduleInput) (Schedule, error) {
	now := time.Now()
	status := ScheduleActive
	if input.ForcePendingApproval {
		status = SchedulePendingApproval
	}

	sched := Schedule{
		ID:             newID(now),
		Name:           input.Name,
		Prompt:         input.Prompt,
		Cron:           input.Cron,
		Timezone:       input.Timezone,
		Cwd:            input.Cwd,
		Enabled:        true,
		Status:         status,
		PermissionMode: input.PermissionMode,
		MaxRuntime:     input.MaxRuntime,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if sched.PermissionMode == "" {
		sched.PermissionMode = "default"
	}

	var maxRuntimeMs sql.NullInt64
	if input.MaxRuntime != nil {
		maxRuntimeMs = sql.NullInt64{Int64: input.MaxRuntime.Milliseconds(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_schedules (id, name, prompt, cron, timezone, cwd, enabled, status, permission_mode, max_runtime_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.Prompt, sched.Cron, sched.Timezone, sched.Cwd, string(sched.Status),
		sched.PermissionMode, maxRuntimeMs, sched.CreatedAt.UTC().Format(isoMilli), sched.UpdatedAt.UTC().Format(isoMilli))
	if err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

func scanSchedule(row interface{ Scan(...any) error }) (Schedule, error) {
	var sched Schedule
	var timezone, cwd sql.NullString
	var enabled int
	var maxRuntimeMs sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(&sched.ID, &sched.Name, &sched.Prompt, &sched.Cron, &timezone, &cwd, &enabled,
		&sched.Status, &sched.PermissionMode, &maxRuntimeMs, &createdAt, &updatedAt)
	if err != nil {
		return Schedule{}, err
	}
	sched.Timezone = timezone.String
	sched.Cwd = cwd.String
	sched.Enabled = enabled != 0
	if maxRuntimeMs.Valid {
		d := time.Duration(maxRuntimeMs.Int64) * time.Millisecond
		sched.MaxRuntime = &d
		sched.MaxRuntimeMs = maxRuntimeMs.Int64
	}
	if t, err := time.Parse(isoMilli, createdAt); err == nil {
		sched.CreatedAt = t
	}
	if t, err := time.Parse(isoMilli, updatedAt); err == nil {
		sched.UpdatedAt = t
	}
	return sched, nil
}

const scheduleColumns = `id, name, prompt, cron, timezone, cwd, enabled, status, permission_mode, max_runtime_ms, created_at, updated_at`

// GetSchedule looks up a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM pulse_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return Schedule{}, false, nil
	}
	if err != nil {
		return Schedule{}, false, err
	}
	return sched, true, nil
}

// ListSchedules returns every schedule, optionally filtered to enabled+active ones.
func (s *Store) ListSchedules(ctx context.Context, activeOnly bool) ([]Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM pulse_schedules`
	if activeOnly {
		query += ` WHERE enabled = 1 AND status = 'active'`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpdateSchedule applies the non-nil fields of patch.
func (s *Store) UpdateSchedule(ctx context.Context, id string, patch UpdateScheduleInput) (Schedule, bool, error) {
	sched, ok, err := s.GetSchedule(ctx, id)
	if err != nil || !ok {
		return Schedule{}, ok, err
	}
	if patch.Name != nil {
		sched.Name = *patch.Name
	}
	if patch.Prompt != nil {
		sched.Prompt = *patch.Prompt
	}
	if patch.Cron != nil {
		sched.Cron = *patch.Cron
	}
	if patch.Timezone != nil {
		sched.Timezone = *patch.Timezone
	}
	if patch.Cwd != nil {
		sched.Cwd = *patch.Cwd
	}
	if patch.Enabled != nil {
		sched.Enabled = *patch.Enabled
	}
	if patch.Status != nil {
		sched.Status = *patch.Status
	}
	if patch.PermissionMode != nil {
		sched.PermissionMode = *patch.PermissionMode
	}
	if patch.MaxRuntime != nil {
		sched.MaxRuntime = *patch.MaxRuntime
	}
	sched.UpdatedAt = time.Now()

	var maxRuntimeMs sql.NullInt64
	if sched.MaxRuntime != nil {
		maxRuntimeMs = sql.NullInt64{Int64: sched.MaxRuntime.Milliseconds(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE pulse_schedules SET name=?, prompt=?, cron=?, timezone=?, cwd=?, enabled=?, status=?, permission_mode=?, max_runtime_ms=?, updated_at=?
		WHERE id=?`,
		sched.Name, sched.Prompt, sched.Cron, sched.Timezone, sched.Cwd, boolToInt(sched.Enabled), string(sched.Status),
		sched.PermissionMode, maxRuntimeMs, sched.UpdatedAt.UTC().Format(isoMilli), id)
	if err != nil {
		return Schedule{}, false, err
	}
	return sched, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DeleteSchedule removes a schedule by id.
func (s *Store) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pulse_schedules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateRun inserts a new running run for scheduleID.
func (s *Store) CreateRun(ctx context.Context, scheduleID string, trigger Trigger) (Run, error) {
	now := time.Now()
	run := Run{
		ID:         newID(now),
		ScheduleID: scheduleID,
		Status:     RunRunning,
		StartedAt:  now,
		Trigger:    trigger,
		CreatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_runs (id, schedule_id, status, started_at, trigger_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ScheduleID, string(run.Status), run.StartedAt.UTC().Format(isoMilli), string(run.Trigger), run.CreatedAt.UTC().Format(isoMilli))
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var run Run
	var finishedAt, outputSummary, errStr, sessionID sql.NullString
	var durationMs sql.NullInt64
	var startedAt, createdAt string
	err := row.Scan(&run.ID, &run.ScheduleID, &run.Status, &startedAt, &finishedAt, &durationMs,
		&outputSummary, &errStr, &sessionID, &run.Trigger, &createdAt)
	if err != nil {
		return Run{}, err
	}
	run.OutputSummary = outputSummary.String
	run.Error = errStr.String
	run.SessionID = sessionID.String
	if durationMs.Valid {
		run.DurationMs = &durationMs.Int64
	}
	if t, err := time.Parse(isoMilli, startedAt); err == nil {
		run.StartedAt = t
	}
	if t, err := time.Parse(isoMilli, createdAt); err == nil {
		run.CreatedAt = t
	}
	if finishedAt.Valid {
		if t, err := time.Parse(isoMilli, finishedAt.String); err == nil {
			run.FinishedAt = &t
		}
	}
	return run, nil
}

const runColumns = `id, schedule_id, status, started_at, finished_at, duration_ms, output_summary, error, session_id, trigger_kind, created_at`

// GetRun looks up a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pulse_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return run, true, nil
}

// UpdateRun applies the non-nil fields of patch.
func (s *Store) UpdateRun(ctx context.Context, id string, patch RunPatch) (Run, bool, error) {
	run, ok, err := s.GetRun(ctx, id)
	if err != nil || !ok {
		return Run{}, ok, err
	}
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.FinishedAt != nil {
		run.FinishedAt = patch.FinishedAt
	}
	if patch.DurationMs != nil {
		run.DurationMs = patch.DurationMs
	}
	if patch.OutputSummary != nil {
		run.OutputSummary = *patch.OutputSummary
	}
	if patch.Error != nil {
		run.Error = *patch.Error
	}
	if patch.SessionID != nil {
		run.SessionID = *patch.SessionID
	}

	var finishedAt sql.NullString
	if run.FinishedAt != nil {
		finishedAt = sql.NullString{String: run.FinishedAt.UTC().Format(isoMilli), Valid: true}
	}
	var durationMs sql.NullInt64
	if run.DurationMs != nil {
		durationMs = sql.NullInt64{Int64: *run.DurationMs, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE pulse_runs SET status=?, finished_at=?, duration_ms=?, output_summary=?, error=?, session_id=?
		WHERE id=?`,
		string(run.Status), finishedAt, durationMs, run.OutputSummary, run.Error, run.SessionID, id)
	if err != nil {
		return Run{}, false, err
	}
	return run, true, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter ListRunsFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM pulse_runs WHERE 1=1`
	var args []any
	if filter.ScheduleID != "" {
		query += ` AND schedule_id = ?`
		args = append(args, filter.ScheduleID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT %d OFFSET %d`, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// PruneRuns deletes all but the most recent keepMostRecentN runs for a schedule.
func (s *Store) PruneRuns(ctx context.Context, scheduleID string, keepMostRecentN int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pulse_runs WHERE schedule_id = ? AND id NOT IN (
			SELECT id FROM pulse_runs WHERE schedule_id = ? ORDER BY created_at DESC LIMIT ?
		)`, scheduleID, scheduleID, keepMostRecentN)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkRunningAsFailed reclassifies any run still "running" as "failed" with
// a crash-recovery error message. Invoked once at startup (spec.md §4.11,
// §8 scenario 4).
func (s *Store) MarkRunningAsFailed(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(isoMilli)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulse_runs SET status = 'failed', finished_at = ?, error = 'Interrupted by server restart'
		WHERE status = 'running'`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
