package toolserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goclaw-core/internal/pulse"
)

func (s *Server) registerPulseTools() {
	s.mcp.AddTool(mcp.NewTool("create_schedule",
		mcp.WithDescription("Create a cron schedule that will run a prompt. Schedules created by agents always land in pending_approval and must be approved by a human before they run."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Schedule name")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Prompt to run on each tick")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression")),
		mcp.WithString("timezone", mcp.Description("IANA timezone, defaults to UTC")),
		mcp.WithString("cwd", mcp.Description("Working directory for the scheduled session")),
	), s.handlePulseCreateSchedule)

	s.mcp.AddTool(mcp.NewTool("list_schedules",
		mcp.WithDescription("List cron schedules."),
		mcp.WithBoolean("activeOnly", mcp.Description("Restrict to active schedules only")),
	), s.handlePulseListSchedules)

	s.mcp.AddTool(mcp.NewTool("trigger_run",
		mcp.WithDescription("Trigger an out-of-band manual run of a schedule immediately."),
		mcp.WithString("scheduleId", mcp.Required(), mcp.Description("Schedule to run now")),
	), s.handlePulseTriggerRun)

	s.mcp.AddTool(mcp.NewTool("cancel_run",
		mcp.WithDescription("Cancel an active run."),
		mcp.WithString("runId", mcp.Required(), mcp.Description("Run to cancel")),
	), s.handlePulseCancelRun)
}

// handlePulseCreateSchedule forces ForcePendingApproval per spec.md §8
// scenario 5 — this tool is the only caller of CreateSchedule that can
// never produce an immediately-active schedule.
func (s *Server) handlePulseCreateSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	name, _ := args["name"].(string)
	prompt, _ := args["prompt"].(string)
	cron, _ := args["cron"].(string)
	if name == "" || prompt == "" || cron == "" {
		return argErrorf("name, prompt, and cron are required"), nil
	}
	timezone, _ := args["timezone"].(string)
	cwd, _ := args["cwd"].(string)

	sched, err := s.deps.Pulse.CreateSchedule(ctx, pulse.CreateScheduleInput{
		Name:                 name,
		Prompt:               prompt,
		Cron:                 cron,
		Timezone:             timezone,
		Cwd:                  cwd,
		ForcePendingApproval: true,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(sched), nil
}

func (s *Server) handlePulseListSchedules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	activeOnly, _ := req.GetArguments()["activeOnly"].(bool)
	scheds, err := s.deps.Pulse.ListSchedules(ctx, activeOnly)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(scheds), nil
}

func (s *Server) handlePulseTriggerRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID, _ := req.GetArguments()["scheduleId"].(string)
	if scheduleID == "" {
		return argErrorf("scheduleId is required"), nil
	}
	run, err := s.deps.Sched.TriggerManualRun(ctx, scheduleID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(run), nil
}

func (s *Server) handlePulseCancelRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, _ := req.GetArguments()["runId"].(string)
	if runID == "" {
		return argErrorf("runId is required"), nil
	}
	if !s.deps.Sched.CancelRun(runID) {
		return argErrorf("run not found or not active"), nil
	}
	return textResult(map[string]bool{"ok": true}), nil
}
