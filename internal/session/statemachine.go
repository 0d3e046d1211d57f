package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/goclaw-core/internal/runtime"
)

type approvalState int

const (
	approvalPending approvalState = iota
	approvalApproved
	approvalDenied
)

type pendingApproval struct {
	toolName string
	resolved chan struct{}
	result   approvalState
	once     sync.Once
}

type pendingQuestion struct {
	questions []runtime.Question
	resolved  chan struct{}
	answers   map[string]string
	once      sync.Once
}

// gateTable tracks the in-flight tool-call/question state machine for one
// session (spec.md §4.12's "Tool-call / question state machine"). Every
// tool_use block a backend emits is in exactly one of: pending_approval,
// pending_answer, or auto (never tracked here, since it never blocks).
type gateTable struct {
	mu         sync.Mutex
	approvals  map[string]*pendingApproval
	questions  map[string]*pendingQuestion
}

func newGateTable() *gateTable {
	return &gateTable{
		approvals: make(map[string]*pendingApproval),
		questions: make(map[string]*pendingQuestion),
	}
}

// sessionControl implements runtime.Control against one session's gateTable.
type sessionControl struct {
	gates *gateTable
}

func (c *sessionControl) RequirePermission(ctx context.Context, toolCallID, toolName string) (bool, error) {
	pa := &pendingApproval{toolName: toolName, resolved: make(chan struct{})}

	c.gates.mu.Lock()
	c.gates.approvals[toolCallID] = pa
	c.gates.mu.Unlock()

	select {
	case <-pa.resolved:
		return pa.result == approvalApproved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *sessionControl) AskQuestions(ctx context.Context, toolCallID string, questions []runtime.Question) (map[string]string, error) {
	pq := &pendingQuestion{questions: questions, resolved: make(chan struct{})}

	c.gates.mu.Lock()
	c.gates.questions[toolCallID] = pq
	c.gates.mu.Unlock()

	select {
	case <-pq.resolved:
		return pq.answers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveApproval implements approveTool. Returns false if no such pending
// approval exists.
func (g *gateTable) resolveApproval(toolCallID string, approve bool) bool {
	g.mu.Lock()
	pa, ok := g.approvals[toolCallID]
	if ok {
		delete(g.approvals, toolCallID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	result := approvalDenied
	if approve {
		result = approvalApproved
	}
	pa.once.Do(func() {
		pa.result = result
		close(pa.resolved)
	})
	return true
}

// resolveAnswers implements submitAnswers. answers are keyed by the string
// form of the question index, per spec.md §4.12.
func (g *gateTable) resolveAnswers(toolCallID string, answers map[string]string) bool {
	g.mu.Lock()
	pq, ok := g.questions[toolCallID]
	if ok {
		delete(g.questions, toolCallID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	pq.once.Do(func() {
		pq.answers = answers
		close(pq.resolved)
	})
	return true
}

// PermissionMode identifies how aggressively tool calls must be gated.
type PermissionMode string

const (
	ModeDefault     PermissionMode = "default"
	ModeAcceptEdits PermissionMode = "acceptEdits"
	ModeBypass      PermissionMode = "bypassPermissions"
	ModePlan        PermissionMode = "plan"
)

// ToolPolicy decides whether a tool call needs human approval under a given
// permission mode. The default policy treats every write-capable tool as
// gated in "default" mode and nothing as gated under bypassPermissions,
// mirroring the coarse allow-categories in the teacher's
// internal/tools/policy.go.
type ToolPolicy interface {
	RequiresApproval(mode PermissionMode, toolName string) bool
}

var writeTools = map[string]bool{
	"Write": true, "Edit": true, "Shell": true, "Bash": true, "Delete": true,
}

type defaultToolPolicy struct{}

func (defaultToolPolicy) RequiresApproval(mode PermissionMode, toolName string) bool {
	switch mode {
	case ModeBypass:
		return false
	case ModeAcceptEdits:
		return toolName != "Write" && toolName != "Edit" && writeTools[toolName]
	default:
		return writeTools[toolName]
	}
}

func validatePermissionMode(mode PermissionMode) error {
	switch mode {
	case ModeDefault, ModeAcceptEdits, ModeBypass, ModePlan, "":
		return nil
	default:
		return fmt.Errorf("session: unknown permission mode %q", mode)
	}
}
