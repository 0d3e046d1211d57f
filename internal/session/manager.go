// Package session drives the external agent runtime (internal/runtime) on
// behalf of the HTTP+SSE API, enforcing working-directory boundaries and the
// tool-call/question approval state machine described in spec.md §4.12. It
// does not implement the agent's own reasoning loop; that lives behind
// runtime.Backend and is explicitly out of scope.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-core/internal/boundary"
	"github.com/nextlevelbuilder/goclaw-core/internal/runtime"
)

// StaleAfter is the inactivity window after which checkSessionHealth evicts
// a session (spec.md §4.12).
const StaleAfter = 30 * time.Minute

var (
	// ErrNotFound is returned for operations against an unknown session id.
	ErrNotFound = errors.New("session: not found")
	// ErrBusy is returned when SendMessage is called while a turn is already
	// in flight on the same session.
	ErrBusy = errors.New("session: turn already in progress")
)

// Session is one live conversation with the external agent backend.
type Session struct {
	ID             string
	Cwd            string
	PermissionMode PermissionMode
	CreatedAt      time.Time

	mu             sync.Mutex
	lastActivityAt time.Time
	busy           bool
	gates          *gateTable
	cancelTurn     func()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivityAt)
}

// Manager owns every live Session and the boundary policy that gates which
// directories a session may run in, mirroring the teacher's
// internal/sessions.Manager's sync.RWMutex-guarded map-of-sessions shape
// (internal/sessions/manager.go), generalized from disk-backed conversation
// logs to a live-call/event-stream model.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	backend  runtime.Backend
	boundary *boundary.Validator
	policy   ToolPolicy
}

// New builds a Manager whose sessions may only run in directories inside
// root (or root itself).
func New(backend runtime.Backend, root string) (*Manager, error) {
	v, err := boundary.New(root)
	if err != nil {
		return nil, fmt.Errorf("session: boundary root: %w", err)
	}
	return &Manager{
		sessions: make(map[string]*Session),
		backend:  backend,
		boundary: v,
		policy:   defaultToolPolicy{},
	}, nil
}

// EnsureSession creates sessionID if absent; for an existing session it
// only refreshes the activity time, leaving its cwd/permissionMode as they
// were (the arguments are not compared). Idempotent by design so the
// Pulse runner adapter and the HTTP layer can both call it freely.
func (m *Manager) EnsureSession(ctx context.Context, sessionID string, mode PermissionMode, cwd string) error {
	if err := validatePermissionMode(mode); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[sessionID]; ok {
		sess.touch()
		return nil
	}

	if mode == "" {
		mode = ModeDefault
	}
	m.sessions[sessionID] = &Session{
		ID:             sessionID,
		Cwd:            cwd,
		PermissionMode: mode,
		CreatedAt:      time.Now(),
		lastActivityAt: time.Now(),
		gates:          newGateTable(),
	}
	return nil
}

func (m *Manager) get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// SendMessage validates the session's cwd against the boundary root, then
// drives runtime.Backend.Invoke, returning a channel of events the caller
// (typically the SSE handler) relays to the client. The channel always
// terminates with an EventDone or EventError, per spec.md §6.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) (<-chan runtime.Event, error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}

	sess.mu.Lock()
	if sess.busy {
		sess.mu.Unlock()
		return nil, ErrBusy
	}
	sess.busy = true
	sess.mu.Unlock()

	out := make(chan runtime.Event, 8)

	if _, err := m.boundary.Validate(sess.Cwd); err != nil {
		go func() {
			defer close(out)
			out <- runtime.Event{Kind: runtime.EventError, Message: "Directory boundary violation", Code: "boundary_violation"}
			out <- runtime.Event{Kind: runtime.EventDone}
			sess.mu.Lock()
			sess.busy = false
			sess.mu.Unlock()
		}()
		return out, nil
	}

	turnCtx, cancel := context.WithCancel(ctx)
	sess.mu.Lock()
	sess.cancelTurn = cancel
	sess.mu.Unlock()

	ctrl := &sessionControl{gates: sess.gates}
	events, backendCancel, err := m.backend.Invoke(turnCtx, runtime.InvokeOptions{
		SessionID:      sess.ID,
		PermissionMode: string(sess.PermissionMode),
		Cwd:            sess.Cwd,
		Content:        content,
	}, ctrl)
	if err != nil {
		cancel()
		sess.mu.Lock()
		sess.busy = false
		sess.cancelTurn = nil
		sess.mu.Unlock()
		close(out)
		return out, fmt.Errorf("session: invoke: %w", err)
	}

	go func() {
		defer close(out)
		defer backendCancel()
		defer cancel()

		sawDone := false
		emit := func(ev runtime.Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for ev := range events {
			sess.touch()
			if ev.Kind == runtime.EventDone {
				sawDone = true
			}
			if !emit(ev) {
				break
			}
		}
		// Every turn must close with a terminal done event (spec.md §4.12,
		// §6), whether the backend emitted one, forgot to, or the stream
		// was cut short by ctx cancellation.
		if !sawDone {
			emit(runtime.Event{Kind: runtime.EventDone})
		}

		sess.mu.Lock()
		sess.busy = false
		sess.cancelTurn = nil
		sess.mu.Unlock()
	}()

	return out, nil
}

// CancelTurn aborts the in-flight turn for sessionID, if any. Returns false
// if the session has no active turn.
func (m *Manager) CancelTurn(sessionID string) bool {
	sess, ok := m.get(sessionID)
	if !ok {
		return false
	}
	sess.mu.Lock()
	cancel := sess.cancelTurn
	sess.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// ApproveTool resolves a pending tool-call approval. Returns false if no
// such pending approval exists for toolCallID (maps to HTTP 404).
func (m *Manager) ApproveTool(sessionID, toolCallID string, approve bool) (bool, error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return false, ErrNotFound
	}
	sess.touch()
	return sess.gates.resolveApproval(toolCallID, approve), nil
}

// SubmitAnswers resolves a pending AskUserQuestion block. answers is keyed
// by the stringified question index, per spec.md §4.12.
func (m *Manager) SubmitAnswers(sessionID, toolCallID string, answers map[string]string) (bool, error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return false, ErrNotFound
	}
	sess.touch()
	return sess.gates.resolveAnswers(toolCallID, answers), nil
}

// RequiresApproval reports whether toolName needs a human decision under a
// session's current permission mode.
func (m *Manager) RequiresApproval(sessionID, toolName string) (bool, error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return false, ErrNotFound
	}
	return m.policy.RequiresApproval(sess.PermissionMode, toolName), nil
}

// CheckSessionHealth evicts sessions idle for longer than StaleAfter,
// cancelling any in-flight turn first, and returns the evicted ids. It
// runs only when called; cmd/goclawd does not start a ticker for it.
func (m *Manager) CheckSessionHealth(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for id, sess := range m.sessions {
		if sess.idleFor(now) < StaleAfter {
			continue
		}
		sess.mu.Lock()
		if sess.cancelTurn != nil {
			sess.cancelTurn()
		}
		sess.mu.Unlock()
		delete(m.sessions, id)
		evicted = append(evicted, id)
	}
	return evicted
}

// Get returns a read-only snapshot of sessionID's metadata.
func (m *Manager) Get(sessionID string) (Session, bool) {
	sess, ok := m.get(sessionID)
	if !ok {
		return Session{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Session{
		ID:             sess.ID,
		Cwd:            sess.Cwd,
		PermissionMode: sess.PermissionMode,
		CreatedAt:      sess.CreatedAt,
	}, true
}

// List returns every live session id.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Remove drops sessionID, cancelling its in-flight turn if any.
func (m *Manager) Remove(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	sess.mu.Lock()
	if sess.cancelTurn != nil {
		sess.cancelTurn()
	}
	sess.mu.Unlock()
	delete(m.sessions, sessionID)
	return true
}
