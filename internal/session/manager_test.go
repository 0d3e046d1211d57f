package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-core/internal/runtime"
)

// fakeBackend is a minimal runtime.Backend used to drive the session state
// machine without any real agent loop. When gate is true, it calls
// ctrl.RequirePermission for one tool call before finishing.
type fakeBackend struct {
	gate bool
}

func (f *fakeBackend) Invoke(ctx context.Context, opts runtime.InvokeOptions, ctrl runtime.Control) (<-chan runtime.Event, func(), error) {
	ch := make(chan runtime.Event, 4)
	cancelled := make(chan struct{})

	go func() {
		defer close(ch)
		ch <- runtime.Event{Kind: runtime.EventTextDelta, Text: "hi"}

		if f.gate {
			approved, err := ctrl.RequirePermission(ctx, "tc-1", "Write")
			if err != nil {
				ch <- runtime.Event{Kind: runtime.EventError, Message: err.Error()}
				return
			}
			if !approved {
				ch <- runtime.Event{Kind: runtime.EventError, Message: "denied"}
				return
			}
		}

		select {
		case <-cancelled:
			return
		default:
		}
		ch <- runtime.Event{Kind: runtime.EventDone}
	}()

	return ch, func() { close(cancelled) }, nil
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	root := t.TempDir()
	mgr, err := New(&fakeBackend{}, root)
	require.NoError(t, err)

	require.NoError(t, mgr.EnsureSession(context.Background(), "s1", ModeDefault, root))
	require.NoError(t, mgr.EnsureSession(context.Background(), "s1", ModeDefault, root))
	require.Len(t, mgr.List(), 1)
}

func TestSendMessageBoundaryViolationEmitsErrorThenDone(t *testing.T) {
	root := t.TempDir()
	mgr, err := New(&fakeBackend{}, root)
	require.NoError(t, err)

	require.NoError(t, mgr.EnsureSession(context.Background(), "s1", ModeDefault, root))
	// Corrupt the session's cwd to point outside the boundary root.
	sess, _ := mgr.get("s1")
	sess.Cwd = "/etc"

	events, err := mgr.SendMessage(context.Background(), "s1", "hello")
	require.NoError(t, err)

	var kinds []runtime.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []runtime.EventKind{runtime.EventError, runtime.EventDone}, kinds)
}

func TestSendMessageStreamsToCompletion(t *testing.T) {
	root := t.TempDir()
	mgr, err := New(&fakeBackend{}, root)
	require.NoError(t, err)
	require.NoError(t, mgr.EnsureSession(context.Background(), "s1", ModeDefault, root))

	events, err := mgr.SendMessage(context.Background(), "s1", "hello")
	require.NoError(t, err)

	var last runtime.EventKind
	for ev := range events {
		last = ev.Kind
	}
	require.Equal(t, runtime.EventDone, last)
}

func TestSendMessageRejectsConcurrentTurn(t *testing.T) {
	root := t.TempDir()
	mgr, err := New(&fakeBackend{gate: true}, root)
	require.NoError(t, err)
	require.NoError(t, mgr.EnsureSession(context.Background(), "s1", ModeDefault, root))

	events, err := mgr.SendMessage(context.Background(), "s1", "hello")
	require.NoError(t, err)

	// Drain the first event so we know the backend is mid-turn, blocked on
	// the permission gate.
	<-events

	_, err = mgr.SendMessage(context.Background(), "s1", "again")
	require.ErrorIs(t, err, ErrBusy)

	ok, err := mgr.ApproveTool("s1", "tc-1", true)
	require.NoError(t, err)
	require.True(t, ok)
	for range events {
	}
}

func TestApproveToolUnblocksBackend(t *testing.T) {
	root := t.TempDir()
	mgr, err := New(&fakeBackend{gate: true}, root)
	require.NoError(t, err)
	require.NoError(t, mgr.EnsureSession(context.Background(), "s1", ModeDefault, root))

	events, err := mgr.SendMessage(context.Background(), "s1", "hello")
	require.NoError(t, err)
	<-events // text_delta

	ok, err := mgr.ApproveTool("s1", "tc-1", true)
	require.NoError(t, err)
	require.True(t, ok)

	var last runtime.EventKind
	for ev := range events {
		last = ev.Kind
	}
	require.Equal(t, runtime.EventDone, last)
}

func TestApproveToolUnknownReturnsFalse(t *testing.T) {
	root := t.TempDir()
	mgr, err := New(&fakeBackend{}, root)
	require.NoError(t, err)
	require.NoError(t, mgr.EnsureSession(context.Background(), "s1", ModeDefault, root))

	ok, err := mgr.ApproveTool("s1", "no-such-call", true)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckSessionHealthEvictsStaleSessions(t *testing.T) {
	root := t.TempDir()
	mgr, err := New(&fakeBackend{}, root)
	require.NoError(t, err)
	require.NoError(t, mgr.EnsureSession(context.Background(), "s1", ModeDefault, root))

	evicted := mgr.CheckSessionHealth(time.Now().Add(StaleAfter + time.Minute))
	require.Equal(t, []string{"s1"}, evicted)
	require.Empty(t, mgr.List())
}

func TestCheckSessionHealthKeepsFreshSessions(t *testing.T) {
	root := t.TempDir()
	mgr, err := New(&fakeBackend{}, root)
	require.NoError(t, err)
	require.NoError(t, mgr.EnsureSession(context.Background(), "s1", ModeDefault, root))

	evicted := mgr.CheckSessionHealth(time.Now())
	require.Empty(t, evicted)
	require.Len(t, mgr.List(), 1)
}
