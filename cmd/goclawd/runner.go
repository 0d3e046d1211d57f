package main

import (
	"context"

	"github.com/nextlevelbuilder/goclaw-core/internal/pulse"
	"github.com/nextlevelbuilder/goclaw-core/internal/runtime"
	"github.com/nextlevelbuilder/goclaw-core/internal/session"
)

// sessionRunner adapts a *session.Manager to pulse.Runner, translating
// runtime.Event into pulse's own narrower StreamEvent so internal/pulse
// never needs to import internal/session or internal/runtime.
type sessionRunner struct {
	mgr *session.Manager
}

func (r *sessionRunner) EnsureSession(ctx context.Context, sessionID, permissionMode, cwd string) error {
	return r.mgr.EnsureSession(ctx, sessionID, session.PermissionMode(permissionMode), cwd)
}

func (r *sessionRunner) SendMessage(ctx context.Context, sessionID, content string) (<-chan pulse.StreamEvent, error) {
	events, err := r.mgr.SendMessage(ctx, sessionID, content)
	if err != nil {
		return nil, err
	}

	out := make(chan pulse.StreamEvent)
	go func() {
		defer close(out)
		for ev := range events {
			se, ok := convertEvent(ev)
			if !ok {
				continue
			}
			select {
			case out <- se:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func convertEvent(ev runtime.Event) (pulse.StreamEvent, bool) {
	switch ev.Kind {
	case runtime.EventTextDelta:
		return pulse.StreamEvent{Kind: pulse.StreamText, Text: ev.Text}, true
	case runtime.EventDone:
		return pulse.StreamEvent{Kind: pulse.StreamDone}, true
	case runtime.EventError:
		return pulse.StreamEvent{Kind: pulse.StreamError, Err: ev.Message}, true
	default:
		return pulse.StreamEvent{}, false
	}
}
