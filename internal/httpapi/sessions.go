package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-core/internal/runtime"
	"github.com/nextlevelbuilder/goclaw-core/internal/session"
)

type sessionView struct {
	ID             string `json:"id"`
	Cwd            string `json:"cwd,omitempty"`
	PermissionMode string `json:"permissionMode"`
}

func (s *Server) registerSessionRoutes() {
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /api/sessions/{id}/approve", s.handleApprove(true))
	s.mux.HandleFunc("POST /api/sessions/{id}/deny", s.handleApprove(false))
	s.mux.HandleFunc("POST /api/sessions/{id}/submit-answers", s.handleSubmitAnswers)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PermissionMode string `json:"permissionMode"`
		Cwd            string `json:"cwd"`
	}
	_ = decodeJSON(r, &body)

	mode := session.PermissionMode(body.PermissionMode)
	if mode == "" {
		mode = session.ModeDefault
	}
	id := uuid.NewString()
	if err := s.sessions.EnsureSession(r.Context(), id, mode, body.Cwd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusCreated, sessionView{ID: id, Cwd: body.Cwd, PermissionMode: string(mode)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var views []sessionView
	for _, id := range s.sessions.List() {
		sess, ok := s.sessions.Get(id)
		if !ok {
			continue
		}
		views = append(views, sessionView{ID: sess.ID, Cwd: sess.Cwd, PermissionMode: string(sess.PermissionMode)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found", "")
		return
	}
	writeJSON(w, http.StatusOK, sessionView{ID: sess.ID, Cwd: sess.Cwd, PermissionMode: string(sess.PermissionMode)})
}

// handleSendMessage streams runtime.Events as Server-Sent Events, one
// `data: <json>\n\n` frame per event, per spec.md §6. A terminal `done`
// frame always fires even if the underlying turn errors.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "Validation failed", "")
		return
	}

	events, err := s.sessions.SendMessage(r.Context(), id, body.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	for ev := range events {
		frame := streamFrame(id, ev)
		payload, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		fmt.Fprintf(bw, "data: %s\n\n", payload)
		bw.Flush()
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		default:
		}
	}
}

// streamFrame narrows a runtime.Event down to the exact field set spec.md
// §6's "Stream event shapes" names for its Kind.
func streamFrame(sessionID string, ev runtime.Event) map[string]interface{} {
	switch ev.Kind {
	case runtime.EventTextDelta:
		return map[string]interface{}{"type": ev.Kind, "text": ev.Text}
	case runtime.EventToolCallStart:
		return map[string]interface{}{"type": ev.Kind, "toolCallId": ev.ToolCallID, "toolName": ev.ToolName}
	case runtime.EventToolCallDelta:
		return map[string]interface{}{"type": ev.Kind, "toolCallId": ev.ToolCallID, "input": json.RawMessage(ev.Input)}
	case runtime.EventToolCallEnd:
		return map[string]interface{}{"type": ev.Kind, "toolCallId": ev.ToolCallID, "status": ev.Status}
	case runtime.EventQuestion:
		return map[string]interface{}{"type": ev.Kind, "toolCallId": ev.ToolCallID, "questions": ev.Questions}
	case runtime.EventError:
		return map[string]interface{}{"type": ev.Kind, "message": ev.Message, "code": ev.Code}
	case runtime.EventDone:
		return map[string]interface{}{"type": ev.Kind, "sessionId": sessionID}
	default:
		return map[string]interface{}{"type": ev.Kind}
	}
}

func (s *Server) handleApprove(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var body struct {
			ToolCallID string `json:"toolCallId"`
		}
		if err := decodeJSON(r, &body); err != nil || body.ToolCallID == "" {
			writeError(w, http.StatusBadRequest, "Validation failed", "")
			return
		}
		ok, err := s.sessions.ApproveTool(id, body.ToolCallID, approve)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "No pending approval", "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleSubmitAnswers(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		ToolCallID string            `json:"toolCallId"`
		Answers    map[string]string `json:"answers"`
	}
	if err := decodeJSON(r, &body); err != nil || body.ToolCallID == "" || body.Answers == nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "")
		return
	}
	ok, err := s.sessions.SubmitAnswers(id, body.ToolCallID, body.Answers)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "No pending question", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
