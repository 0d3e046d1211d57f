package httpapi

import (
	"errors"
	"net/http"

	"github.com/nextlevelbuilder/goclaw-core/internal/relay"
)

func (s *Server) registerRelayRoutes() {
	s.mux.HandleFunc("POST /api/relay/endpoints", s.handleRelayRegisterEndpoint)
	s.mux.HandleFunc("GET /api/relay/endpoints", s.handleRelayListEndpoints)
	s.mux.HandleFunc("POST /api/relay/publish", s.handleRelayPublish)
	s.mux.HandleFunc("GET /api/relay/inbox", s.handleRelayReadInbox)
}

func (s *Server) handleRelayRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject string `json:"subject"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Subject == "" {
		writeError(w, http.StatusBadRequest, "Validation failed", "")
		return
	}
	ep, err := s.relay.RegisterEndpoint(body.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleRelayListEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": s.relay.ListEndpoints()})
}

// handleRelayPublish mirrors relay.Publish's own contract: a budget
// rejection is not an HTTP error, it's a normal 200 response carrying
// deliveredTo: 0 and the budget code, per spec.md §8 scenario 2.
func (s *Server) handleRelayPublish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject string       `json:"subject"`
		Payload interface{}  `json:"payload"`
		From    string       `json:"from"`
		ReplyTo string       `json:"replyTo"`
		Budget  relay.Budget `json:"budget"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Subject == "" {
		writeError(w, http.StatusBadRequest, "Validation failed", "")
		return
	}

	result, err := s.relay.Publish(r.Context(), body.Subject, body.Payload, relay.PublishOptions{
		From:    body.From,
		ReplyTo: body.ReplyTo,
		Budget:  body.Budget,
	})
	if err != nil {
		var budgetErr *relay.BudgetExceededError
		if errors.As(err, &budgetErr) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"deliveredTo": 0, "code": budgetErr.Code})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messageId": result.MessageID, "deliveredTo": result.DeliveredTo})
}

func (s *Server) handleRelayReadInbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subject := q.Get("subject")
	if subject == "" {
		writeError(w, http.StatusBadRequest, "Validation failed", "")
		return
	}
	result, err := s.relay.ReadInbox(r.Context(), subject, relay.ReadInboxOptions{
		Status: q.Get("status"),
		Cursor: q.Get("cursor"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
