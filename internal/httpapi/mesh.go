package httpapi

import (
	"net/http"
	"net/url"

	"github.com/nextlevelbuilder/goclaw-core/internal/mesh"
)

func (s *Server) registerMeshRoutes() {
	s.mux.HandleFunc("POST /api/mesh/discover", s.handleMeshDiscover)
	s.mux.HandleFunc("POST /api/mesh/agents", s.handleMeshRegister)
	s.mux.HandleFunc("GET /api/mesh/agents", s.handleMeshList)
	s.mux.HandleFunc("GET /api/mesh/agents/{id}", s.handleMeshGet)
	s.mux.HandleFunc("PATCH /api/mesh/agents/{id}", s.handleMeshUpdate)
	s.mux.HandleFunc("DELETE /api/mesh/agents/{id}", s.handleMeshDelete)
	s.mux.HandleFunc("POST /api/mesh/deny", s.handleMeshDeny)
	s.mux.HandleFunc("GET /api/mesh/denied", s.handleMeshListDenied)
	s.mux.HandleFunc("DELETE /api/mesh/denied/{path}", s.handleMeshUndeny)
}

func (s *Server) handleMeshDiscover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Roots    []string `json:"roots"`
		MaxDepth int      `json:"maxDepth"`
	}
	if err := decodeJSON(r, &body); err != nil || len(body.Roots) == 0 {
		writeError(w, http.StatusBadRequest, "Validation failed", "")
		return
	}

	ch := mesh.Discover(r.Context(), s.mesh.Store(), body.Roots, mesh.DiscoverOptions{MaxDepth: body.MaxDepth})
	var candidates []mesh.Candidate
	for c := range ch {
		candidates = append(candidates, c)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": candidates})
}

func (s *Server) handleMeshRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path      string `json:"path"`
		Overrides struct {
			Name         string        `json:"name"`
			Description  string        `json:"description"`
			Runtime      mesh.Runtime  `json:"runtime"`
			Capabilities []string      `json:"capabilities"`
			Namespace    string        `json:"namespace"`
			Behavior     mesh.Behavior `json:"behavior"`
			Budget       *mesh.Budget  `json:"budget"`
		} `json:"overrides"`
		Approver string `json:"approver"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "Validation failed", "")
		return
	}
	if body.Overrides.Name == "" || body.Overrides.Runtime == "" {
		writeError(w, http.StatusBadRequest, "overrides.name and overrides.runtime are required", "")
		return
	}

	manifest, err := s.mesh.RegisterByPath(r.Context(), body.Path, mesh.Overrides{
		Name:         body.Overrides.Name,
		Description:  body.Overrides.Description,
		Runtime:      body.Overrides.Runtime,
		Capabilities: body.Overrides.Capabilities,
		Namespace:    body.Overrides.Namespace,
		Behavior:     body.Overrides.Behavior,
		Budget:       body.Overrides.Budget,
	}, body.Approver)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusCreated, manifest)
}

func (s *Server) handleMeshList(w http.ResponseWriter, r *http.Request) {
	filter := mesh.ListFilter{
		Runtime:    mesh.Runtime(r.URL.Query().Get("runtime")),
		Capability: r.URL.Query().Get("capability"),
	}
	agents, err := s.mesh.Store().List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleMeshGet(w http.ResponseWriter, r *http.Request) {
	manifest, ok, err := s.mesh.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found", "")
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleMeshUpdate(w http.ResponseWriter, r *http.Request) {
	var fields mesh.UpdatableFields
	if err := decodeJSON(r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", "")
		return
	}
	manifest, ok, err := s.mesh.Store().Update(r.Context(), r.PathValue("id"), fields)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found", "")
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleMeshDelete(w http.ResponseWriter, r *http.Request) {
	ok, err := s.mesh.Store().Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMeshDeny(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path   string `json:"path"`
		Reason string `json:"reason"`
		Denier string `json:"denier"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required", "")
		return
	}
	if err := s.mesh.Deny(r.Context(), body.Path, body.Reason, body.Denier); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) handleMeshListDenied(w http.ResponseWriter, r *http.Request) {
	denied, err := s.mesh.Store().ListDenied(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"denied": denied})
}

func (s *Server) handleMeshUndeny(w http.ResponseWriter, r *http.Request) {
	path, err := url.QueryUnescape(r.PathValue("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path encoding", "")
		return
	}
	ok, err := s.mesh.Store().Undeny(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "denial not found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
