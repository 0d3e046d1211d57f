// Package httpapi exposes the Relay, Pulse, Mesh, and Session subsystems
// over the HTTP+SSE surface spec.md §6 names. It is a thin routing and
// JSON-marshalling layer: every route handler delegates immediately to the
// matching internal/* package and maps its kinded errors to HTTP status
// codes per spec.md §7.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/goclaw-core/internal/boundary"
	"github.com/nextlevelbuilder/goclaw-core/internal/mesh"
	"github.com/nextlevelbuilder/goclaw-core/internal/pulse"
	"github.com/nextlevelbuilder/goclaw-core/internal/relay"
	"github.com/nextlevelbuilder/goclaw-core/internal/session"
)

// Server assembles the full /api mux over its collaborators, mirroring the
// teacher's per-concern handler structs (internal/http/agents.go,
// internal/http/mcp.go, ...) registered onto one shared *http.ServeMux.
type Server struct {
	mux *http.ServeMux

	relay    *relay.Relay
	mesh     *mesh.Mesh
	pulse    *pulse.Store
	sched    *pulse.Scheduler
	sessions *session.Manager
	boundary *boundary.Validator

	httpSrv *http.Server
}

// Deps bundles the collaborators Server needs at construction.
type Deps struct {
	Relay    *relay.Relay
	Mesh     *mesh.Mesh
	Pulse    *pulse.Store
	Sched    *pulse.Scheduler
	Sessions *session.Manager
	Boundary *boundary.Validator
}

// New assembles the mux and registers every route group.
func New(deps Deps) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		relay:    deps.Relay,
		mesh:     deps.Mesh,
		pulse:    deps.Pulse,
		sched:    deps.Sched,
		sessions: deps.Sessions,
		boundary: deps.Boundary,
	}
	s.registerSessionRoutes()
	s.registerMeshRoutes()
	s.registerRelayRoutes()
	s.registerPulseRoutes()
	s.registerGitRoutes()
	return s
}

// Start runs the HTTP listener, blocking until it exits or ctx-driven
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.logMiddleware(s.mux)}
	slog.Info("httpapi.start", "addr", addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("httpapi.request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	body := map[string]string{"error": message}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
