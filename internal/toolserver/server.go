// Package toolserver exposes Relay, Pulse, and Mesh operations as
// agent-callable MCP tools, built on the same mark3labs/mcp-go library the
// rest of this codebase uses for MCP client connections.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/goclaw-core/internal/mesh"
	"github.com/nextlevelbuilder/goclaw-core/internal/pulse"
	"github.com/nextlevelbuilder/goclaw-core/internal/relay"
)

// Deps are the collaborators whose operations this tool server re-exposes.
type Deps struct {
	Relay *relay.Relay
	Mesh  *mesh.Mesh
	Pulse *pulse.Store
	Sched *pulse.Scheduler
}

// Server wraps an *server.MCPServer with the tool set named in the
// workstation's component table ("Tool server: agent-callable MCP tools
// re-exposing the services above").
type Server struct {
	mcp  *server.MCPServer
	deps Deps
}

// New builds the MCP server and registers every tool. Call Serve to run it.
func New(deps Deps) *Server {
	s := &Server{
		mcp:  server.NewMCPServer("goclaw-core", "0.1.0", server.WithToolCapabilities(false)),
		deps: deps,
	}
	s.registerRelayTools()
	s.registerMeshTools()
	s.registerPulseTools()
	return s
}

// ServeStdio runs the tool server over stdin/stdout, matching the teacher's
// MCP client's own stdio transport preference for local agent processes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func textResult(v interface{}) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(b))
}

func argErrorf(format string, a ...interface{}) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf(format, a...))
}
