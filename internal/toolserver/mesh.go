package toolserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goclaw-core/internal/mesh"
)

func (s *Server) registerMeshTools() {
	s.mcp.AddTool(mcp.NewTool("mesh_discover",
		mcp.WithDescription("Walk filesystem roots for agent marker files (CLAUDE.md, AGENTS.md, .mcp.json, agent.json) and return registration candidates."),
		mcp.WithArray("roots", mcp.Required(), mcp.Description("Filesystem roots to search")),
		mcp.WithNumber("maxDepth", mcp.Description("Maximum directory depth to descend, defaults to 3 when 0 or omitted")),
	), s.handleMeshDiscover)

	s.mcp.AddTool(mcp.NewTool("mesh_list_agents",
		mcp.WithDescription("List registered agents, optionally filtered by runtime or capability."),
		mcp.WithString("runtime", mcp.Description("Restrict to agents of this runtime")),
		mcp.WithString("capability", mcp.Description("Restrict to agents advertising this capability")),
	), s.handleMeshList)

	s.mcp.AddTool(mcp.NewTool("mesh_register_agent",
		mcp.WithDescription("Register the agent project at path, overriding its name, runtime, description, and capabilities. path, name, and runtime are required."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Filesystem path of the candidate agent project")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithString("runtime", mcp.Required(), mcp.Description("Agent runtime identifier")),
		mcp.WithString("description", mcp.Description("Agent description")),
		mcp.WithArray("capabilities", mcp.Description("Capability identifiers advertised by this agent")),
		mcp.WithString("approver", mcp.Description("Identity approving this registration")),
	), s.handleMeshRegister)
}

func (s *Server) handleMeshDiscover(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	rootsRaw, _ := args["roots"].([]interface{})
	if len(rootsRaw) == 0 {
		return argErrorf("roots is required and must be non-empty"), nil
	}
	roots := make([]string, 0, len(rootsRaw))
	for _, r := range rootsRaw {
		if str, ok := r.(string); ok {
			roots = append(roots, str)
		}
	}
	maxDepth := 0
	if f, ok := args["maxDepth"].(float64); ok {
		maxDepth = int(f)
	}

	ch := mesh.Discover(ctx, s.deps.Mesh.Store(), roots, mesh.DiscoverOptions{MaxDepth: maxDepth})
	var candidates []mesh.Candidate
	for c := range ch {
		candidates = append(candidates, c)
	}
	return textResult(map[string]interface{}{"candidates": candidates}), nil
}

func (s *Server) handleMeshList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	runtimeName, _ := args["runtime"].(string)
	capability, _ := args["capability"].(string)

	agents, err := s.deps.Mesh.Store().List(ctx, mesh.ListFilter{Runtime: mesh.Runtime(runtimeName), Capability: capability})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(map[string]interface{}{"agents": agents}), nil
}

func (s *Server) handleMeshRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	name, _ := args["name"].(string)
	runtimeName, _ := args["runtime"].(string)
	if path == "" || name == "" || runtimeName == "" {
		return argErrorf("path, name, and runtime are required"), nil
	}
	description, _ := args["description"].(string)
	approver, _ := args["approver"].(string)

	var capabilities []string
	if raw, ok := args["capabilities"].([]interface{}); ok {
		for _, c := range raw {
			if str, ok := c.(string); ok {
				capabilities = append(capabilities, str)
			}
		}
	}

	manifest, err := s.deps.Mesh.RegisterByPath(ctx, path, mesh.Overrides{
		Name:         name,
		Description:  description,
		Runtime:      mesh.Runtime(runtimeName),
		Capabilities: capabilities,
	}, approver)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(manifest), nil
}
