package toolserver

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goclaw-core/internal/relay"
)

func (s *Server) registerRelayTools() {
	s.mcp.AddTool(mcp.NewTool("relay_publish",
		mcp.WithDescription("Publish a message onto a relay subject, delivering to every matching endpoint and wildcard subscriber."),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Dot-separated relay subject, e.g. relay.agent.reviewer")),
		mcp.WithObject("payload", mcp.Description("Arbitrary JSON payload delivered to subscribers")),
		mcp.WithString("from", mcp.Description("Subject of the publishing agent")),
		mcp.WithString("replyTo", mcp.Description("Subject the recipient should reply to")),
	), s.handleRelayPublish)

	s.mcp.AddTool(mcp.NewTool("relay_read_inbox",
		mcp.WithDescription("Read messages queued for an endpoint subject, newest cursor first."),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Endpoint subject to read")),
		mcp.WithString("status", mcp.Description("Filter by delivery status")),
		mcp.WithString("cursor", mcp.Description("Opaque pagination cursor from a previous read")),
	), s.handleRelayReadInbox)

	s.mcp.AddTool(mcp.NewTool("relay_register_endpoint",
		mcp.WithDescription("Register a relay endpoint so publishes to its subject queue into its inbox."),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Subject to register as an endpoint")),
	), s.handleRelayRegisterEndpoint)
}

func (s *Server) handleRelayPublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	subject, _ := args["subject"].(string)
	if subject == "" {
		return argErrorf("subject is required"), nil
	}
	from, _ := args["from"].(string)
	replyTo, _ := args["replyTo"].(string)

	result, err := s.deps.Relay.Publish(ctx, subject, args["payload"], relay.PublishOptions{From: from, ReplyTo: replyTo})
	if err != nil {
		var budgetErr *relay.BudgetExceededError
		if errors.As(err, &budgetErr) {
			return textResult(map[string]interface{}{"deliveredTo": 0, "code": budgetErr.Code}), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(map[string]interface{}{"messageId": result.MessageID, "deliveredTo": result.DeliveredTo}), nil
}

func (s *Server) handleRelayReadInbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	subject, _ := args["subject"].(string)
	if subject == "" {
		return argErrorf("subject is required"), nil
	}
	status, _ := args["status"].(string)
	cursor, _ := args["cursor"].(string)

	result, err := s.deps.Relay.ReadInbox(ctx, subject, relay.ReadInboxOptions{Status: status, Cursor: cursor})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(result), nil
}

func (s *Server) handleRelayRegisterEndpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject, _ := req.GetArguments()["subject"].(string)
	if subject == "" {
		return argErrorf("subject is required"), nil
	}
	ep, err := s.deps.Relay.RegisterEndpoint(subject)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(ep), nil
}
