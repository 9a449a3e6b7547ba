package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/common/stringutil"
	"github.com/loomhq/loom/internal/runtime/dto"
)

func registerTools(s *server.MCPServer, deps Deps, user auth.AuthUser, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_assistants",
			mcp.WithDescription("List the assistants available to run. Use this first to get assistant IDs for run_agent."),
		),
		listAssistantsHandler(deps, user, log),
	)

	s.AddTool(
		mcp.NewTool("run_agent",
			mcp.WithDescription(
				"Run an assistant with a message and return its reply. Blocks until the run finishes. "+
					"Pass thread_id to continue a conversation; omit it for a one-shot run that leaves no thread behind.",
			),
			mcp.WithString("assistant_id",
				mcp.Required(),
				mcp.Description("The assistant ID or graph ID to run"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The user message to send"),
			),
			mcp.WithString("thread_id",
				mcp.Description("An existing or new thread to run on (optional)"),
			),
		),
		runAgentHandler(deps, user, log),
	)

	s.AddTool(
		mcp.NewTool("get_thread_state",
			mcp.WithDescription("Fetch the current state of a conversation thread, including its message history."),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID to inspect"),
			),
		),
		getThreadStateHandler(deps, user, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func listAssistantsHandler(deps Deps, user auth.AuthUser, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		assistants, err := deps.Assistants.Search(ctx, user.Owner(), &dto.AssistantSearch{Limit: 100})
		if err != nil {
			log.Error("failed to list assistants", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list assistants: %v", err)), nil
		}

		// Bare graph ids are runnable too, so clients see them alongside the
		// stored assistants.
		listing := map[string]interface{}{
			"assistants": assistants,
			"graphs":     deps.Registry.IDs(),
		}
		formatted, err := json.MarshalIndent(listing, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func runAgentHandler(deps Deps, user auth.AuthUser, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		assistantID, err := req.RequireString("assistant_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		threadID := req.GetString("thread_id", "")

		log.Debug("running assistant for MCP client",
			zap.String("assistant_id", assistantID),
			zap.String("thread_id", threadID),
			zap.String("message", stringutil.Preview(message, 120)))

		reply, err := deps.Scheduler.ExecuteRun(ctx, user, assistantID, threadID, message)
		if err != nil {
			log.Error("MCP run failed",
				zap.String("assistant_id", assistantID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Run failed: %v", err)), nil
		}
		return mcp.NewToolResultText(reply), nil
	}
}

func getThreadStateHandler(deps Deps, user auth.AuthUser, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		state, err := deps.Threads.State(ctx, threadID, user.Owner())
		if err != nil {
			log.Error("failed to fetch thread state",
				zap.String("thread_id", threadID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch thread state: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
