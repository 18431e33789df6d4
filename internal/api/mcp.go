package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/history"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    Store
	Settings Settings
	Chat     Chatter
}

// NewMCPServer creates an MCP server exposing the bot's conversations to
// operators and agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"chatrelay",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatrelay: inspect and drive Telegram assistant conversations by user id."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a text message as the given user and return the assistant reply. The exchange is saved to the user's history."),
			mcp.WithNumber("user_id", mcp.Description("Telegram user id"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Message text"), mcp.Required()),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("get_history",
			mcp.WithDescription("Return the stored conversation of a user as JSON."),
			mcp.WithNumber("user_id", mcp.Description("Telegram user id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Return only the last N turns (default all)")),
		),
		mcpGetHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_history",
			mcp.WithDescription("Delete the stored conversation of a user. Settings are kept."),
			mcp.WithNumber("user_id", mcp.Description("Telegram user id"), mcp.Required()),
		),
		mcpClearHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("set_setting",
			mcp.WithDescription("Change a user setting (model, temperature, max_tokens, language)."),
			mcp.WithNumber("user_id", mcp.Description("Telegram user id"), mcp.Required()),
			mcp.WithString("key", mcp.Description("Setting key"), mcp.Required()),
			mcp.WithString("value", mcp.Description("Value to set"), mcp.Required()),
		),
		mcpSetSetting(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"chatrelay://users",
			"Recent Users",
			mcp.WithResourceDescription("The 50 most recently active users"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceUsers(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chatrelay://errors",
			"Error Kinds",
			mcp.WithResourceDescription("Every error kind the bot reports and whether it offers a retry"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceErrors(),
	)

	return s
}

func requireUserID(req mcp.CallToolRequest) (int64, bool) {
	id := req.GetInt("user_id", 0)
	return int64(id), id > 0
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, ok := requireUserID(req)
		if !ok {
			return mcpError("user_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil || text == "" {
			return mcpError("text is required"), nil
		}

		res, err := deps.Chat.Chat(ctx, userID, text)
		if err != nil {
			return mcpError(fmt.Sprintf("reply generated but not saved: %v", err)), nil
		}
		if !res.Code.IsZero() {
			return mcpError(fmt.Sprintf("%s (retryable: %t)\n%s", res.Code.Kind, res.NeedsRetry(), res.Text)), nil
		}
		return mcpText(res.Text), nil
	}
}

func mcpGetHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, ok := requireUserID(req)
		if !ok {
			return mcpError("user_id is required"), nil
		}

		h, err := deps.Store.GetHistory(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get history: %v", err)), nil
		}
		if limit := req.GetInt("limit", 0); limit > 0 && len(h) > limit {
			h = h[len(h)-limit:]
		}
		if h == nil {
			h = history.History{}
		}

		b, err := json.Marshal(h)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, ok := requireUserID(req)
		if !ok {
			return mcpError("user_id is required"), nil
		}
		if err := deps.Store.ClearHistory(ctx, userID); err != nil {
			return mcpError(fmt.Sprintf("failed to clear history: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cleared history of user %d", userID)), nil
	}
}

func mcpSetSetting(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, ok := requireUserID(req)
		if !ok {
			return mcpError("user_id is required"), nil
		}
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcpError("value is required"), nil
		}

		if err := deps.Settings.Set(ctx, userID, key, value); err != nil {
			return mcpError(fmt.Sprintf("failed to set %s: %v", key, err)), nil
		}
		return mcpText(fmt.Sprintf("Set %s = %s for user %d", key, value, userID)), nil
	}
}

func mcpResourceUsers(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		users, err := deps.Store.ListUsers(ctx, 50, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}

		b, err := json.Marshal(users)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal users: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceErrors() server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type kindInfo struct {
			Kind      string `json:"kind"`
			Retryable bool   `json:"retryable"`
		}

		kinds := errcode.All()
		infos := make([]kindInfo, len(kinds))
		for i, k := range kinds {
			infos[i] = kindInfo{Kind: string(k), Retryable: errcode.Retryable(k)}
		}

		b, err := json.Marshal(infos)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error kinds: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
