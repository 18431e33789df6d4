package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/history"
	"github.com/kalambet/chatrelay/internal/pipeline"
	"github.com/kalambet/chatrelay/internal/settings"
	"github.com/kalambet/chatrelay/internal/storage"
)

func newMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *fakeChatter) {
	t.Helper()
	env := newTestEnv(t)
	return MCPDeps{Store: env.store, Settings: env.settings, Chat: env.chat}, env.store, env.chat
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: uri},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("expected content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func TestMCPChat(t *testing.T) {
	deps, _, chat := newMCPDeps(t)
	handler := mcpChat(deps)

	result, err := handler(context.Background(), makeCallToolRequest("chat", map[string]interface{}{
		"user_id": float64(7),
		"text":    "ping",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "pong" {
		t.Errorf("text = %q, want pong", got)
	}
	if len(chat.calls) != 1 {
		t.Errorf("chat calls = %d", len(chat.calls))
	}
}

func TestMCPChat_FailureReportsKind(t *testing.T) {
	deps, _, chat := newMCPDeps(t)
	chat.res = pipeline.Result{Text: "try again", Retry: "ping", Code: errcode.New(errcode.NetworkError)}

	result, _ := mcpChat(deps)(context.Background(), makeCallToolRequest("chat", map[string]interface{}{
		"user_id": float64(7),
		"text":    "ping",
	}))
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	text := toolText(t, result)
	if !strings.Contains(text, "NETWORK_ERROR") || !strings.Contains(text, "retryable: true") {
		t.Errorf("text = %q", text)
	}
}

func TestMCPChat_SaveError(t *testing.T) {
	deps, _, chat := newMCPDeps(t)
	chat.err = errors.New("disk full")

	result, _ := mcpChat(deps)(context.Background(), makeCallToolRequest("chat", map[string]interface{}{
		"user_id": float64(7),
		"text":    "ping",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "disk full") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPChat_MissingArgs(t *testing.T) {
	deps, _, chat := newMCPDeps(t)
	handler := mcpChat(deps)

	for _, args := range []map[string]interface{}{
		{"text": "ping"},
		{"user_id": float64(7)},
		{"user_id": float64(-1), "text": "ping"},
	} {
		result, err := handler(context.Background(), makeCallToolRequest("chat", args))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Errorf("args %v: expected tool error", args)
		}
	}
	if len(chat.calls) != 0 {
		t.Errorf("chat called %d times", len(chat.calls))
	}
}

func TestMCPGetHistory(t *testing.T) {
	deps, store, _ := newMCPDeps(t)
	ctx := context.Background()
	store.SaveHistory(ctx, 7, history.History{
		history.User("one"), history.Model("two"), history.User("three"), history.Model("four"),
	})

	result, err := mcpGetHistory(deps)(ctx, makeCallToolRequest("get_history", map[string]interface{}{
		"user_id": float64(7),
		"limit":   float64(2),
	}))
	if err != nil || result.IsError {
		t.Fatalf("result = %+v, err = %v", result, err)
	}

	var h history.History
	if err := json.Unmarshal([]byte(toolText(t, result)), &h); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(h) != 2 || h[0].Content != "three" || h[1].Content != "four" {
		t.Errorf("history = %+v", h)
	}
}

func TestMCPGetHistory_Empty(t *testing.T) {
	deps, _, _ := newMCPDeps(t)
	result, _ := mcpGetHistory(deps)(context.Background(), makeCallToolRequest("get_history", map[string]interface{}{
		"user_id": float64(99),
	}))
	if got := toolText(t, result); got != "[]" {
		t.Errorf("text = %q, want []", got)
	}
}

func TestMCPClearHistory(t *testing.T) {
	deps, store, _ := newMCPDeps(t)
	ctx := context.Background()
	store.SaveHistory(ctx, 7, history.History{history.User("hi")})

	result, _ := mcpClearHistory(deps)(ctx, makeCallToolRequest("clear_history", map[string]interface{}{
		"user_id": float64(7),
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	h, _ := store.GetHistory(ctx, 7)
	if len(h) != 0 {
		t.Errorf("history = %+v", h)
	}
}

func TestMCPSetSetting(t *testing.T) {
	deps, _, _ := newMCPDeps(t)
	ctx := context.Background()
	handler := mcpSetSetting(deps)

	result, _ := handler(ctx, makeCallToolRequest("set_setting", map[string]interface{}{
		"user_id": float64(7),
		"key":     settings.KeyModel,
		"value":   "gemini-1.5-pro",
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	st, _ := deps.Settings.Get(ctx, 7)
	if st.Model != "gemini-1.5-pro" {
		t.Errorf("model = %q", st.Model)
	}

	result, _ = handler(ctx, makeCallToolRequest("set_setting", map[string]interface{}{
		"user_id": float64(7),
		"key":     settings.KeyModel,
		"value":   "gpt-2",
	}))
	if !result.IsError {
		t.Error("expected tool error for disallowed model")
	}
}

func TestMCPResourceUsers(t *testing.T) {
	deps, store, _ := newMCPDeps(t)
	ctx := context.Background()
	store.TouchUser(ctx, 7)

	contents, err := mcpResourceUsers(deps)(ctx, makeReadResourceRequest("chatrelay://users"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "chatrelay://users" || !strings.Contains(tc.Text, `"id":7`) {
		t.Errorf("contents = %+v", tc)
	}
}

func TestMCPResourceErrors(t *testing.T) {
	contents, err := mcpResourceErrors()(context.Background(), makeReadResourceRequest("chatrelay://errors"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)

	var infos []struct {
		Kind      string `json:"kind"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &infos); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(infos) != len(errcode.All()) {
		t.Fatalf("got %d kinds, want %d", len(infos), len(errcode.All()))
	}
	for _, info := range infos {
		if info.Kind == string(errcode.QuotaExceeded) && info.Retryable {
			t.Error("QUOTA_EXCEEDED must not be retryable")
		}
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _, _ := newMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
