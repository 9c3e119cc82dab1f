package protocol

import (
	"encoding/json"
	"testing"
)

func TestFromAnthropicRequestSystemAndText(t *testing.T) {
	ar := &AnthropicRequest{
		Model:     "claude-x",
		System:    "be terse",
		MaxTokens: 100,
		Messages: []AnthropicMessage{
			{Role: "user", Content: "hi"},
		},
	}
	req, err := FromAnthropicRequest(ar)
	if err != nil {
		t.Fatalf("FromAnthropicRequest: %v", err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != RoleSystem || req.Messages[0].Text() != "be terse" {
		t.Errorf("unexpected system message: %+v", req.Messages[0])
	}
	if req.Messages[1].Role != RoleUser || req.Messages[1].Text() != "hi" {
		t.Errorf("unexpected user message: %+v", req.Messages[1])
	}
	if req.MaxTokens == nil || *req.MaxTokens != 100 {
		t.Errorf("max_tokens not carried over: %v", req.MaxTokens)
	}
}

func TestFromAnthropicRequestSystemBlockList(t *testing.T) {
	ar := &AnthropicRequest{
		Model:     "claude-x",
		MaxTokens: 10,
		System: []any{
			map[string]any{"type": "text", "text": "part one"},
			map[string]any{"type": "text", "text": "part two"},
		},
		Messages: []AnthropicMessage{{Role: "user", Content: "q"}},
	}
	req, err := FromAnthropicRequest(ar)
	if err != nil {
		t.Fatalf("FromAnthropicRequest: %v", err)
	}
	if got := req.Messages[0].Text(); got != "part one\n\npart two" {
		t.Errorf("system concat = %q", got)
	}
}

func TestFromAnthropicRequestToolUseAndResult(t *testing.T) {
	ar := &AnthropicRequest{
		Model:     "claude-x",
		MaxTokens: 10,
		Messages: []AnthropicMessage{
			{Role: "user", Content: "search something"},
			{Role: "assistant", Content: []any{
				map[string]any{"type": "text", "text": "let me look"},
				map[string]any{"type": "tool_use", "id": "toolu_1", "name": "search", "input": map[string]any{"q": "t"}},
			}},
			{Role: "user", Content: []any{
				map[string]any{"type": "tool_result", "tool_use_id": "toolu_1", "content": "found it"},
			}},
		},
	}
	req, err := FromAnthropicRequest(ar)
	if err != nil {
		t.Fatalf("FromAnthropicRequest: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(req.Messages), req.Messages)
	}
	asst := req.Messages[1]
	if asst.Role != RoleAssistant || len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant message not converted: %+v", asst)
	}
	tc := asst.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Function.Name != "search" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not JSON: %v", err)
	}
	if args["q"] != "t" {
		t.Errorf("arguments = %v", args)
	}
	toolMsg := req.Messages[2]
	if toolMsg.Role != RoleTool || toolMsg.ToolCallID != "toolu_1" || toolMsg.Text() != "found it" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestFromAnthropicRequestUnknownToolResult(t *testing.T) {
	ar := &AnthropicRequest{
		Model:     "claude-x",
		MaxTokens: 10,
		Messages: []AnthropicMessage{
			{Role: "user", Content: []any{
				map[string]any{"type": "tool_result", "tool_use_id": "toolu_missing", "content": "x"},
			}},
		},
	}
	_, err := FromAnthropicRequest(ar)
	if err == nil {
		t.Fatal("expected error for unknown tool_use_id")
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Type != ErrTypeInvalidRequest {
		t.Errorf("expected invalid_request_error, got %v", err)
	}
}

func TestFromAnthropicRequestDedupsTools(t *testing.T) {
	ar := &AnthropicRequest{
		Model:     "claude-x",
		MaxTokens: 10,
		Messages:  []AnthropicMessage{{Role: "user", Content: "q"}},
		Tools: []AnthropicTool{
			{Name: "search", Description: "old"},
			{Name: "fetch"},
			{Name: "search", Description: "new"},
		},
	}
	req, err := FromAnthropicRequest(ar)
	if err != nil {
		t.Fatalf("FromAnthropicRequest: %v", err)
	}
	if len(req.Tools) != 2 {
		t.Fatalf("expected 2 tools after dedup, got %d", len(req.Tools))
	}
	if req.Tools[0].Function.Name != "fetch" {
		t.Errorf("tools[0] = %+v", req.Tools[0])
	}
	if req.Tools[1].Function.Name != "search" || req.Tools[1].Function.Description != "new" {
		t.Errorf("last occurrence should win: %+v", req.Tools[1])
	}
}

func TestToAnthropicRequestLeavesInputToolsIntact(t *testing.T) {
	req := &ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools: []Tool{
			{Type: "function", Function: FunctionDef{Name: "search", Description: "old"}},
			{Type: "function", Function: FunctionDef{Name: "fetch"}},
			{Type: "function", Function: FunctionDef{Name: "search", Description: "new"}},
		},
	}
	ar, _, err := ToAnthropicRequest(req)
	if err != nil {
		t.Fatalf("ToAnthropicRequest: %v", err)
	}
	if len(ar.Tools) != 2 {
		t.Fatalf("expected 2 tools after dedup, got %d", len(ar.Tools))
	}
	if len(req.Tools) != 3 {
		t.Fatalf("input tools mutated: %+v", req.Tools)
	}
	if req.Tools[0].Function.Name != "search" || req.Tools[1].Function.Name != "fetch" {
		t.Errorf("input tool order changed: %+v", req.Tools)
	}
}

func TestNormalizeDeveloperRole(t *testing.T) {
	req := &ChatRequest{
		Model: "m",
		Messages: []Message{
			{Role: RoleDeveloper, Content: "rules"},
			{Role: RoleUser, Content: "hi"},
		},
	}
	req.Normalize()
	if req.Messages[0].Role != RoleSystem {
		t.Errorf("developer role not normalized: %q", req.Messages[0].Role)
	}
}

func TestToAnthropicRequestRoundTrip(t *testing.T) {
	temp := 0.5
	maxTok := 256
	req := &ChatRequest{
		Model:       "m",
		Temperature: &temp,
		MaxTokens:   &maxTok,
		Messages: []Message{
			{Role: RoleSystem, Content: "be kind"},
			{Role: RoleUser, Content: "hello"},
			{Role: RoleAssistant, Content: "calling a tool", ToolCalls: []ToolCall{
				{ID: "call_1", Type: "function", Function: FunctionCall{Name: "search", Arguments: `{"q":"t"}`}},
			}},
			{Role: RoleTool, ToolCallID: "call_1", Content: "result text"},
			{Role: RoleUser, Content: "thanks"},
		},
		Tools: []Tool{
			{Type: "function", Function: FunctionDef{Name: "search", Parameters: map[string]any{"type": "object"}}},
		},
	}

	ar, warnings, err := ToAnthropicRequest(req)
	if err != nil {
		t.Fatalf("ToAnthropicRequest: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if ar.System != "be kind" {
		t.Errorf("system = %v", ar.System)
	}
	if ar.MaxTokens != 256 {
		t.Errorf("max_tokens = %d", ar.MaxTokens)
	}
	// tool result and the following user text merge into one user turn
	if len(ar.Messages) != 3 {
		t.Fatalf("expected 3 anthropic messages, got %d: %+v", len(ar.Messages), ar.Messages)
	}

	back, err := FromAnthropicRequest(ar)
	if err != nil {
		t.Fatalf("round trip back: %v", err)
	}
	if back.Messages[0].Role != RoleSystem || back.Messages[0].Text() != "be kind" {
		t.Errorf("system lost in round trip: %+v", back.Messages[0])
	}
	var sawToolCall, sawToolResult bool
	for _, m := range back.Messages {
		if m.Role == RoleAssistant && len(m.ToolCalls) == 1 && m.ToolCalls[0].ID == "call_1" {
			sawToolCall = true
		}
		if m.Role == RoleTool && m.ToolCallID == "call_1" && m.Text() == "result text" {
			sawToolResult = true
		}
	}
	if !sawToolCall || !sawToolResult {
		t.Errorf("tool call/result lost in round trip: %+v", back.Messages)
	}
	if len(back.Tools) != 1 || back.Tools[0].Function.Name != "search" {
		t.Errorf("tool catalog lost: %+v", back.Tools)
	}
}

func TestToAnthropicRequestRepairsArguments(t *testing.T) {
	req := &ChatRequest{
		Model: "m",
		Messages: []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "c1", Function: FunctionCall{Name: "f", Arguments: `{"q": "unterminated`}},
			}},
		},
	}
	ar, warnings, err := ToAnthropicRequest(req)
	if err != nil {
		t.Fatalf("ToAnthropicRequest: %v", err)
	}
	if len(warnings) == 0 {
		t.Error("expected a repair warning")
	}
	blocks, err := ar.Messages[0].Blocks()
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(blocks[0].Input) {
		t.Errorf("repaired input is not valid JSON: %s", blocks[0].Input)
	}
}

func TestParseToolArgumentsFallsBackToEmptyObject(t *testing.T) {
	input, warn := parseToolArguments("not json at all ][")
	if warn == "" {
		t.Error("expected warning")
	}
	if got := string(input); got != "{}" && !json.Valid(input) {
		t.Errorf("fallback = %q", got)
	}
}
