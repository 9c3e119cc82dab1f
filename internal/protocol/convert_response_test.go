package protocol

import (
	"encoding/json"
	"testing"
)

func TestToAnthropicResponseTextAndToolUse(t *testing.T) {
	resp := &ChatResponse{
		ID:    "r1",
		Model: "m",
		Choices: []Choice{{
			Message: Message{
				Role:    RoleAssistant,
				Content: "let me check",
				ToolCalls: []ToolCall{
					{ID: "call_1", Type: "function", Function: FunctionCall{Name: "search", Arguments: `{"q":"t"}`}},
				},
			},
			FinishReason: FinishToolCalls,
		}},
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	ar, warnings, err := ToAnthropicResponse(resp)
	if err != nil {
		t.Fatalf("ToAnthropicResponse: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if ar.StopReason != StopToolUse {
		t.Errorf("stop_reason = %q", ar.StopReason)
	}
	if len(ar.Content) != 2 {
		t.Fatalf("content blocks = %d", len(ar.Content))
	}
	if ar.Content[0].Type != BlockText || ar.Content[0].Text != "let me check" {
		t.Errorf("text block = %+v", ar.Content[0])
	}
	tu := ar.Content[1]
	if tu.Type != BlockToolUse || tu.ID != "call_1" || tu.Name != "search" {
		t.Errorf("tool_use block = %+v", tu)
	}
	if ar.Usage.InputTokens != 10 || ar.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", ar.Usage)
	}
}

func TestToAnthropicResponseBadArgumentsFallBack(t *testing.T) {
	resp := &ChatResponse{
		ID: "r1",
		Choices: []Choice{{
			Message: Message{
				Role: RoleAssistant,
				ToolCalls: []ToolCall{
					{ID: "c", Function: FunctionCall{Name: "f", Arguments: "][[" }},
				},
			},
			FinishReason: FinishToolCalls,
		}},
	}
	ar, warnings, err := ToAnthropicResponse(resp)
	if err != nil {
		t.Fatalf("ToAnthropicResponse: %v", err)
	}
	if len(warnings) == 0 {
		t.Error("expected a warning for unparseable arguments")
	}
	if !json.Valid(ar.Content[0].Input) {
		t.Errorf("input must degrade to valid JSON, got %s", ar.Content[0].Input)
	}
}

func TestFinishReasonMapping(t *testing.T) {
	cases := map[string]string{
		FinishStop:          StopEndTurn,
		FinishLength:        StopMaxTokens,
		FinishToolCalls:     StopToolUse,
		FinishContentFilter: StopStopSequence,
	}
	for finish, want := range cases {
		if got := FinishToStopReason(finish); got != want {
			t.Errorf("FinishToStopReason(%q) = %q, want %q", finish, got, want)
		}
		if back := StopReasonToFinish(want); back != finish {
			t.Errorf("StopReasonToFinish(%q) = %q, want %q", want, back, finish)
		}
	}
}

func TestFromAnthropicResponse(t *testing.T) {
	ar := &AnthropicResponse{
		ID:    "msg_1",
		Type:  "message",
		Role:  RoleAssistant,
		Model: "claude-x",
		Content: []AnthropicBlock{
			{Type: BlockText, Text: "hello"},
			{Type: BlockToolUse, ID: "toolu_1", Name: "search", Input: json.RawMessage(`{"q":"t"}`)},
		},
		StopReason: StopToolUse,
		Usage:      &AnthropicUsage{InputTokens: 3, OutputTokens: 7},
	}
	resp := FromAnthropicResponse(ar)
	if resp.ID != "msg_1" || resp.Model != "claude-x" {
		t.Errorf("envelope = %+v", resp)
	}
	choice := resp.Choices[0]
	if choice.FinishReason != FinishToolCalls {
		t.Errorf("finish_reason = %q", choice.FinishReason)
	}
	if choice.Message.Text() != "hello" {
		t.Errorf("content = %q", choice.Message.Text())
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Function.Arguments != `{"q":"t"}` {
		t.Errorf("tool calls = %+v", choice.Message.ToolCalls)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestBackendErrorMapsStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorType
	}{
		{400, ErrTypeInvalidRequest},
		{401, ErrTypeAuthentication},
		{403, ErrTypePermission},
		{404, ErrTypeNotFound},
		{429, ErrTypeRateLimit},
		{500, ErrTypeAPI},
		{503, ErrTypeOverloaded},
	}
	for _, c := range cases {
		err := BackendError(c.status, []byte(`{"error":{"message":"boom"}}`))
		if err.Type != c.want {
			t.Errorf("BackendError(%d) type = %q, want %q", c.status, err.Type, c.want)
		}
		if err.Message != "boom" {
			t.Errorf("BackendError(%d) message = %q", c.status, err.Message)
		}
		if err.HTTPStatus() != c.status {
			t.Errorf("BackendError(%d) status = %d", c.status, err.HTTPStatus())
		}
	}
}
