package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DefaultAnthropicMaxTokens is used when a normalized request without
// max_tokens is forwarded to an Anthropic backend, which requires one.
const DefaultAnthropicMaxTokens = 4096

// FromAnthropicRequest converts an Anthropic Messages request into the
// normalized dialect. The top-level system field becomes a leading system
// message, tool_use blocks become assistant tool calls, tool_result blocks
// become tool messages keyed by the originating call id, and text blocks
// concatenate. Message order is preserved.
func FromAnthropicRequest(ar *AnthropicRequest) (*ChatRequest, error) {
	if ar.Model == "" {
		return nil, InvalidRequest("model is required")
	}
	req := &ChatRequest{
		Model:       ar.Model,
		Temperature: ar.Temperature,
		TopP:        ar.TopP,
		Stop:        ar.StopSequences,
		Stream:      ar.Stream,
	}
	if ar.MaxTokens > 0 {
		mt := ar.MaxTokens
		req.MaxTokens = &mt
	}
	if ar.Metadata != nil && ar.Metadata.UserID != "" {
		req.Metadata = map[string]any{"user_id": ar.Metadata.UserID}
		req.User = ar.Metadata.UserID
	}

	if sys := flattenAnthropicSystem(ar.System); sys != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: sys})
	}

	// Track tool_use ids seen so far so tool_result blocks can be validated.
	knownCalls := make(map[string]bool)

	for i, msg := range ar.Messages {
		switch msg.Role {
		case RoleUser, RoleAssistant:
		default:
			return nil, InvalidRequest("messages[%d]: unsupported role %q", i, msg.Role)
		}
		blocks, err := msg.Blocks()
		if err != nil {
			return nil, InvalidRequest("messages[%d]: malformed content: %v", i, err)
		}
		if msg.Role == RoleAssistant {
			out, err := convertAssistantBlocks(i, blocks, knownCalls)
			if err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, out)
			continue
		}
		outs, err := convertUserBlocks(i, blocks, knownCalls)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, outs...)
	}

	for _, t := range ar.Tools {
		if t.Name == "" {
			return nil, InvalidRequest("tools: name is required")
		}
		req.Tools = append(req.Tools, Tool{
			Type: "function",
			Function: FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	req.Normalize()
	return req, nil
}

func flattenAnthropicSystem(system any) string {
	switch s := system.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return ""
		}
		var blocks []AnthropicBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return ""
		}
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == BlockText && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n\n")
	}
}

func convertAssistantBlocks(i int, blocks []AnthropicBlock, knownCalls map[string]bool) (Message, error) {
	out := Message{Role: RoleAssistant}
	var text strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			text.WriteString(b.Text)
		case BlockToolUse:
			if b.ID == "" || b.Name == "" {
				return Message{}, InvalidRequest("messages[%d]: tool_use block requires id and name", i)
			}
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: FunctionCall{Name: b.Name, Arguments: args},
			})
			knownCalls[b.ID] = true
		case BlockThinking, BlockRedactedThinking:
			// Prior-turn thinking is provider state, not conversation
			// content; it is not forwarded.
		default:
			return Message{}, InvalidRequest("messages[%d]: unsupported assistant block type %q", i, b.Type)
		}
	}
	if text.Len() > 0 {
		out.Content = text.String()
	}
	return out, nil
}

func convertUserBlocks(i int, blocks []AnthropicBlock, knownCalls map[string]bool) ([]Message, error) {
	var out []Message
	var text strings.Builder
	flushText := func() {
		if text.Len() > 0 {
			out = append(out, Message{Role: RoleUser, Content: text.String()})
			text.Reset()
		}
	}
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			text.WriteString(b.Text)
		case BlockToolResult:
			if b.ToolUseID == "" {
				return nil, InvalidRequest("messages[%d]: tool_result block requires tool_use_id", i)
			}
			if !knownCalls[b.ToolUseID] {
				return nil, InvalidRequest("messages[%d]: tool_result references unknown tool_use_id %q", i, b.ToolUseID)
			}
			flushText()
			out = append(out, Message{
				Role:       RoleTool,
				Content:    flattenToolResultContent(b.Content),
				ToolCallID: b.ToolUseID,
			})
		default:
			return nil, InvalidRequest("messages[%d]: unsupported user block type %q", i, b.Type)
		}
	}
	flushText()
	return out, nil
}

func flattenToolResultContent(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		var blocks []AnthropicBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return string(data)
		}
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == BlockText {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
}

// ToAnthropicRequest converts a normalized request into the Anthropic wire
// shape for Anthropic-native backends. System messages fold into the
// top-level system field, assistant tool calls become tool_use blocks, and
// tool messages become tool_result blocks merged into user turns. Returned
// warnings describe tool arguments that could not be parsed as JSON and were
// replaced with an empty object.
func ToAnthropicRequest(req *ChatRequest) (*AnthropicRequest, []string, error) {
	if req.Model == "" {
		return nil, nil, InvalidRequest("model is required")
	}
	ar := &AnthropicRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
		MaxTokens:     DefaultAnthropicMaxTokens,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		ar.MaxTokens = *req.MaxTokens
	}
	if req.User != "" {
		ar.Metadata = &AnthropicMetadata{UserID: req.User}
	}

	var warnings []string
	var system []string
	appendMessage := func(role string, blocks ...AnthropicBlock) {
		// Anthropic rejects consecutive same-role turns, so tool results
		// and adjacent user content merge into one user message.
		if n := len(ar.Messages); n > 0 && ar.Messages[n-1].Role == role {
			if prev, ok := ar.Messages[n-1].Content.([]AnthropicBlock); ok {
				ar.Messages[n-1].Content = append(prev, blocks...)
				return
			}
		}
		ar.Messages = append(ar.Messages, AnthropicMessage{Role: role, Content: blocks})
	}

	for i, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem, RoleDeveloper:
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
		case RoleUser:
			if text := msg.Text(); text != "" {
				appendMessage(RoleUser, AnthropicBlock{Type: BlockText, Text: text})
			}
		case RoleAssistant:
			var blocks []AnthropicBlock
			if text := msg.Text(); text != "" {
				blocks = append(blocks, AnthropicBlock{Type: BlockText, Text: text})
			}
			for _, tc := range msg.ToolCalls {
				input, warn := parseToolArguments(tc.Function.Arguments)
				if warn != "" {
					warnings = append(warnings, fmt.Sprintf("messages[%d] tool call %s: %s", i, tc.ID, warn))
				}
				blocks = append(blocks, AnthropicBlock{
					Type:  BlockToolUse,
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			if len(blocks) > 0 {
				appendMessage(RoleAssistant, blocks...)
			}
		case RoleTool:
			if msg.ToolCallID == "" {
				return nil, nil, InvalidRequest("messages[%d]: tool message requires tool_call_id", i)
			}
			appendMessage(RoleUser, AnthropicBlock{
				Type:      BlockToolResult,
				ToolUseID: msg.ToolCallID,
				Content:   msg.Text(),
			})
		default:
			return nil, nil, InvalidRequest("messages[%d]: unsupported role %q", i, msg.Role)
		}
	}
	if len(system) > 0 {
		ar.System = strings.Join(system, "\n\n")
	}

	for _, t := range dedupTools(req.Tools) {
		ar.Tools = append(ar.Tools, AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return ar, warnings, nil
}

// parseToolArguments turns a JSON-string argument payload into a raw JSON
// object. Invalid JSON goes through repair once; if that also fails the
// input degrades to an empty object and the returned warning says so.
func parseToolArguments(args string) (json.RawMessage, string) {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage("{}"), ""
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), ""
	}
	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err == nil && json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired), fmt.Sprintf("arguments repaired from malformed JSON (%d bytes)", len(trimmed))
	}
	return json.RawMessage("{}"), "arguments were not valid JSON; replaced with empty object"
}
