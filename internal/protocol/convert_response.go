package protocol

import "fmt"

// ToAnthropicResponse converts a normalized non-streaming response into the
// Anthropic wire shape. Only the first choice is rendered; Anthropic
// responses carry a single message. Returned warnings describe tool
// arguments that failed to parse and degraded to an empty object.
func ToAnthropicResponse(resp *ChatResponse) (*AnthropicResponse, []string, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, nil, fmt.Errorf("response has no choices")
	}
	choice := resp.Choices[0]

	ar := &AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  RoleAssistant,
		Model: resp.Model,
	}
	var warnings []string

	if text := choice.Message.Text(); text != "" {
		ar.Content = append(ar.Content, AnthropicBlock{Type: BlockText, Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		input, warn := parseToolArguments(tc.Function.Arguments)
		if warn != "" {
			warnings = append(warnings, fmt.Sprintf("tool call %s: %s", tc.ID, warn))
		}
		ar.Content = append(ar.Content, AnthropicBlock{
			Type:  BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	if ar.Content == nil {
		ar.Content = []AnthropicBlock{}
	}

	ar.StopReason = FinishToStopReason(choice.FinishReason)
	if resp.Usage != nil {
		ar.Usage = &AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return ar, warnings, nil
}

// FromAnthropicResponse converts an Anthropic non-streaming response into
// the normalized shape, for Anthropic-native backends.
func FromAnthropicResponse(ar *AnthropicResponse) *ChatResponse {
	msg := Message{Role: RoleAssistant}
	var text string
	for _, b := range ar.Content {
		switch b.Type {
		case BlockText:
			text += b.Text
		case BlockToolUse:
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: FunctionCall{Name: b.Name, Arguments: args},
			})
		}
	}
	if text != "" {
		msg.Content = text
	}

	resp := &ChatResponse{
		ID:     ar.ID,
		Object: "chat.completion",
		Model:  ar.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: StopReasonToFinish(ar.StopReason),
		}},
	}
	if ar.Usage != nil {
		resp.Usage = &Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		}
	}
	return resp
}
