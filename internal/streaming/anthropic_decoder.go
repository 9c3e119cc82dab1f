package streaming

import (
	"fmt"
	"time"

	"github.com/luthien-dev/luthien/internal/protocol"
)

// AnthropicDecoder converts one Anthropic streaming response into normalized
// chunks. It is the ingress mirror of AnthropicAssembler: block boundaries
// are preserved through explicit block_start markers so a later re-assembly
// reproduces the same block structure.
//
// Not safe for concurrent use; one decoder per response.
type AnthropicDecoder struct {
	id      string
	model   string
	created int64

	// anthropic block index -> block type, assigned at content_block_start
	blockTypes map[int]string
	// anthropic block index -> normalized tool index
	toolIndex map[int]int
	nextTool  int

	inputTokens int
}

// NewAnthropicDecoder builds a decoder for one streaming response.
func NewAnthropicDecoder() *AnthropicDecoder {
	return &AnthropicDecoder{
		blockTypes: map[int]string{},
		toolIndex:  map[int]int{},
	}
}

// Decode folds one SSE event and returns the normalized chunks it produced,
// usually zero or one. A backend error frame returns an *protocol.APIError.
func (d *AnthropicDecoder) Decode(ev *protocol.AnthropicStreamEvent) ([]*protocol.ChatChunk, error) {
	switch ev.Type {
	case protocol.EventMessageStart:
		return d.messageStart(ev)
	case protocol.EventContentBlockStart:
		return d.blockStart(ev)
	case protocol.EventContentBlockDelta:
		return d.blockDelta(ev)
	case protocol.EventContentBlockStop:
		// Boundaries are carried by the next block's start marker.
		return nil, nil
	case protocol.EventMessageDelta:
		return d.messageDelta(ev)
	case protocol.EventMessageStop, protocol.EventPing:
		return nil, nil
	case "error":
		msg := "backend stream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		return nil, protocol.NewAPIError(protocol.ErrTypeAPI, "%s", msg)
	default:
		// Unknown event types are forward-compatible noise.
		return nil, nil
	}
}

func (d *AnthropicDecoder) messageStart(ev *protocol.AnthropicStreamEvent) ([]*protocol.ChatChunk, error) {
	if ev.Message == nil {
		return nil, fmt.Errorf("message_start without message")
	}
	d.id = ev.Message.ID
	d.model = ev.Message.Model
	d.created = time.Now().Unix()
	if ev.Message.Usage != nil {
		d.inputTokens = ev.Message.Usage.InputTokens
	}
	return []*protocol.ChatChunk{d.chunk(protocol.Delta{Role: protocol.RoleAssistant}, "")}, nil
}

func (d *AnthropicDecoder) blockStart(ev *protocol.AnthropicStreamEvent) ([]*protocol.ChatChunk, error) {
	index := ev.BlockIndex()
	if ev.ContentBlock == nil || index < 0 {
		return nil, fmt.Errorf("content_block_start without block or index")
	}
	d.blockTypes[index] = ev.ContentBlock.Type

	switch ev.ContentBlock.Type {
	case protocol.BlockText:
		delta := protocol.Delta{BlockStart: &protocol.BlockStart{Type: protocol.BlockText}}
		delta.Content = ev.ContentBlock.Text
		return []*protocol.ChatChunk{d.chunk(delta, "")}, nil

	case protocol.BlockThinking:
		delta := protocol.Delta{BlockStart: &protocol.BlockStart{Type: protocol.BlockThinking}}
		delta.ReasoningContent = ev.ContentBlock.Thinking
		return []*protocol.ChatChunk{d.chunk(delta, "")}, nil

	case protocol.BlockRedactedThinking:
		return []*protocol.ChatChunk{d.chunk(protocol.Delta{RedactedThinking: ev.ContentBlock.Data}, "")}, nil

	case protocol.BlockToolUse:
		ti := d.nextTool
		d.nextTool++
		d.toolIndex[index] = ti
		frag := protocol.ToolCallDelta{
			Index: ti,
			ID:    ev.ContentBlock.ID,
			Type:  "function",
			Function: protocol.FunctionCall{
				Name: ev.ContentBlock.Name,
			},
		}
		// Complete calls can arrive with their whole input on the start
		// event and no input_json_delta following.
		if input := string(ev.ContentBlock.Input); input != "" && input != "{}" && input != "null" {
			frag.Function.Arguments = input
		}
		return []*protocol.ChatChunk{d.chunk(protocol.Delta{ToolCalls: []protocol.ToolCallDelta{frag}}, "")}, nil

	default:
		return nil, nil
	}
}

func (d *AnthropicDecoder) blockDelta(ev *protocol.AnthropicStreamEvent) ([]*protocol.ChatChunk, error) {
	index := ev.BlockIndex()
	if ev.Delta == nil || index < 0 {
		return nil, fmt.Errorf("content_block_delta without delta or index")
	}

	switch ev.Delta.Type {
	case protocol.DeltaText:
		if ev.Delta.Text == "" {
			return nil, nil
		}
		return []*protocol.ChatChunk{d.chunk(protocol.Delta{Content: ev.Delta.Text}, "")}, nil

	case protocol.DeltaThinking:
		if ev.Delta.Thinking == "" {
			return nil, nil
		}
		return []*protocol.ChatChunk{d.chunk(protocol.Delta{ReasoningContent: ev.Delta.Thinking}, "")}, nil

	case protocol.DeltaSignature:
		if ev.Delta.Signature == "" {
			return nil, nil
		}
		return []*protocol.ChatChunk{d.chunk(protocol.Delta{ThinkingSignature: ev.Delta.Signature}, "")}, nil

	case protocol.DeltaInputJSON:
		ti, ok := d.toolIndex[index]
		if !ok {
			return nil, fmt.Errorf("input_json_delta for unknown block %d", index)
		}
		if ev.Delta.PartialJSON == "" {
			return nil, nil
		}
		frag := protocol.ToolCallDelta{
			Index:    ti,
			Function: protocol.FunctionCall{Arguments: ev.Delta.PartialJSON},
		}
		return []*protocol.ChatChunk{d.chunk(protocol.Delta{ToolCalls: []protocol.ToolCallDelta{frag}}, "")}, nil

	default:
		return nil, nil
	}
}

func (d *AnthropicDecoder) messageDelta(ev *protocol.AnthropicStreamEvent) ([]*protocol.ChatChunk, error) {
	finish := ""
	if ev.Delta != nil && ev.Delta.StopReason != "" {
		finish = protocol.StopReasonToFinish(ev.Delta.StopReason)
	}
	chunk := d.chunk(protocol.Delta{}, finish)
	if ev.Usage != nil {
		chunk.Usage = &protocol.Usage{
			PromptTokens:     d.inputTokens,
			CompletionTokens: ev.Usage.OutputTokens,
			TotalTokens:      d.inputTokens + ev.Usage.OutputTokens,
		}
	}
	return []*protocol.ChatChunk{chunk}, nil
}

// chunk wraps a delta in the response envelope.
func (d *AnthropicDecoder) chunk(delta protocol.Delta, finish string) *protocol.ChatChunk {
	return &protocol.ChatChunk{
		ID:      d.id,
		Object:  "chat.completion.chunk",
		Created: d.created,
		Model:   d.model,
		Choices: []protocol.ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}
