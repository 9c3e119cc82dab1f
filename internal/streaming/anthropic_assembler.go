package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/luthien-dev/luthien/internal/protocol"
)

// AnthropicAssembler converts normalized chunks into Anthropic SSE events
// with correct, monotonically increasing block indices and strict
// start/delta/stop pairing. One instance serves one streaming response.
//
// A thinking block's stop is deferred when the stream moves on to text,
// because providers may deliver the block's signature after text output has
// begun; the signature still has to attach to the earlier thinking block.
type AnthropicAssembler struct {
	messageID string
	model     string

	blockOpen  bool
	blockIndex int
	blockType  string
	nextIndex  int

	lastThinkingIndex  int
	thinkingNeedsClose bool

	toolBlockByIndex map[int]int
	stopped          map[int]bool

	sentMessageDelta bool
	inputTokens      int
	outputTokens     int

	onWarning func(string)
}

// NewAnthropicAssembler builds an assembler for one response. onWarning
// receives protocol anomalies (nil to ignore); the assembler never emits a
// malformed event because of one.
func NewAnthropicAssembler(messageID, model string, onWarning func(string)) *AnthropicAssembler {
	return &AnthropicAssembler{
		messageID:         messageID,
		model:             model,
		lastThinkingIndex: -1,
		toolBlockByIndex:  make(map[int]int),
		stopped:           make(map[int]bool),
		onWarning:         onWarning,
	}
}

// Start returns the message_start event that must precede everything else.
func (a *AnthropicAssembler) Start() protocol.AnthropicStreamEvent {
	return protocol.AnthropicStreamEvent{
		Type: protocol.EventMessageStart,
		Message: &protocol.AnthropicResponse{
			ID:      a.messageID,
			Type:    "message",
			Role:    protocol.RoleAssistant,
			Content: []protocol.AnthropicBlock{},
			Model:   a.model,
			Usage:   &protocol.AnthropicUsage{},
		},
	}
}

// Process converts one normalized chunk into zero or more Anthropic events.
func (a *AnthropicAssembler) Process(chunk *protocol.ChatChunk) []protocol.AnthropicStreamEvent {
	if chunk == nil {
		return nil
	}
	if chunk.Usage != nil {
		a.inputTokens = chunk.Usage.PromptTokens
		a.outputTokens = chunk.Usage.CompletionTokens
	}
	choice := chunk.FirstChoice()
	if choice == nil {
		return nil
	}
	delta := choice.Delta
	var out []protocol.AnthropicStreamEvent

	// A tool call released whole in a single chunk (a policy buffered it)
	// becomes a self-contained start/delta/stop run.
	var partials []protocol.ToolCallDelta
	for _, tc := range delta.ToolCalls {
		if !isCompleteToolCall(tc) {
			partials = append(partials, tc)
			continue
		}
		out = append(out, a.closeAll()...)
		idx := a.allocIndex()
		out = append(out,
			startEvent(idx, protocol.AnthropicBlock{
				Type:  protocol.BlockToolUse,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage("{}"),
			}),
			deltaEvent(idx, protocol.AnthropicStreamDelta{
				Type:        protocol.DeltaInputJSON,
				PartialJSON: tc.Function.Arguments,
			}),
			stopEvent(idx),
		)
		a.stopped[idx] = true
	}

	// Redacted thinking arrives as an already-complete opaque block.
	if delta.RedactedThinking != "" {
		out = append(out, a.closeAll()...)
		idx := a.allocIndex()
		out = append(out,
			startEvent(idx, protocol.AnthropicBlock{
				Type: protocol.BlockRedactedThinking,
				Data: delta.RedactedThinking,
			}),
			stopEvent(idx),
		)
		a.stopped[idx] = true
	}

	// Explicit block boundary forwarded by the decoder.
	if delta.BlockStart != nil {
		out = append(out, a.closeAll()...)
		typ := delta.BlockStart.Type
		if typ != protocol.BlockThinking {
			typ = protocol.BlockText
		}
		out = append(out, a.openBlock(typ)...)
	}

	if delta.ThinkingSignature != "" {
		switch {
		case a.lastThinkingIndex < 0:
			a.warn("signature delta with no preceding thinking block")
		case a.stopped[a.lastThinkingIndex]:
			a.warn(fmt.Sprintf("signature delta after thinking block %d closed", a.lastThinkingIndex))
		default:
			out = append(out, deltaEvent(a.lastThinkingIndex, protocol.AnthropicStreamDelta{
				Type:      protocol.DeltaSignature,
				Signature: delta.ThinkingSignature,
			}))
			if a.thinkingNeedsClose {
				a.thinkingNeedsClose = false
				a.stopped[a.lastThinkingIndex] = true
				out = append(out, stopEvent(a.lastThinkingIndex))
			}
		}
	}

	if delta.ReasoningContent != "" {
		out = append(out, a.ensureBlock(protocol.BlockThinking)...)
		out = append(out, deltaEvent(a.blockIndex, protocol.AnthropicStreamDelta{
			Type:     protocol.DeltaThinking,
			Thinking: delta.ReasoningContent,
		}))
	}

	if delta.Content != "" {
		out = append(out, a.ensureBlock(protocol.BlockText)...)
		out = append(out, deltaEvent(a.blockIndex, protocol.AnthropicStreamDelta{
			Type: protocol.DeltaText,
			Text: delta.Content,
		}))
	}

	for _, tc := range partials {
		out = append(out, a.toolFragment(tc)...)
	}

	// Finish closes every block before message_delta, regardless of the
	// order the upstream interleaved its final chunks.
	if choice.FinishReason != "" {
		out = append(out, a.closeAll()...)
		if !a.sentMessageDelta {
			a.sentMessageDelta = true
			out = append(out, a.messageDelta(choice.FinishReason))
		}
	}
	return out
}

// Finish closes anything still open and terminates the stream. When the
// upstream never announced a finish reason, the fallback is used so the
// client still receives a message_delta before message_stop.
func (a *AnthropicAssembler) Finish(fallbackFinish string) []protocol.AnthropicStreamEvent {
	out := a.closeAll()
	if !a.sentMessageDelta {
		a.sentMessageDelta = true
		if fallbackFinish == "" {
			fallbackFinish = protocol.FinishStop
		}
		out = append(out, a.messageDelta(fallbackFinish))
	}
	out = append(out, protocol.AnthropicStreamEvent{Type: protocol.EventMessageStop})
	return out
}

func (a *AnthropicAssembler) allocIndex() int {
	idx := a.nextIndex
	a.nextIndex++
	return idx
}

// ensureBlock makes typ the open block, transitioning away from whatever
// was open before.
func (a *AnthropicAssembler) ensureBlock(typ string) []protocol.AnthropicStreamEvent {
	if a.blockOpen && a.blockType == typ {
		return nil
	}
	out := a.leaveCurrent()
	out = append(out, a.openBlock(typ)...)
	return out
}

func (a *AnthropicAssembler) openBlock(typ string) []protocol.AnthropicStreamEvent {
	var out []protocol.AnthropicStreamEvent
	if typ == protocol.BlockThinking {
		// A previously deferred thinking stop can no longer receive its
		// signature once a new thinking block takes over.
		out = append(out, a.flushPendingThinking()...)
	}
	idx := a.allocIndex()
	a.blockOpen = true
	a.blockIndex = idx
	a.blockType = typ
	blk := protocol.AnthropicBlock{Type: typ}
	if typ == protocol.BlockThinking {
		a.lastThinkingIndex = idx
	}
	out = append(out, startEvent(idx, blk))
	return out
}

// toolFragment handles incremental tool-call streaming: the first fragment
// for an index opens the block, later fragments append input JSON.
func (a *AnthropicAssembler) toolFragment(tc protocol.ToolCallDelta) []protocol.AnthropicStreamEvent {
	blockIdx, known := a.toolBlockByIndex[tc.Index]
	if known && (!a.blockOpen || a.blockIndex != blockIdx) {
		a.warn(fmt.Sprintf("tool fragment for closed block %d dropped", blockIdx))
		return nil
	}
	var out []protocol.AnthropicStreamEvent
	if !known {
		out = append(out, a.leaveCurrent()...)
		blockIdx = a.allocIndex()
		a.toolBlockByIndex[tc.Index] = blockIdx
		a.blockOpen = true
		a.blockType = protocol.BlockToolUse
		a.blockIndex = blockIdx
		out = append(out, startEvent(blockIdx, protocol.AnthropicBlock{
			Type:  protocol.BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage("{}"),
		}))
	}
	if tc.Function.Arguments != "" {
		out = append(out, deltaEvent(blockIdx, protocol.AnthropicStreamDelta{
			Type:        protocol.DeltaInputJSON,
			PartialJSON: tc.Function.Arguments,
		}))
	}
	return out
}

// leaveCurrent prepares for a block of a different kind. Leaving a thinking
// block defers its stop; anything else closes immediately.
func (a *AnthropicAssembler) leaveCurrent() []protocol.AnthropicStreamEvent {
	if !a.blockOpen {
		return nil
	}
	if a.blockType == protocol.BlockThinking {
		a.thinkingNeedsClose = true
		a.lastThinkingIndex = a.blockIndex
		a.blockOpen = false
		return nil
	}
	return a.closeCurrent()
}

func (a *AnthropicAssembler) closeCurrent() []protocol.AnthropicStreamEvent {
	if !a.blockOpen {
		return nil
	}
	a.blockOpen = false
	if a.stopped[a.blockIndex] {
		return nil
	}
	a.stopped[a.blockIndex] = true
	return []protocol.AnthropicStreamEvent{stopEvent(a.blockIndex)}
}

func (a *AnthropicAssembler) flushPendingThinking() []protocol.AnthropicStreamEvent {
	if !a.thinkingNeedsClose {
		return nil
	}
	a.thinkingNeedsClose = false
	if a.lastThinkingIndex < 0 || a.stopped[a.lastThinkingIndex] {
		return nil
	}
	a.stopped[a.lastThinkingIndex] = true
	return []protocol.AnthropicStreamEvent{stopEvent(a.lastThinkingIndex)}
}

// closeAll flushes the deferred thinking stop and closes the open block.
func (a *AnthropicAssembler) closeAll() []protocol.AnthropicStreamEvent {
	out := a.flushPendingThinking()
	out = append(out, a.closeCurrent()...)
	return out
}

func (a *AnthropicAssembler) messageDelta(finish string) protocol.AnthropicStreamEvent {
	return protocol.AnthropicStreamEvent{
		Type: protocol.EventMessageDelta,
		Delta: &protocol.AnthropicStreamDelta{
			StopReason: protocol.FinishToStopReason(finish),
		},
		Usage: &protocol.AnthropicUsage{
			InputTokens:  a.inputTokens,
			OutputTokens: a.outputTokens,
		},
	}
}

func (a *AnthropicAssembler) warn(msg string) {
	if a.onWarning != nil {
		a.onWarning(msg)
	}
}

// isCompleteToolCall reports whether a fragment carries an entire tool call:
// id, name and arguments that already form valid JSON. Policies that buffer
// tool calls release them this way.
func isCompleteToolCall(tc protocol.ToolCallDelta) bool {
	return tc.ID != "" && tc.Function.Name != "" &&
		tc.Function.Arguments != "" && json.Valid([]byte(tc.Function.Arguments))
}

func startEvent(index int, block protocol.AnthropicBlock) protocol.AnthropicStreamEvent {
	return protocol.AnthropicStreamEvent{
		Type:         protocol.EventContentBlockStart,
		Index:        indexPtr(index),
		ContentBlock: &block,
	}
}

func deltaEvent(index int, delta protocol.AnthropicStreamDelta) protocol.AnthropicStreamEvent {
	return protocol.AnthropicStreamEvent{
		Type:  protocol.EventContentBlockDelta,
		Index: indexPtr(index),
		Delta: &delta,
	}
}

func stopEvent(index int) protocol.AnthropicStreamEvent {
	return protocol.AnthropicStreamEvent{
		Type:  protocol.EventContentBlockStop,
		Index: indexPtr(index),
	}
}

func indexPtr(i int) *int { return &i }
