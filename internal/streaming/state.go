package streaming

import (
	"github.com/luthien-dev/luthien/internal/protocol"
)

// StreamState tracks one streaming response as the dispatcher sees it:
// every chunk received so far, the currently open block, the block that
// just completed (cleared before each chunk), the aggregated finish reason
// and the ordered list of all blocks observed.
//
// At most one block is open at a time. A block completes when the stream
// transitions to a different block kind or tool index, when a finish reason
// arrives, or when the stream ends.
type StreamState struct {
	TransactionID string

	chunks        []*protocol.ChatChunk
	open          *Block
	justCompleted *Block
	lastThinking  *Block
	finishReason  string
	blocks        []*Block
}

// NewStreamState creates the per-response state tracked for one transaction.
func NewStreamState(transactionID string) *StreamState {
	return &StreamState{TransactionID: transactionID}
}

// Apply folds one chunk into the state. After it returns, OpenBlock and
// JustCompleted describe the transition the chunk caused.
func (s *StreamState) Apply(chunk *protocol.ChatChunk) {
	s.chunks = append(s.chunks, chunk)
	s.justCompleted = nil

	choice := chunk.FirstChoice()
	if choice == nil {
		return
	}
	delta := choice.Delta

	if delta.BlockStart != nil {
		// Explicit boundary forwarded by the Anthropic decoder: force a
		// fresh block even when the kind does not change.
		s.closeOpen()
		switch delta.BlockStart.Type {
		case protocol.BlockThinking:
			b := newThinkingBlock()
			s.open = b
			s.blocks = append(s.blocks, b)
			s.lastThinking = b
		default:
			b := newContentBlock()
			s.open = b
			s.blocks = append(s.blocks, b)
		}
	}

	if delta.ReasoningContent != "" {
		b := s.ensureOpen(BlockThinking, -1)
		b.Text += delta.ReasoningContent
		s.lastThinking = b
	}
	if delta.ThinkingSignature != "" {
		// Signatures attach to the most recent thinking block even when
		// text output has already begun.
		if s.lastThinking != nil {
			s.lastThinking.Signature += delta.ThinkingSignature
		}
	}
	if delta.RedactedThinking != "" {
		s.closeOpen()
		b := newThinkingBlock()
		b.Redacted = delta.RedactedThinking
		b.Complete = true
		s.blocks = append(s.blocks, b)
		s.justCompleted = b
		s.lastThinking = b
	}
	if delta.Content != "" {
		b := s.ensureOpen(BlockContent, -1)
		b.Text += delta.Content
	}
	for _, tc := range delta.ToolCalls {
		b := s.ensureOpen(BlockToolCall, tc.Index)
		b.appendToolFragment(tc.ID, tc.Function.Name, tc.Function.Arguments)
	}

	if choice.FinishReason != "" {
		s.finishReason = choice.FinishReason
		s.closeOpen()
	}
}

// FinishStream closes any block left open when the upstream ends without a
// finish-reason chunk, so completion hooks still fire.
func (s *StreamState) FinishStream() {
	s.justCompleted = nil
	s.closeOpen()
}

// ensureOpen returns the open block of the wanted kind/index, closing the
// current block and opening a fresh one when the stream transitions.
func (s *StreamState) ensureOpen(kind BlockKind, index int) *Block {
	if s.open != nil && s.open.Kind == kind && (kind != BlockToolCall || s.open.Index == index) {
		return s.open
	}
	s.closeOpen()
	var b *Block
	switch kind {
	case BlockContent:
		b = newContentBlock()
	case BlockThinking:
		b = newThinkingBlock()
	case BlockToolCall:
		b = newToolCallBlock(index)
	}
	s.open = b
	s.blocks = append(s.blocks, b)
	return b
}

func (s *StreamState) closeOpen() {
	if s.open == nil {
		return
	}
	s.open.Complete = true
	s.justCompleted = s.open
	s.open = nil
}

// Chunks returns every chunk applied so far, in arrival order.
func (s *StreamState) Chunks() []*protocol.ChatChunk { return s.chunks }

// OpenBlock returns the currently open block, or nil.
func (s *StreamState) OpenBlock() *Block { return s.open }

// JustCompleted returns the block completed by the most recent Apply, or
// nil when the last chunk completed nothing.
func (s *StreamState) JustCompleted() *Block { return s.justCompleted }

// FinishReason returns the aggregated finish reason, empty until the
// upstream announces one.
func (s *StreamState) FinishReason() string { return s.finishReason }

// Blocks returns all blocks observed, in the order they opened.
func (s *StreamState) Blocks() []*Block { return s.blocks }

// ContentText concatenates the text of every content block, complete or
// open. Policies that buffer whole messages read this at finish time.
func (s *StreamState) ContentText() string {
	var out string
	for _, b := range s.blocks {
		if b.Kind == BlockContent {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the completed tool-call blocks in open order.
func (s *StreamState) ToolCalls() []*Block {
	var out []*Block
	for _, b := range s.blocks {
		if b.Kind == BlockToolCall && b.Complete {
			out = append(out, b)
		}
	}
	return out
}
