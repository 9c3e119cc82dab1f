package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien/internal/protocol"
)

func contentChunk(text string) *protocol.ChatChunk {
	return &protocol.ChatChunk{
		ID:      "chatcmpl-1",
		Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{Content: text}}},
	}
}

func toolChunk(index int, id, name, args string) *protocol.ChatChunk {
	return &protocol.ChatChunk{
		ID: "chatcmpl-1",
		Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{
			ToolCalls: []protocol.ToolCallDelta{{
				Index:    index,
				ID:       id,
				Function: protocol.FunctionCall{Name: name, Arguments: args},
			}},
		}}},
	}
}

func finishChunk(reason string) *protocol.ChatChunk {
	return &protocol.ChatChunk{
		ID:      "chatcmpl-1",
		Choices: []protocol.ChunkChoice{{FinishReason: reason}},
	}
}

func TestStreamStateContentAccumulates(t *testing.T) {
	s := NewStreamState("call-1")
	s.Apply(contentChunk("Hello"))
	s.Apply(contentChunk(", world"))

	require.NotNil(t, s.OpenBlock())
	assert.Equal(t, BlockContent, s.OpenBlock().Kind)
	assert.Equal(t, "Hello, world", s.OpenBlock().Text)
	assert.Nil(t, s.JustCompleted())

	s.Apply(finishChunk(protocol.FinishStop))
	assert.Nil(t, s.OpenBlock())
	require.NotNil(t, s.JustCompleted())
	assert.True(t, s.JustCompleted().Complete)
	assert.Equal(t, protocol.FinishStop, s.FinishReason())
	assert.Equal(t, "Hello, world", s.ContentText())
}

func TestStreamStateContentToToolTransition(t *testing.T) {
	s := NewStreamState("call-1")
	s.Apply(contentChunk("I'll check."))
	s.Apply(toolChunk(0, "call_abc", "get_weather", `{"loc`))

	// The tool fragment both completes the content block and opens the tool
	// block.
	require.NotNil(t, s.JustCompleted())
	assert.Equal(t, BlockContent, s.JustCompleted().Kind)
	require.NotNil(t, s.OpenBlock())
	assert.Equal(t, BlockToolCall, s.OpenBlock().Kind)

	s.Apply(toolChunk(0, "", "", `ation":"SF"}`))
	assert.Nil(t, s.JustCompleted())

	s.Apply(finishChunk(protocol.FinishToolCalls))
	calls := s.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_abc", calls[0].ID)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, `{"location":"SF"}`, calls[0].Arguments)
}

func TestStreamStateParallelToolCallsByIndex(t *testing.T) {
	s := NewStreamState("call-1")
	s.Apply(toolChunk(0, "call_a", "alpha", `{}`))
	s.Apply(toolChunk(1, "call_b", "beta", `{"x":1}`))

	// Index switch closes tool 0 and opens tool 1.
	require.NotNil(t, s.JustCompleted())
	assert.Equal(t, 0, s.JustCompleted().Index)
	require.NotNil(t, s.OpenBlock())
	assert.Equal(t, 1, s.OpenBlock().Index)

	s.Apply(finishChunk(protocol.FinishToolCalls))
	calls := s.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "alpha", calls[0].Name)
	assert.Equal(t, "beta", calls[1].Name)
	assert.NotEqual(t, calls[0].Key("call-1"), calls[1].Key("call-1"))
}

func TestStreamStateThinkingSignatureAfterText(t *testing.T) {
	s := NewStreamState("call-1")
	s.Apply(&protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		Delta: protocol.Delta{ReasoningContent: "pondering"},
	}}})
	s.Apply(contentChunk("answer"))

	// The signature lands on the thinking block even though text already
	// started.
	s.Apply(&protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		Delta: protocol.Delta{ThinkingSignature: "sig=="},
	}}})

	blocks := s.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, BlockThinking, blocks[0].Kind)
	assert.Equal(t, "pondering", blocks[0].Text)
	assert.Equal(t, "sig==", blocks[0].Signature)
	assert.Equal(t, BlockContent, blocks[1].Kind)
}

func TestStreamStateRedactedThinkingIsComplete(t *testing.T) {
	s := NewStreamState("call-1")
	s.Apply(&protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		Delta: protocol.Delta{RedactedThinking: "opaque-bytes"},
	}}})

	require.NotNil(t, s.JustCompleted())
	assert.Equal(t, BlockThinking, s.JustCompleted().Kind)
	assert.Equal(t, "opaque-bytes", s.JustCompleted().Redacted)
	assert.True(t, s.JustCompleted().Complete)
	assert.Nil(t, s.OpenBlock())
}

func TestStreamStateExplicitBlockStartForcesNewBlock(t *testing.T) {
	s := NewStreamState("call-1")
	s.Apply(contentChunk("first"))
	s.Apply(&protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		Delta: protocol.Delta{BlockStart: &protocol.BlockStart{Type: protocol.BlockText}},
	}}})
	s.Apply(contentChunk("second"))

	blocks := s.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "first", blocks[0].Text)
	assert.True(t, blocks[0].Complete)
	assert.Equal(t, "second", blocks[1].Text)
}

func TestStreamStateFinishStreamClosesOpenBlock(t *testing.T) {
	s := NewStreamState("call-1")
	s.Apply(contentChunk("truncated mid-"))

	// Upstream died without a finish chunk.
	s.FinishStream()
	assert.Nil(t, s.OpenBlock())
	require.NotNil(t, s.JustCompleted())
	assert.Equal(t, "truncated mid-", s.JustCompleted().Text)
	assert.Empty(t, s.FinishReason())
}

func TestStreamStateChunksPreserveOrder(t *testing.T) {
	s := NewStreamState("call-1")
	for _, text := range []string{"a", "b", "c"} {
		s.Apply(contentChunk(text))
	}
	chunks := s.Chunks()
	require.Len(t, chunks, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, chunks[i].Choices[0].Delta.Content)
	}
}
