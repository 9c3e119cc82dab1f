package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien/internal/protocol"
)

// eventTypes flattens a run for order assertions.
func eventTypes(evs []protocol.AnthropicStreamEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestAssemblerTextLifecycle(t *testing.T) {
	a := NewAnthropicAssembler("msg_1", "claude-x", nil)

	start := a.Start()
	assert.Equal(t, protocol.EventMessageStart, start.Type)
	require.NotNil(t, start.Message)
	assert.Equal(t, "msg_1", start.Message.ID)

	var all []protocol.AnthropicStreamEvent
	all = append(all, a.Process(contentChunk("Hel"))...)
	all = append(all, a.Process(contentChunk("lo"))...)
	all = append(all, a.Process(finishChunk(protocol.FinishStop))...)
	all = append(all, a.Finish(protocol.FinishStop)...)

	assert.Equal(t, []string{
		protocol.EventContentBlockStart,
		protocol.EventContentBlockDelta,
		protocol.EventContentBlockDelta,
		protocol.EventContentBlockStop,
		protocol.EventMessageDelta,
		protocol.EventMessageStop,
	}, eventTypes(all))

	assert.Equal(t, "Hel", all[1].Delta.Text)
	assert.Equal(t, "lo", all[2].Delta.Text)
	assert.Equal(t, "end_turn", all[4].Delta.StopReason)
}

func TestAssemblerIncrementalToolCall(t *testing.T) {
	a := NewAnthropicAssembler("msg_1", "claude-x", nil)

	var all []protocol.AnthropicStreamEvent
	all = append(all, a.Process(contentChunk("Checking."))...)
	all = append(all, a.Process(toolChunk(0, "toolu_1", "get_weather", `{"city"`))...)
	all = append(all, a.Process(toolChunk(0, "", "", `:"SF"}`))...)
	all = append(all, a.Process(finishChunk(protocol.FinishToolCalls))...)
	all = append(all, a.Finish(protocol.FinishToolCalls)...)

	assert.Equal(t, []string{
		protocol.EventContentBlockStart, // text
		protocol.EventContentBlockDelta,
		protocol.EventContentBlockStop,
		protocol.EventContentBlockStart, // tool_use
		protocol.EventContentBlockDelta,
		protocol.EventContentBlockDelta,
		protocol.EventContentBlockStop,
		protocol.EventMessageDelta,
		protocol.EventMessageStop,
	}, eventTypes(all))

	// Indices are monotonically increasing and stable per block.
	assert.Equal(t, 0, *all[0].Index)
	assert.Equal(t, 1, *all[3].Index)
	require.NotNil(t, all[3].ContentBlock)
	assert.Equal(t, protocol.BlockToolUse, all[3].ContentBlock.Type)
	assert.Equal(t, "toolu_1", all[3].ContentBlock.ID)
	assert.Equal(t, `{"city"`, all[4].Delta.PartialJSON)
	assert.Equal(t, "tool_use", all[7].Delta.StopReason)
}

func TestAssemblerBufferedToolCallReleasedWhole(t *testing.T) {
	a := NewAnthropicAssembler("msg_1", "claude-x", nil)

	// A policy that buffered the call emits it as one complete fragment.
	evs := a.Process(toolChunk(0, "toolu_1", "delete_file", `{"path":"/tmp/x"}`))
	assert.Equal(t, []string{
		protocol.EventContentBlockStart,
		protocol.EventContentBlockDelta,
		protocol.EventContentBlockStop,
	}, eventTypes(evs))
	assert.Equal(t, `{"path":"/tmp/x"}`, evs[1].Delta.PartialJSON)

	// Finish after the self-contained run must not re-stop the block.
	tail := a.Finish(protocol.FinishToolCalls)
	assert.Equal(t, []string{
		protocol.EventMessageDelta,
		protocol.EventMessageStop,
	}, eventTypes(tail))
}

func TestAssemblerThinkingSignatureAfterTextStarts(t *testing.T) {
	a := NewAnthropicAssembler("msg_1", "claude-x", nil)

	var all []protocol.AnthropicStreamEvent
	all = append(all, a.Process(&protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		Delta: protocol.Delta{ReasoningContent: "thinking..."},
	}}})...)
	all = append(all, a.Process(contentChunk("answer"))...)
	all = append(all, a.Process(&protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		Delta: protocol.Delta{ThinkingSignature: "sig=="},
	}}})...)
	all = append(all, a.Finish(protocol.FinishStop)...)

	// The thinking stop is deferred past the text start so the signature can
	// still attach to block 0.
	assert.Equal(t, []string{
		protocol.EventContentBlockStart, // thinking (0)
		protocol.EventContentBlockDelta, // thinking_delta
		protocol.EventContentBlockStart, // text (1)
		protocol.EventContentBlockDelta, // text_delta
		protocol.EventContentBlockDelta, // signature_delta on 0
		protocol.EventContentBlockStop,  // thinking stop
		protocol.EventContentBlockStop,  // text stop
		protocol.EventMessageDelta,
		protocol.EventMessageStop,
	}, eventTypes(all))

	assert.Equal(t, 0, *all[4].Index)
	assert.Equal(t, protocol.DeltaSignature, all[4].Delta.Type)
	assert.Equal(t, 0, *all[5].Index)
	assert.Equal(t, 1, *all[6].Index)
}

func TestAssemblerSignatureWithoutThinkingWarns(t *testing.T) {
	var warnings []string
	a := NewAnthropicAssembler("msg_1", "claude-x", func(msg string) {
		warnings = append(warnings, msg)
	})

	evs := a.Process(&protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		Delta: protocol.Delta{ThinkingSignature: "sig=="},
	}}})
	assert.Empty(t, evs)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "no preceding thinking block")
}

func TestAssemblerRedactedThinking(t *testing.T) {
	a := NewAnthropicAssembler("msg_1", "claude-x", nil)

	evs := a.Process(&protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		Delta: protocol.Delta{RedactedThinking: "opaque"},
	}}})
	assert.Equal(t, []string{
		protocol.EventContentBlockStart,
		protocol.EventContentBlockStop,
	}, eventTypes(evs))
	require.NotNil(t, evs[0].ContentBlock)
	assert.Equal(t, protocol.BlockRedactedThinking, evs[0].ContentBlock.Type)
	assert.Equal(t, "opaque", evs[0].ContentBlock.Data)
}

func TestAssemblerFinishWithoutUpstreamReason(t *testing.T) {
	a := NewAnthropicAssembler("msg_1", "claude-x", nil)
	a.Process(contentChunk("partial"))

	evs := a.Finish("")
	assert.Equal(t, []string{
		protocol.EventContentBlockStop,
		protocol.EventMessageDelta,
		protocol.EventMessageStop,
	}, eventTypes(evs))
	assert.Equal(t, "end_turn", evs[1].Delta.StopReason)
}

func TestAssemblerUsagePropagates(t *testing.T) {
	a := NewAnthropicAssembler("msg_1", "claude-x", nil)
	a.Process(contentChunk("hi"))
	a.Process(&protocol.ChatChunk{Usage: &protocol.Usage{PromptTokens: 12, CompletionTokens: 3}})

	evs := a.Finish(protocol.FinishStop)
	var delta *protocol.AnthropicStreamEvent
	for i := range evs {
		if evs[i].Type == protocol.EventMessageDelta {
			delta = &evs[i]
		}
	}
	require.NotNil(t, delta)
	require.NotNil(t, delta.Usage)
	assert.Equal(t, 12, delta.Usage.InputTokens)
	assert.Equal(t, 3, delta.Usage.OutputTokens)
}
