package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien/internal/protocol"
	"github.com/luthien-dev/luthien/internal/streaming"
)

func toolCallChunk(index int, id, name, args string) *protocol.ChatChunk {
	return &protocol.ChatChunk{
		ID:    "chatcmpl-1",
		Model: "m",
		Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{
			ToolCalls: []protocol.ToolCallDelta{{
				Index:    index,
				ID:       id,
				Function: protocol.FunctionCall{Name: name, Arguments: args},
			}},
		}}},
	}
}

func releasedText(chunks []*protocol.ChatChunk) string {
	var out string
	for _, c := range chunks {
		if choice := c.FirstChoice(); choice != nil {
			out += choice.Delta.Content
		}
	}
	return out
}

func TestAllCapsStreamsPerChunk(t *testing.T) {
	p, err := Build(Config{Class: "allcaps"}, Dependencies{})
	require.NoError(t, err)

	released, err := runDispatcher(t, p, DispatcherConfig{},
		textChunk("hello "),
		textChunk("world"),
		finishOnly(protocol.FinishStop),
	)
	require.NoError(t, err)

	// One chunk out per chunk in; no block-level buffering.
	require.Len(t, released, 3)
	assert.Equal(t, "HELLO ", released[0].Choices[0].Delta.Content)
	assert.Equal(t, "WORLD", released[1].Choices[0].Delta.Content)
	assert.Equal(t, protocol.FinishStop, released[2].Choices[0].FinishReason)
}

func TestAllCapsDoesNotMutateOriginal(t *testing.T) {
	p := NewAllCaps()
	in := textChunk("keep me lower")
	_, err := runDispatcher(t, p, DispatcherConfig{}, in, finishOnly(protocol.FinishStop))
	require.NoError(t, err)
	assert.Equal(t, "keep me lower", in.Choices[0].Delta.Content)
}

func TestStringReplacementSpansChunkBoundary(t *testing.T) {
	p, err := Build(Config{
		Class:  "string_replacement",
		Config: map[string]any{"replacements": map[string]any{"Luthien": "[REDACTED]"}},
	}, Dependencies{})
	require.NoError(t, err)

	// The needle is split across two chunks; only whole-block buffering can
	// catch it.
	released, err := runDispatcher(t, p, DispatcherConfig{},
		textChunk("ask Lut"),
		textChunk("hien about it"),
		finishOnly(protocol.FinishStop),
	)
	require.NoError(t, err)
	assert.Equal(t, "ask [REDACTED] about it", releasedText(released))
}

func TestStringReplacementCaseInsensitive(t *testing.T) {
	h, err := newStringReplacementHandler(Config{Config: map[string]any{
		"replacements":   map[string]any{"secret": "xxx"},
		"case_sensitive": false,
	}})
	require.NoError(t, err)

	sc := NewStreamContext(newTestContext("call-1"), nil, nil)
	out, err := h.HandleContent(context.Background(), sc, "SECRET Secret secret")
	require.NoError(t, err)
	assert.Equal(t, "xxx xxx xxx", out)
}

func TestStringReplacementRequiresRules(t *testing.T) {
	_, err := Build(Config{Class: "string_replacement"}, Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replacements")
}

// stubJudge returns a fixed verdict.
type stubJudge struct {
	probability float64
	explanation string
	err         error
}

func (j *stubJudge) JudgeToolCall(ctx context.Context, req *protocol.ChatRequest, call protocol.ToolCall) (float64, string, error) {
	return j.probability, j.explanation, j.err
}

func TestToolCallJudgeBlocksAboveThreshold(t *testing.T) {
	p, err := Build(Config{Class: "tool_call_judge"}, Dependencies{
		Judge: &stubJudge{probability: 0.95, explanation: "deletes files"},
	})
	require.NoError(t, err)

	released, err := runDispatcher(t, p, DispatcherConfig{},
		toolCallChunk(0, "call_1", "rm_rf", `{"path":"/"}`),
		finishOnly(protocol.FinishToolCalls),
	)
	require.NoError(t, err)

	// The call is withheld; the client sees the block message and a finish
	// reason remapped from tool_calls to stop.
	var sawTool bool
	var finish string
	for _, c := range released {
		choice := c.FirstChoice()
		if choice == nil {
			continue
		}
		if len(choice.Delta.ToolCalls) > 0 {
			sawTool = true
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	assert.False(t, sawTool)
	assert.Contains(t, releasedText(released), "deletes files")
	assert.Equal(t, protocol.FinishStop, finish)
}

func TestToolCallJudgeAllowsBelowThreshold(t *testing.T) {
	p, err := Build(Config{Class: "tool_call_judge"}, Dependencies{
		Judge: &stubJudge{probability: 0.1},
	})
	require.NoError(t, err)

	released, err := runDispatcher(t, p, DispatcherConfig{},
		toolCallChunk(0, "call_1", "get_weather", `{"city":"SF"}`),
		finishOnly(protocol.FinishToolCalls),
	)
	require.NoError(t, err)

	var call *protocol.ToolCallDelta
	var finish string
	for _, c := range released {
		choice := c.FirstChoice()
		if choice == nil {
			continue
		}
		if len(choice.Delta.ToolCalls) > 0 {
			call = &choice.Delta.ToolCalls[0]
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, "get_weather", call.Function.Name)
	assert.Equal(t, `{"city":"SF"}`, call.Function.Arguments)
	assert.Equal(t, protocol.FinishToolCalls, finish)
}

func TestToolCallJudgeFailClosed(t *testing.T) {
	p, err := Build(Config{Class: "tool_call_judge"}, Dependencies{
		Judge: &stubJudge{err: errors.New("judge upstream down")},
	})
	require.NoError(t, err)

	released, err := runDispatcher(t, p, DispatcherConfig{},
		toolCallChunk(0, "call_1", "anything", `{}`),
		finishOnly(protocol.FinishToolCalls),
	)
	require.NoError(t, err)
	for _, c := range released {
		if choice := c.FirstChoice(); choice != nil {
			assert.Empty(t, choice.Delta.ToolCalls)
		}
	}
	assert.Contains(t, releasedText(released), "judge unavailable")
}

func TestToolCallJudgeFailOpen(t *testing.T) {
	p, err := Build(Config{
		Class:  "tool_call_judge",
		Config: map[string]any{"fail_open": true},
	}, Dependencies{
		Judge: &stubJudge{err: errors.New("judge upstream down")},
	})
	require.NoError(t, err)

	released, err := runDispatcher(t, p, DispatcherConfig{},
		toolCallChunk(0, "call_1", "get_weather", `{}`),
		finishOnly(protocol.FinishToolCalls),
	)
	require.NoError(t, err)

	var sawTool bool
	for _, c := range released {
		if choice := c.FirstChoice(); choice != nil && len(choice.Delta.ToolCalls) > 0 {
			sawTool = true
		}
	}
	assert.True(t, sawTool)
}

func TestToolCallJudgeRequiresJudge(t *testing.T) {
	_, err := Build(Config{Class: "tool_call_judge"}, Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "judge")
}

func TestToolCallFilterBlocksMatchingCalls(t *testing.T) {
	p, err := Build(Config{
		Class: "tool_call_filter",
		Config: map[string]any{
			"block":         `Name == "shell" && Arguments contains "rm -rf"`,
			"block_message": "Destructive command withheld.",
		},
	}, Dependencies{})
	require.NoError(t, err)

	released, err := runDispatcher(t, p, DispatcherConfig{},
		toolCallChunk(0, "call_1", "shell", `{"cmd":"rm -rf /"}`),
		finishOnly(protocol.FinishToolCalls),
	)
	require.NoError(t, err)
	assert.Contains(t, releasedText(released), "Destructive command withheld.")
	for _, c := range released {
		if choice := c.FirstChoice(); choice != nil {
			assert.Empty(t, choice.Delta.ToolCalls)
		}
	}
}

func TestToolCallFilterPassesNonMatching(t *testing.T) {
	p, err := Build(Config{
		Class:  "tool_call_filter",
		Config: map[string]any{"block": `Name == "shell"`},
	}, Dependencies{})
	require.NoError(t, err)

	released, err := runDispatcher(t, p, DispatcherConfig{},
		toolCallChunk(0, "call_1", "read_file", `{"path":"a.txt"}`),
		finishOnly(protocol.FinishToolCalls),
	)
	require.NoError(t, err)

	var sawTool bool
	for _, c := range released {
		if choice := c.FirstChoice(); choice != nil && len(choice.Delta.ToolCalls) > 0 {
			sawTool = true
		}
	}
	assert.True(t, sawTool)
}

func TestToolCallFilterRejectsBadExpression(t *testing.T) {
	_, err := Build(Config{
		Class:  "tool_call_filter",
		Config: map[string]any{"block": `Nonexistent ==`},
	}, Dependencies{})
	require.Error(t, err)
}

func TestChainComposesHandlers(t *testing.T) {
	p, err := Build(Config{
		Class: "chain",
		Config: map[string]any{"policies": []any{
			map[string]any{
				"class":  "string_replacement",
				"config": map[string]any{"replacements": map[string]any{"foo": "bar"}},
			},
			map[string]any{"class": "allcaps"},
		}},
	}, Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "chain(string_replacement,allcaps)", p.Name())

	released, err := runDispatcher(t, p, DispatcherConfig{},
		textChunk("foo fighters"),
		finishOnly(protocol.FinishStop),
	)
	require.NoError(t, err)
	assert.Equal(t, "BAR FIGHTERS", releasedText(released))
}

func TestChainFirstDropWins(t *testing.T) {
	h, err := newChainHandler(Config{
		Config: map[string]any{"policies": []any{
			map[string]any{"class": "tool_call_filter", "config": map[string]any{"block": "true"}},
		}},
	}, Dependencies{})
	require.NoError(t, err)

	sc := NewStreamContext(newTestContext("call-1"), streaming.NewStreamState("call-1"), nil)
	out, err := h.HandleToolCall(context.Background(), sc, protocol.ToolCall{
		ID:       "call_1",
		Function: protocol.FunctionCall{Name: "anything", Arguments: "{}"},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestBuildUnknownClass(t *testing.T) {
	_, err := Build(Config{Class: "does_not_exist"}, Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown policy class")
}

func TestScopeMatching(t *testing.T) {
	streamingOnly := true
	s := Scope{Models: []string{"gpt-4*", "claude-*"}, Streaming: &streamingOnly}
	require.NoError(t, s.Compile())

	assert.True(t, s.Matches("gpt-4o", true))
	assert.True(t, s.Matches("claude-sonnet", true))
	assert.False(t, s.Matches("gpt-4o", false))
	assert.False(t, s.Matches("llama-3", true))

	var empty Scope
	require.NoError(t, empty.Compile())
	assert.True(t, empty.Matches("anything", false))
}

func TestDecodeParams(t *testing.T) {
	var out struct {
		Threshold float64 `json:"threshold"`
	}
	require.NoError(t, DecodeParams(map[string]any{"threshold": 0.5}, &out))
	assert.Equal(t, 0.5, out.Threshold)

	require.NoError(t, DecodeParams(nil, &out))
}
