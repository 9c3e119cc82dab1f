package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/luthien-dev/luthien/internal/protocol"
)

func init() {
	Register("tool_call_judge", func(cfg Config, deps Dependencies) (StreamingPolicy, error) {
		h, err := newToolCallJudgeHandler(cfg, deps)
		if err != nil {
			return nil, err
		}
		return NewSimplePolicy(h), nil
	})
	RegisterHandler("tool_call_judge", func(cfg Config, deps Dependencies) (BlockHandler, error) {
		return newToolCallJudgeHandler(cfg, deps)
	})
}

// toolCallJudgeConfig parameterizes the judge policy.
type toolCallJudgeConfig struct {
	// Threshold is the block probability at or above which the call is
	// withheld. Defaults to 0.8.
	Threshold float64 `json:"threshold,omitempty"`
	// BlockMessage is the assistant text the client sees in place of a
	// blocked call. The judge's explanation is appended.
	BlockMessage string `json:"block_message,omitempty"`
	// FailOpen releases the call when the judge itself errors. Defaults to
	// false: a broken judge blocks.
	FailOpen bool `json:"fail_open,omitempty"`
}

// toolCallJudgeHandler submits every completed tool call to a judge LLM and
// withholds calls the judge scores at or above the threshold. Judging can
// take seconds, so the handler keepalives while it waits.
type toolCallJudgeHandler struct {
	judge        Judge
	threshold    float64
	blockMessage string
	failOpen     bool
}

func newToolCallJudgeHandler(cfg Config, deps Dependencies) (*toolCallJudgeHandler, error) {
	var params toolCallJudgeConfig
	if err := DecodeParams(cfg.Config, &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if deps.Judge == nil {
		return nil, fmt.Errorf("judge dependency is not configured")
	}
	if params.Threshold <= 0 {
		params.Threshold = 0.8
	}
	if params.BlockMessage == "" {
		params.BlockMessage = "A tool call was blocked by policy."
	}
	return &toolCallJudgeHandler{
		judge:        deps.Judge,
		threshold:    params.Threshold,
		blockMessage: params.BlockMessage,
		failOpen:     params.FailOpen,
	}, nil
}

// Name implements BlockHandler.
func (h *toolCallJudgeHandler) Name() string { return "tool_call_judge" }

// HandleRequest implements BlockHandler; requests pass through.
func (h *toolCallJudgeHandler) HandleRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	return req, nil
}

// HandleContent passes text through.
func (h *toolCallJudgeHandler) HandleContent(ctx context.Context, sc *StreamContext, text string) (string, error) {
	return text, nil
}

// HandleToolCall asks the judge and drops the call when the block
// probability reaches the threshold, substituting an explanatory text chunk.
func (h *toolCallJudgeHandler) HandleToolCall(ctx context.Context, sc *StreamContext, call protocol.ToolCall) (*protocol.ToolCall, error) {
	probability, explanation, err := h.judgeWithKeepalive(ctx, sc, call)
	if err != nil {
		sc.RecordEvent("tool_call_judge.error", map[string]any{
			"tool_call_id": call.ID,
			"tool_name":    call.Function.Name,
			"error":        err.Error(),
		})
		if h.failOpen {
			return &call, nil
		}
		sc.Send(h.blockChunk(sc, "judge unavailable"))
		return nil, nil
	}

	if probability >= h.threshold {
		sc.RecordEvent("tool_call_judge.blocked", map[string]any{
			"tool_call_id": call.ID,
			"tool_name":    call.Function.Name,
			"probability":  probability,
			"threshold":    h.threshold,
			"explanation":  explanation,
		})
		sc.Send(h.blockChunk(sc, explanation))
		return nil, nil
	}

	sc.RecordEvent("tool_call_judge.allowed", map[string]any{
		"tool_call_id": call.ID,
		"tool_name":    call.Function.Name,
		"probability":  probability,
	})
	return &call, nil
}

// HandleFinish implements BlockHandler. SimplePolicy already remaps
// tool_calls to stop when every call was dropped.
func (h *toolCallJudgeHandler) HandleFinish(ctx context.Context, sc *StreamContext, finish string) (string, error) {
	return finish, nil
}

// judgeWithKeepalive runs the judge call while pumping keepalives so the
// timeout monitor does not count judging latency as a stall.
func (h *toolCallJudgeHandler) judgeWithKeepalive(ctx context.Context, sc *StreamContext, call protocol.ToolCall) (float64, string, error) {
	type verdict struct {
		probability float64
		explanation string
		err         error
	}
	done := make(chan verdict, 1)
	go func() {
		p, exp, err := h.judge.JudgeToolCall(ctx, sc.Request(), call)
		done <- verdict{p, exp, err}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case v := <-done:
			return v.probability, v.explanation, v.err
		case <-ticker.C:
			sc.Keepalive()
		case <-ctx.Done():
			return 0, "", ctx.Err()
		}
	}
}

func (h *toolCallJudgeHandler) blockChunk(sc *StreamContext, explanation string) *protocol.ChatChunk {
	text := h.blockMessage
	if explanation != "" {
		text += " " + explanation
	}
	var id, model string
	if chunks := sc.State.Chunks(); len(chunks) > 0 {
		last := chunks[len(chunks)-1]
		id, model = last.ID, last.Model
	}
	return &protocol.ChatChunk{
		ID:     id,
		Object: "chat.completion.chunk",
		Model:  model,
		Choices: []protocol.ChunkChoice{{
			Delta: protocol.Delta{Content: text},
		}},
	}
}
