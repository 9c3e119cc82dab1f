package policy

import (
	"context"

	"github.com/luthien-dev/luthien/internal/protocol"
	"github.com/luthien-dev/luthien/internal/streaming"
)

// BlockHandler is the reduced surface SimplePolicy adapts to the full
// streaming hook set: whole blocks in, whole blocks out. Handlers never see
// individual deltas.
type BlockHandler interface {
	// Name identifies the policy.
	Name() string

	// HandleRequest mirrors Policy.OnRequest.
	HandleRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error)

	// HandleContent receives a completed content block's text and returns
	// the text to release. Empty output releases nothing.
	HandleContent(ctx context.Context, sc *StreamContext, text string) (string, error)

	// HandleToolCall receives a completed tool call and returns the call to
	// release, or nil to drop it.
	HandleToolCall(ctx context.Context, sc *StreamContext, call protocol.ToolCall) (*protocol.ToolCall, error)

	// HandleFinish maps the upstream finish reason to the one the client
	// sees. Returning "" keeps the upstream reason.
	HandleFinish(ctx context.Context, sc *StreamContext, finish string) (string, error)
}

// SimplePolicy adapts a BlockHandler to StreamingPolicy by buffering deltas
// until their block completes and releasing each transformed block as a
// single chunk. The trade-off is latency: clients see nothing from a block
// until the block is done.
type SimplePolicy struct {
	handler BlockHandler

	finishReason string
	sawFinish    bool
}

// NewSimplePolicy wraps a BlockHandler.
func NewSimplePolicy(handler BlockHandler) *SimplePolicy {
	return &SimplePolicy{handler: handler}
}

// Name returns the wrapped handler's name.
func (p *SimplePolicy) Name() string { return p.handler.Name() }

// OnRequest delegates to the handler.
func (p *SimplePolicy) OnRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	return p.handler.HandleRequest(ctx, pctx, req)
}

// OnResponse applies the block-level handlers to a non-streaming response,
// so one handler serves both modes.
func (p *SimplePolicy) OnResponse(ctx context.Context, pctx *Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return resp, nil
	}
	sc := NewStreamContext(pctx, streaming.NewStreamState(pctx.CallID()), nil)
	choice := &resp.Choices[0]

	if text := choice.Message.Text(); text != "" {
		out, err := p.handler.HandleContent(ctx, sc, text)
		if err != nil {
			return nil, err
		}
		if out == "" {
			choice.Message.Content = nil
		} else {
			choice.Message.Content = out
		}
	}

	var kept []protocol.ToolCall
	for _, call := range choice.Message.ToolCalls {
		out, err := p.handler.HandleToolCall(ctx, sc, call)
		if err != nil {
			return nil, err
		}
		if out != nil {
			kept = append(kept, *out)
		}
	}
	dropped := len(kept) < len(choice.Message.ToolCalls)
	choice.Message.ToolCalls = kept

	finish := choice.FinishReason
	if dropped && len(kept) == 0 && finish == protocol.FinishToolCalls {
		finish = protocol.FinishStop
	}
	if mapped, err := p.handler.HandleFinish(ctx, sc, finish); err != nil {
		return nil, err
	} else if mapped != "" {
		finish = mapped
	}
	choice.FinishReason = finish
	return resp, nil
}

// OnChunkReceived buffers; nothing is released until a block completes.
func (p *SimplePolicy) OnChunkReceived(ctx context.Context, sc *StreamContext) error { return nil }

// OnContentDelta is a no-op; content accumulates in the stream state.
func (p *SimplePolicy) OnContentDelta(ctx context.Context, sc *StreamContext) error { return nil }

// OnToolCallDelta is a no-op; fragments accumulate in the stream state.
func (p *SimplePolicy) OnToolCallDelta(ctx context.Context, sc *StreamContext) error { return nil }

// OnContentComplete releases the completed block's text, transformed, as a
// single chunk.
func (p *SimplePolicy) OnContentComplete(ctx context.Context, sc *StreamContext) error {
	block := sc.State.JustCompleted()
	if block == nil {
		return nil
	}
	var (
		out string
		err error
	)
	switch block.Kind {
	case streaming.BlockContent:
		out, err = p.handler.HandleContent(ctx, sc, block.Text)
	case streaming.BlockThinking:
		// Thinking blocks pass through untransformed; handlers see only
		// client-visible content.
		p.sendThinking(sc, block)
		return nil
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if out != "" {
		sc.Send(p.textChunk(sc, out))
	}
	return nil
}

// OnToolCallComplete releases (or drops) the completed tool call whole.
func (p *SimplePolicy) OnToolCallComplete(ctx context.Context, sc *StreamContext) error {
	block := sc.State.JustCompleted()
	if block == nil || block.Kind != streaming.BlockToolCall {
		return nil
	}
	call := protocol.ToolCall{
		ID:       block.ID,
		Type:     "function",
		Function: protocol.FunctionCall{Name: block.Name, Arguments: block.Arguments},
	}
	out, err := p.handler.HandleToolCall(ctx, sc, call)
	if err != nil {
		return err
	}
	if out == nil {
		p.noteDroppedToolCall(sc)
		return nil
	}
	sc.Send(p.toolChunk(sc, block.Index, *out))
	return nil
}

// OnFinishReason remembers the reason; the finish chunk is emitted from
// OnStreamComplete so it always trails the released blocks.
func (p *SimplePolicy) OnFinishReason(ctx context.Context, sc *StreamContext) error {
	if choice := sc.Chunk.FirstChoice(); choice != nil {
		p.finishReason = choice.FinishReason
		p.sawFinish = true
	}
	return nil
}

// OnStreamComplete emits the final finish chunk.
func (p *SimplePolicy) OnStreamComplete(ctx context.Context, sc *StreamContext) error {
	if !p.sawFinish {
		return nil
	}
	finish := p.finishReason
	if dropped, _ := sc.ScratchGet(scratchDroppedTools); dropped != nil && finish == protocol.FinishToolCalls {
		// Every tool call was withheld; tell the client the turn simply
		// ended unless some call survived.
		if released, _ := sc.ScratchGet(scratchReleasedTools); released == nil {
			finish = protocol.FinishStop
		}
	}
	if mapped, err := p.handler.HandleFinish(ctx, sc, finish); err != nil {
		return err
	} else if mapped != "" {
		finish = mapped
	}
	sc.Send(p.finishChunk(sc, finish))
	return nil
}

// OnStreamingComplete resets per-stream state.
func (p *SimplePolicy) OnStreamingComplete(ctx context.Context, sc *StreamContext) error {
	p.finishReason = ""
	p.sawFinish = false
	return nil
}

const (
	scratchDroppedTools  = "simple_policy.dropped_tool_calls"
	scratchReleasedTools = "simple_policy.released_tool_calls"
)

func (p *SimplePolicy) noteDroppedToolCall(sc *StreamContext) {
	n, _ := sc.ScratchGet(scratchDroppedTools)
	count, _ := n.(int)
	sc.ScratchSet(scratchDroppedTools, count+1)
}

// envelope copies the stream identity onto a policy-constructed chunk.
func (p *SimplePolicy) envelope(sc *StreamContext, delta protocol.Delta, finish string) *protocol.ChatChunk {
	var id, model string
	var created int64
	if chunks := sc.State.Chunks(); len(chunks) > 0 {
		last := chunks[len(chunks)-1]
		id, model, created = last.ID, last.Model, last.Created
	}
	return &protocol.ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []protocol.ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

func (p *SimplePolicy) textChunk(sc *StreamContext, text string) *protocol.ChatChunk {
	return p.envelope(sc, protocol.Delta{Content: text}, "")
}

func (p *SimplePolicy) toolChunk(sc *StreamContext, index int, call protocol.ToolCall) *protocol.ChatChunk {
	sc.ScratchSet(scratchReleasedTools, true)
	return p.envelope(sc, protocol.Delta{ToolCalls: []protocol.ToolCallDelta{{
		Index:    index,
		ID:       call.ID,
		Type:     "function",
		Function: call.Function,
	}}}, "")
}

func (p *SimplePolicy) sendThinking(sc *StreamContext, block *streaming.Block) {
	if block.Redacted != "" {
		sc.Send(p.envelope(sc, protocol.Delta{RedactedThinking: block.Redacted}, ""))
		return
	}
	delta := protocol.Delta{ReasoningContent: block.Text}
	sc.Send(p.envelope(sc, delta, ""))
	if block.Signature != "" {
		sc.Send(p.envelope(sc, protocol.Delta{ThinkingSignature: block.Signature}, ""))
	}
}

func (p *SimplePolicy) finishChunk(sc *StreamContext, finish string) *protocol.ChatChunk {
	return p.envelope(sc, protocol.Delta{}, finish)
}

// BlockHandlerFuncs is a convenience BlockHandler with optional function
// fields; nil fields pass through.
type BlockHandlerFuncs struct {
	PolicyName string
	RequestFn  func(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error)
	ContentFn  func(ctx context.Context, sc *StreamContext, text string) (string, error)
	ToolCallFn func(ctx context.Context, sc *StreamContext, call protocol.ToolCall) (*protocol.ToolCall, error)
	FinishFn   func(ctx context.Context, sc *StreamContext, finish string) (string, error)
}

// Name implements BlockHandler.
func (h *BlockHandlerFuncs) Name() string { return h.PolicyName }

// HandleRequest implements BlockHandler.
func (h *BlockHandlerFuncs) HandleRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	if h.RequestFn == nil {
		return req, nil
	}
	return h.RequestFn(ctx, pctx, req)
}

// HandleContent implements BlockHandler.
func (h *BlockHandlerFuncs) HandleContent(ctx context.Context, sc *StreamContext, text string) (string, error) {
	if h.ContentFn == nil {
		return text, nil
	}
	return h.ContentFn(ctx, sc, text)
}

// HandleToolCall implements BlockHandler.
func (h *BlockHandlerFuncs) HandleToolCall(ctx context.Context, sc *StreamContext, call protocol.ToolCall) (*protocol.ToolCall, error) {
	if h.ToolCallFn == nil {
		return &call, nil
	}
	return h.ToolCallFn(ctx, sc, call)
}

// HandleFinish implements BlockHandler.
func (h *BlockHandlerFuncs) HandleFinish(ctx context.Context, sc *StreamContext, finish string) (string, error) {
	if h.FinishFn == nil {
		return finish, nil
	}
	return h.FinishFn(ctx, sc, finish)
}
