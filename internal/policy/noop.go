package policy

import (
	"context"

	"github.com/luthien-dev/luthien/internal/protocol"
)

func init() {
	Register("noop", func(cfg Config, deps Dependencies) (StreamingPolicy, error) {
		return NewNoOp(), nil
	})
	RegisterHandler("noop", func(cfg Config, deps Dependencies) (BlockHandler, error) {
		return &BlockHandlerFuncs{PolicyName: "noop"}, nil
	})
}

// NoOp releases every chunk exactly as it arrived. The reference
// passthrough: with this policy installed, clients see the backend's stream
// bit for bit (modulo dialect translation).
type NoOp struct{}

// NewNoOp builds the passthrough policy.
func NewNoOp() *NoOp { return &NoOp{} }

// Name implements Policy.
func (p *NoOp) Name() string { return "noop" }

// OnRequest passes the request through.
func (p *NoOp) OnRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	return req, nil
}

// OnResponse passes the response through.
func (p *NoOp) OnResponse(ctx context.Context, pctx *Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error) {
	return resp, nil
}

// OnChunkReceived releases the chunk unchanged.
func (p *NoOp) OnChunkReceived(ctx context.Context, sc *StreamContext) error {
	sc.SendOriginal()
	return nil
}

// OnContentDelta implements StreamingPolicy.
func (p *NoOp) OnContentDelta(ctx context.Context, sc *StreamContext) error { return nil }

// OnToolCallDelta implements StreamingPolicy.
func (p *NoOp) OnToolCallDelta(ctx context.Context, sc *StreamContext) error { return nil }

// OnContentComplete implements StreamingPolicy.
func (p *NoOp) OnContentComplete(ctx context.Context, sc *StreamContext) error { return nil }

// OnToolCallComplete implements StreamingPolicy.
func (p *NoOp) OnToolCallComplete(ctx context.Context, sc *StreamContext) error { return nil }

// OnFinishReason implements StreamingPolicy.
func (p *NoOp) OnFinishReason(ctx context.Context, sc *StreamContext) error { return nil }

// OnStreamComplete implements StreamingPolicy.
func (p *NoOp) OnStreamComplete(ctx context.Context, sc *StreamContext) error { return nil }

// OnStreamingComplete implements StreamingPolicy.
func (p *NoOp) OnStreamingComplete(ctx context.Context, sc *StreamContext) error { return nil }
