package policy

import (
	"context"
	"strings"

	"github.com/luthien-dev/luthien/internal/protocol"
)

func init() {
	Register("allcaps", func(cfg Config, deps Dependencies) (StreamingPolicy, error) {
		return NewAllCaps(), nil
	})
	RegisterHandler("allcaps", func(cfg Config, deps Dependencies) (BlockHandler, error) {
		return &BlockHandlerFuncs{
			PolicyName: "allcaps",
			ContentFn: func(ctx context.Context, sc *StreamContext, text string) (string, error) {
				return strings.ToUpper(text), nil
			},
		}, nil
	})
}

// AllCaps uppercases content and thinking text delta by delta, releasing
// each transformed chunk immediately. The canonical demonstration that a
// transforming policy can still stream with no added buffering.
type AllCaps struct{}

// NewAllCaps builds the uppercasing policy.
func NewAllCaps() *AllCaps { return &AllCaps{} }

// Name implements Policy.
func (p *AllCaps) Name() string { return "allcaps" }

// OnRequest passes the request through.
func (p *AllCaps) OnRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	return req, nil
}

// OnResponse uppercases the response content.
func (p *AllCaps) OnResponse(ctx context.Context, pctx *Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error) {
	if resp == nil {
		return nil, nil
	}
	for i := range resp.Choices {
		msg := &resp.Choices[i].Message
		if text := msg.Text(); text != "" {
			msg.Content = strings.ToUpper(text)
		}
	}
	return resp, nil
}

// OnChunkReceived releases an uppercased copy of the chunk.
func (p *AllCaps) OnChunkReceived(ctx context.Context, sc *StreamContext) error {
	chunk := sc.Chunk.Clone()
	for i := range chunk.Choices {
		delta := &chunk.Choices[i].Delta
		delta.Content = strings.ToUpper(delta.Content)
		delta.ReasoningContent = strings.ToUpper(delta.ReasoningContent)
	}
	sc.Send(chunk)
	return nil
}

// OnContentDelta implements StreamingPolicy.
func (p *AllCaps) OnContentDelta(ctx context.Context, sc *StreamContext) error { return nil }

// OnToolCallDelta implements StreamingPolicy.
func (p *AllCaps) OnToolCallDelta(ctx context.Context, sc *StreamContext) error { return nil }

// OnContentComplete implements StreamingPolicy.
func (p *AllCaps) OnContentComplete(ctx context.Context, sc *StreamContext) error { return nil }

// OnToolCallComplete implements StreamingPolicy.
func (p *AllCaps) OnToolCallComplete(ctx context.Context, sc *StreamContext) error { return nil }

// OnFinishReason implements StreamingPolicy.
func (p *AllCaps) OnFinishReason(ctx context.Context, sc *StreamContext) error { return nil }

// OnStreamComplete implements StreamingPolicy.
func (p *AllCaps) OnStreamComplete(ctx context.Context, sc *StreamContext) error { return nil }

// OnStreamingComplete implements StreamingPolicy.
func (p *AllCaps) OnStreamingComplete(ctx context.Context, sc *StreamContext) error { return nil }
