package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/luthien-dev/luthien/internal/protocol"
)

func init() {
	Register("chain", func(cfg Config, deps Dependencies) (StreamingPolicy, error) {
		h, err := newChainHandler(cfg, deps)
		if err != nil {
			return nil, err
		}
		return NewSimplePolicy(h), nil
	})
	RegisterHandler("chain", func(cfg Config, deps Dependencies) (BlockHandler, error) {
		return newChainHandler(cfg, deps)
	})
}

// chainConfig parameterizes composition: an ordered list of sub-policy
// configs, each resolved through the handler registry.
type chainConfig struct {
	Policies []Config `json:"policies"`
}

// chainHandler threads each block through its sub-handlers in order. A
// sub-handler dropping a tool call (or emptying a content block) short
// circuits the rest of the chain for that block.
type chainHandler struct {
	name     string
	handlers []BlockHandler
}

func newChainHandler(cfg Config, deps Dependencies) (*chainHandler, error) {
	var params chainConfig
	if err := DecodeParams(cfg.Config, &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if len(params.Policies) == 0 {
		return nil, fmt.Errorf("chain requires at least one policy")
	}
	handlers := make([]BlockHandler, 0, len(params.Policies))
	names := make([]string, 0, len(params.Policies))
	for i, sub := range params.Policies {
		h, err := BuildHandler(sub, deps)
		if err != nil {
			return nil, fmt.Errorf("chain policy %d (%s): %w", i, sub.Class, err)
		}
		handlers = append(handlers, h)
		names = append(names, h.Name())
	}
	return &chainHandler{
		name:     "chain(" + strings.Join(names, ",") + ")",
		handlers: handlers,
	}, nil
}

// Name implements BlockHandler.
func (h *chainHandler) Name() string { return h.name }

// HandleRequest applies each sub-handler's request hook in order.
func (h *chainHandler) HandleRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	out := req
	for _, sub := range h.handlers {
		next, err := sub.HandleRequest(ctx, pctx, out)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sub.Name(), err)
		}
		out = next
	}
	return out, nil
}

// HandleContent pipes the block text through the chain. An empty result
// stops early; there is nothing left to transform.
func (h *chainHandler) HandleContent(ctx context.Context, sc *StreamContext, text string) (string, error) {
	out := text
	for _, sub := range h.handlers {
		next, err := sub.HandleContent(ctx, sc, out)
		if err != nil {
			return "", fmt.Errorf("%s: %w", sub.Name(), err)
		}
		if next == "" {
			return "", nil
		}
		out = next
	}
	return out, nil
}

// HandleToolCall pipes the call through the chain; the first drop wins.
func (h *chainHandler) HandleToolCall(ctx context.Context, sc *StreamContext, call protocol.ToolCall) (*protocol.ToolCall, error) {
	out := &call
	for _, sub := range h.handlers {
		next, err := sub.HandleToolCall(ctx, sc, *out)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sub.Name(), err)
		}
		if next == nil {
			return nil, nil
		}
		out = next
	}
	return out, nil
}

// HandleFinish lets each sub-handler remap the finish reason in order.
func (h *chainHandler) HandleFinish(ctx context.Context, sc *StreamContext, finish string) (string, error) {
	out := finish
	for _, sub := range h.handlers {
		next, err := sub.HandleFinish(ctx, sc, out)
		if err != nil {
			return "", fmt.Errorf("%s: %w", sub.Name(), err)
		}
		if next != "" {
			out = next
		}
	}
	return out, nil
}
