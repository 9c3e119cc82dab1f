package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/luthien-dev/luthien/internal/protocol"
)

func init() {
	Register("dogfood_safety", func(cfg Config, deps Dependencies) (StreamingPolicy, error) {
		h, err := newDogfoodSafetyHandler(cfg)
		if err != nil {
			return nil, err
		}
		return NewSimplePolicy(h), nil
	})
	RegisterHandler("dogfood_safety", func(cfg Config, deps Dependencies) (BlockHandler, error) {
		return newDogfoodSafetyHandler(cfg)
	})
}

// defaultProtectedPatterns covers the control plane's own resources: its
// database, its redis keyspace, its config surface, and its admin API. An
// agent running through the proxy must not be able to steer the proxy.
var defaultProtectedPatterns = []string{
	"*luthien*.db*",
	"*luthien.sqlite*",
	"*luthien:*",
	"*LUTHIEN_*",
	"*/api/policy*",
	"*luthien.y?ml*",
	"*.env*",
}

// dogfoodSafetyConfig parameterizes the self-protection policy.
type dogfoodSafetyConfig struct {
	// Patterns replaces the default protected-resource globs when set.
	Patterns []string `json:"patterns,omitempty"`
	// ExtraPatterns extends the defaults without replacing them.
	ExtraPatterns []string `json:"extra_patterns,omitempty"`
	// BlockMessage replaces a withheld call in the client-visible output.
	BlockMessage string `json:"block_message,omitempty"`
}

// dogfoodSafetyHandler withholds tool calls whose arguments reference the
// control plane's own resources. The patterns are globs matched
// case-insensitively against the raw argument text and the tool name.
type dogfoodSafetyHandler struct {
	patterns     []compiledPattern
	blockMessage string
}

type compiledPattern struct {
	source string
	glob   glob.Glob
}

func newDogfoodSafetyHandler(cfg Config) (*dogfoodSafetyHandler, error) {
	var params dogfoodSafetyConfig
	if err := DecodeParams(cfg.Config, &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	sources := params.Patterns
	if len(sources) == 0 {
		sources = defaultProtectedPatterns
	}
	sources = append(sources, params.ExtraPatterns...)

	patterns := make([]compiledPattern, 0, len(sources))
	for _, src := range sources {
		g, err := glob.Compile(strings.ToLower(src))
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", src, err)
		}
		patterns = append(patterns, compiledPattern{source: src, glob: g})
	}
	if params.BlockMessage == "" {
		params.BlockMessage = "A tool call was blocked: it referenced a protected control-plane resource."
	}
	return &dogfoodSafetyHandler{patterns: patterns, blockMessage: params.BlockMessage}, nil
}

// Name implements BlockHandler.
func (h *dogfoodSafetyHandler) Name() string { return "dogfood_safety" }

// HandleRequest implements BlockHandler; requests pass through.
func (h *dogfoodSafetyHandler) HandleRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	return req, nil
}

// HandleContent passes text through.
func (h *dogfoodSafetyHandler) HandleContent(ctx context.Context, sc *StreamContext, text string) (string, error) {
	return text, nil
}

// HandleToolCall withholds calls matching a protected pattern.
func (h *dogfoodSafetyHandler) HandleToolCall(ctx context.Context, sc *StreamContext, call protocol.ToolCall) (*protocol.ToolCall, error) {
	if matched := h.match(call); matched != "" {
		sc.RecordEvent("dogfood_safety.blocked", map[string]any{
			"tool_call_id": call.ID,
			"tool_name":    call.Function.Name,
			"pattern":      matched,
		})
		sc.Send(simpleTextChunk(sc, h.blockMessage))
		return nil, nil
	}
	return &call, nil
}

// HandleFinish keeps the upstream finish reason.
func (h *dogfoodSafetyHandler) HandleFinish(ctx context.Context, sc *StreamContext, finish string) (string, error) {
	return finish, nil
}

// match returns the source of the first pattern the call trips, or "".
func (h *dogfoodSafetyHandler) match(call protocol.ToolCall) string {
	haystacks := []string{
		strings.ToLower(call.Function.Name),
		strings.ToLower(call.Function.Arguments),
	}
	for _, p := range h.patterns {
		for _, hay := range haystacks {
			if p.glob.Match(hay) {
				return p.source
			}
		}
	}
	return ""
}
