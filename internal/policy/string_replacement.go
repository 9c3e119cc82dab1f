package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/luthien-dev/luthien/internal/protocol"
)

func init() {
	Register("string_replacement", func(cfg Config, deps Dependencies) (StreamingPolicy, error) {
		h, err := newStringReplacementHandler(cfg)
		if err != nil {
			return nil, err
		}
		return NewSimplePolicy(h), nil
	})
	RegisterHandler("string_replacement", func(cfg Config, deps Dependencies) (BlockHandler, error) {
		return newStringReplacementHandler(cfg)
	})
}

// stringReplacementConfig parameterizes the replacement policy.
type stringReplacementConfig struct {
	// Replacements maps needle to replacement, applied in an unspecified
	// order within one pass.
	Replacements map[string]string `json:"replacements"`
	// CaseSensitive defaults to true.
	CaseSensitive *bool `json:"case_sensitive,omitempty"`
}

// stringReplacementHandler rewrites completed content blocks. Buffering at
// the block level is what makes replacement correct when a needle spans
// chunk boundaries.
type stringReplacementHandler struct {
	replacements  map[string]string
	caseSensitive bool
}

func newStringReplacementHandler(cfg Config) (*stringReplacementHandler, error) {
	var params stringReplacementConfig
	if err := DecodeParams(cfg.Config, &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if len(params.Replacements) == 0 {
		return nil, fmt.Errorf("replacements must not be empty")
	}
	caseSensitive := true
	if params.CaseSensitive != nil {
		caseSensitive = *params.CaseSensitive
	}
	return &stringReplacementHandler{
		replacements:  params.Replacements,
		caseSensitive: caseSensitive,
	}, nil
}

// Name implements BlockHandler.
func (h *stringReplacementHandler) Name() string { return "string_replacement" }

// HandleRequest implements BlockHandler; requests pass through.
func (h *stringReplacementHandler) HandleRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	return req, nil
}

// HandleContent applies the replacement table to the whole block.
func (h *stringReplacementHandler) HandleContent(ctx context.Context, sc *StreamContext, text string) (string, error) {
	out := text
	replaced := 0
	for needle, replacement := range h.replacements {
		before := out
		if h.caseSensitive {
			out = strings.ReplaceAll(out, needle, replacement)
		} else {
			out = replaceAllFold(out, needle, replacement)
		}
		if out != before {
			replaced++
		}
	}
	if replaced > 0 {
		sc.RecordEvent("string_replacement.applied", map[string]any{
			"rules_matched": replaced,
		})
	}
	return out, nil
}

// HandleToolCall passes tool calls through.
func (h *stringReplacementHandler) HandleToolCall(ctx context.Context, sc *StreamContext, call protocol.ToolCall) (*protocol.ToolCall, error) {
	return &call, nil
}

// HandleFinish keeps the upstream finish reason.
func (h *stringReplacementHandler) HandleFinish(ctx context.Context, sc *StreamContext, finish string) (string, error) {
	return finish, nil
}

// replaceAllFold is case-insensitive ReplaceAll preserving everything
// outside the matches.
func replaceAllFold(s, needle, replacement string) string {
	if needle == "" {
		return s
	}
	var b strings.Builder
	lower := strings.ToLower(s)
	lowerNeedle := strings.ToLower(needle)
	for {
		i := strings.Index(lower, lowerNeedle)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(replacement)
		s = s[i+len(needle):]
		lower = lower[i+len(lowerNeedle):]
	}
}
