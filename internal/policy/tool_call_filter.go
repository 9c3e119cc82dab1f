package policy

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tidwall/gjson"

	"github.com/luthien-dev/luthien/internal/protocol"
)

func init() {
	Register("tool_call_filter", func(cfg Config, deps Dependencies) (StreamingPolicy, error) {
		h, err := newToolCallFilterHandler(cfg)
		if err != nil {
			return nil, err
		}
		return NewSimplePolicy(h), nil
	})
	RegisterHandler("tool_call_filter", func(cfg Config, deps Dependencies) (BlockHandler, error) {
		return newToolCallFilterHandler(cfg)
	})
}

// FilterEnv is the expression environment a filter predicate evaluates
// against: one tool call plus request context.
type FilterEnv struct {
	Name      string         `expr:"Name"`
	Arguments string         `expr:"Arguments"`
	Args      map[string]any `expr:"Args"`
	Model     string         `expr:"Model"`
}

// toolCallFilterConfig parameterizes the filter policy.
type toolCallFilterConfig struct {
	// Block is the predicate; a tool call is withheld when it evaluates
	// true. Example: `Name == "shell" && Arguments contains "rm -rf"`.
	Block string `json:"block"`
	// BlockMessage replaces a withheld call in the client-visible output.
	BlockMessage string `json:"block_message,omitempty"`
}

// toolCallFilterHandler withholds tool calls matching a compiled expr
// predicate. Cheaper than the LLM judge when the criterion is structural.
type toolCallFilterHandler struct {
	program      *vm.Program
	source       string
	blockMessage string
}

func newToolCallFilterHandler(cfg Config) (*toolCallFilterHandler, error) {
	var params toolCallFilterConfig
	if err := DecodeParams(cfg.Config, &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if params.Block == "" {
		return nil, fmt.Errorf("block expression is required")
	}
	program, err := expr.Compile(params.Block, expr.Env(FilterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile block expression: %w", err)
	}
	if params.BlockMessage == "" {
		params.BlockMessage = "A tool call was blocked by policy."
	}
	return &toolCallFilterHandler{
		program:      program,
		source:       params.Block,
		blockMessage: params.BlockMessage,
	}, nil
}

// Name implements BlockHandler.
func (h *toolCallFilterHandler) Name() string { return "tool_call_filter" }

// HandleRequest implements BlockHandler; requests pass through.
func (h *toolCallFilterHandler) HandleRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error) {
	return req, nil
}

// HandleContent passes text through.
func (h *toolCallFilterHandler) HandleContent(ctx context.Context, sc *StreamContext, text string) (string, error) {
	return text, nil
}

// HandleToolCall evaluates the predicate and withholds matches.
func (h *toolCallFilterHandler) HandleToolCall(ctx context.Context, sc *StreamContext, call protocol.ToolCall) (*protocol.ToolCall, error) {
	env := FilterEnv{
		Name:      call.Function.Name,
		Arguments: call.Function.Arguments,
		Args:      parseArgs(call.Function.Arguments),
	}
	if req := sc.Request(); req != nil {
		env.Model = req.Model
	}
	result, err := expr.Run(h.program, env)
	if err != nil {
		// A predicate that cannot evaluate blocks nothing; the expression
		// was validated at build time, so this is data-shaped, not config.
		sc.RecordEvent("tool_call_filter.error", map[string]any{
			"tool_call_id": call.ID,
			"expression":   h.source,
			"error":        err.Error(),
		})
		return &call, nil
	}
	if blocked, ok := result.(bool); ok && blocked {
		sc.RecordEvent("tool_call_filter.blocked", map[string]any{
			"tool_call_id": call.ID,
			"tool_name":    call.Function.Name,
			"expression":   h.source,
		})
		sc.Send(simpleTextChunk(sc, h.blockMessage))
		return nil, nil
	}
	return &call, nil
}

// HandleFinish keeps the upstream finish reason.
func (h *toolCallFilterHandler) HandleFinish(ctx context.Context, sc *StreamContext, finish string) (string, error) {
	return finish, nil
}

// parseArgs exposes the argument object to the predicate as a map. Invalid
// JSON yields an empty map rather than an evaluation error.
func parseArgs(arguments string) map[string]any {
	out := map[string]any{}
	parsed := gjson.Parse(arguments)
	if !parsed.IsObject() {
		return out
	}
	for k, v := range parsed.Map() {
		out[k] = v.Value()
	}
	return out
}

// simpleTextChunk builds a policy-authored text chunk on the stream's
// identity.
func simpleTextChunk(sc *StreamContext, text string) *protocol.ChatChunk {
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
