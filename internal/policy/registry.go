package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/luthien-dev/luthien/internal/protocol"
)

// Config selects and parameterizes one policy instance.
type Config struct {
	Class  string         `json:"class" yaml:"class"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Judge scores a proposed tool call. Implemented by the LLM judge client;
// defined here so policies do not depend on the judge package.
type Judge interface {
	// JudgeToolCall returns the probability in [0,1] that the tool call
	// should be blocked, with a short explanation.
	JudgeToolCall(ctx context.Context, req *protocol.ChatRequest, call protocol.ToolCall) (float64, string, error)
}

// Dependencies carries external services some policy types need.
type Dependencies struct {
	Judge Judge
}

// Factory builds a policy instance from its config block.
type Factory func(cfg Config, deps Dependencies) (StreamingPolicy, error)

var registry = map[string]Factory{}

// Register adds a policy type to the registry. Called from init functions
// of the built-in policies.
func Register(class string, factory Factory) {
	registry[class] = factory
}

// Build instantiates the configured policy class.
func Build(cfg Config, deps Dependencies) (StreamingPolicy, error) {
	factory, ok := registry[cfg.Class]
	if !ok {
		return nil, fmt.Errorf("unknown policy class: %s", cfg.Class)
	}
	p, err := factory(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", cfg.Class, err)
	}
	return p, nil
}

// Classes returns the registered class names, for diagnostics.
func Classes() []string {
	out := make([]string, 0, len(registry))
	for class := range registry {
		out = append(out, class)
	}
	return out
}

// HandlerFactory builds a block-level handler; used by policies that
// compose (chain) and by the SimplePolicy wrappers.
type HandlerFactory func(cfg Config, deps Dependencies) (BlockHandler, error)

var handlerRegistry = map[string]HandlerFactory{}

// RegisterHandler adds a block-handler factory. Classes registered here can
// appear inside a chain policy.
func RegisterHandler(class string, factory HandlerFactory) {
	handlerRegistry[class] = factory
}

// BuildHandler instantiates a block handler by class.
func BuildHandler(cfg Config, deps Dependencies) (BlockHandler, error) {
	factory, ok := handlerRegistry[cfg.Class]
	if !ok {
		return nil, fmt.Errorf("policy class %s cannot be chained", cfg.Class)
	}
	h, err := factory(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", cfg.Class, err)
	}
	return h, nil
}

// DecodeParams unmarshals a free-form config map into a typed struct via a
// JSON round trip.
func DecodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}
