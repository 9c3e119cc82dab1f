// Package policy defines the hook contracts user-configured policies
// implement, the per-chunk dispatcher that drives them, and the built-in
// reference policies.
package policy

import (
	"context"
	"errors"

	"github.com/gobwas/glob"

	"github.com/luthien-dev/luthien/internal/protocol"
)

// ErrPolicyTimeout is surfaced when the timeout monitor fires before any
// hook or keepalive resets the deadline.
var ErrPolicyTimeout = errors.New("policy timed out")

// Policy is the request/response surface every policy implements. Hooks may
// inspect, transform, or replace what they are given; returning an error
// aborts the transaction.
type Policy interface {
	// Name identifies the policy in config and events.
	Name() string

	// OnRequest runs before the request is forwarded. The returned request
	// is what the backend sees; returning req unchanged passes through.
	OnRequest(ctx context.Context, pctx *Context, req *protocol.ChatRequest) (*protocol.ChatRequest, error)

	// OnResponse runs on non-streaming responses. The returned response is
	// what the client sees.
	OnResponse(ctx context.Context, pctx *Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error)
}

// StreamingPolicy adds the per-chunk hook surface. The dispatcher invokes
// the hooks in a fixed order for every chunk: OnChunkReceived, then the
// delta hook matching the open block, then the complete hook if a block just
// closed, then OnFinishReason if the chunk carries one. Policies release
// output by pushing chunks through StreamContext.Send; chunks they never
// push are withheld from the client.
type StreamingPolicy interface {
	Policy

	// OnChunkReceived runs first for every chunk.
	OnChunkReceived(ctx context.Context, sc *StreamContext) error

	// OnContentDelta runs when a content block is open after the chunk.
	OnContentDelta(ctx context.Context, sc *StreamContext) error

	// OnToolCallDelta runs when a tool-call block is open after the chunk.
	OnToolCallDelta(ctx context.Context, sc *StreamContext) error

	// OnContentComplete runs when the chunk completed a content block.
	OnContentComplete(ctx context.Context, sc *StreamContext) error

	// OnToolCallComplete runs when the chunk completed a tool-call block.
	OnToolCallComplete(ctx context.Context, sc *StreamContext) error

	// OnFinishReason runs when the chunk carries a finish reason.
	OnFinishReason(ctx context.Context, sc *StreamContext) error

	// OnStreamComplete runs once after the upstream is exhausted, before the
	// final egress drain. Last chance to flush buffered output.
	OnStreamComplete(ctx context.Context, sc *StreamContext) error

	// OnStreamingComplete is the cleanup hook. It runs on every exit path,
	// including errors and timeout; its error is logged, not propagated.
	OnStreamingComplete(ctx context.Context, sc *StreamContext) error
}

// SessionEnder is implemented by policies that hold state across requests
// and need a hook when they are hot-swapped out.
type SessionEnder interface {
	OnSessionEnd(ctx context.Context) error
}

// Scope optionally narrows a policy to a subset of traffic. Zero value
// matches everything.
type Scope struct {
	// Models are glob patterns matched against the request model.
	Models []string `json:"models,omitempty" yaml:"models,omitempty"`
	// Streaming, when set, restricts to streaming (true) or non-streaming
	// (false) transactions.
	Streaming *bool `json:"streaming,omitempty" yaml:"streaming,omitempty"`

	compiled []glob.Glob
}

// Compile pre-compiles the model globs. Must be called before Matches.
func (s *Scope) Compile() error {
	s.compiled = s.compiled[:0]
	for _, pattern := range s.Models {
		g, err := glob.Compile(pattern)
		if err != nil {
			return err
		}
		s.compiled = append(s.compiled, g)
	}
	return nil
}

// Matches reports whether the scope covers the given model and mode.
func (s *Scope) Matches(model string, streaming bool) bool {
	if s.Streaming != nil && *s.Streaming != streaming {
		return false
	}
	if len(s.compiled) == 0 {
		return true
	}
	for _, g := range s.compiled {
		if g.Match(model) {
			return true
		}
	}
	return false
}
