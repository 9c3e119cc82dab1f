package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Context is the per-transaction observability bag: the call id, the optional
// client session id, the tracing span covering the transaction, and the
// policy scratchpad. One Context belongs to exactly one transaction and is
// never shared across requests.
type Context struct {
	CallID    string
	SessionID string

	span trace.Span

	mu      sync.Mutex
	scratch map[string]any
}

// NewContext builds the observability context for one transaction. span may
// be nil when tracing is disabled.
func NewContext(callID, sessionID string, span trace.Span) *Context {
	return &Context{
		CallID:    callID,
		SessionID: sessionID,
		span:      span,
		scratch:   make(map[string]any),
	}
}

// Span returns the transaction span, or a no-op span when tracing is off.
func (c *Context) Span() trace.Span {
	if c.span == nil {
		return trace.SpanFromContext(context.Background())
	}
	return c.span
}

// ScratchSet stores a value in the policy scratchpad.
func (c *Context) ScratchSet(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scratch[key] = value
}

// ScratchGet reads a value from the policy scratchpad.
func (c *Context) ScratchGet(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.scratch[key]
	return v, ok
}

// ScratchSnapshot returns a shallow copy of the scratchpad, for event
// payloads and debugging.
func (c *Context) ScratchSnapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.scratch))
	for k, v := range c.scratch {
		out[k] = v
	}
	return out
}

// End finishes the transaction span if one exists.
func (c *Context) End() {
	if c.span != nil {
		c.span.End()
	}
}
