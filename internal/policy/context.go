package policy

import (
	"sync"

	"github.com/luthien-dev/luthien/internal/events"
	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/protocol"
	"github.com/luthien-dev/luthien/internal/streaming"
)

// Context is what every policy hook receives: the transaction identity, a
// read-only view of the request, the scratchpad, and the event recorder.
type Context struct {
	callID    string
	sessionID string
	request   *protocol.ChatRequest
	obsCtx    *obs.Context
	publisher *events.Publisher
}

// NewContext assembles the hook context for one transaction.
func NewContext(obsCtx *obs.Context, request *protocol.ChatRequest, publisher *events.Publisher) *Context {
	return &Context{
		callID:    obsCtx.CallID,
		sessionID: obsCtx.SessionID,
		request:   request,
		obsCtx:    obsCtx,
		publisher: publisher,
	}
}

// CallID returns the transaction id.
func (c *Context) CallID() string { return c.callID }

// SessionID returns the client-supplied session id, empty when absent.
func (c *Context) SessionID() string { return c.sessionID }

// Request returns the current request. Policies must treat it as read-only;
// request transformation happens through OnRequest's return value.
func (c *Context) Request() *protocol.ChatRequest { return c.request }

// ScratchSet stores a value in the per-transaction scratchpad.
func (c *Context) ScratchSet(key string, value any) { c.obsCtx.ScratchSet(key, value) }

// ScratchGet reads a value from the per-transaction scratchpad.
func (c *Context) ScratchGet(key string) (any, bool) { return c.obsCtx.ScratchGet(key) }

// RecordEvent emits a policy.event with the given name folded into the
// payload. Delivery is asynchronous and never fails the request.
func (c *Context) RecordEvent(name string, payload map[string]any) {
	if c.publisher == nil {
		return
	}
	merged := map[string]any{"name": name}
	for k, v := range payload {
		merged[k] = v
	}
	c.publisher.EmitNew(c.callID, events.TypePolicyEvent, merged)
}

// StreamContext extends Context with the streaming-only handles: the current
// chunk, the live stream state, the egress queue, and keepalive.
type StreamContext struct {
	*Context

	// Chunk is the chunk currently being dispatched. Nil inside
	// OnStreamComplete and OnStreamingComplete.
	Chunk *protocol.ChatChunk

	// State is the live block state machine for this response.
	State *streaming.StreamState

	keepalive func()

	mu     sync.Mutex
	egress []*protocol.ChatChunk
}

// NewStreamContext wraps a Context for the streaming path. keepalive may be
// nil when no timeout monitor is running.
func NewStreamContext(base *Context, state *streaming.StreamState, keepalive func()) *StreamContext {
	return &StreamContext{Context: base, State: state, keepalive: keepalive}
}

// Send queues a chunk for release to the client. The dispatcher drains the
// queue after each hook set, preserving push order.
func (sc *StreamContext) Send(chunk *protocol.ChatChunk) {
	if chunk == nil {
		return
	}
	sc.mu.Lock()
	sc.egress = append(sc.egress, chunk)
	sc.mu.Unlock()
}

// SendOriginal queues the current chunk unchanged; the usual passthrough
// move from OnChunkReceived.
func (sc *StreamContext) SendOriginal() {
	sc.Send(sc.Chunk)
}

// Keepalive resets the policy timeout deadline. Long-running hook work must
// call this periodically; every hook invocation also keepalives implicitly.
func (sc *StreamContext) Keepalive() {
	if sc.keepalive != nil {
		sc.keepalive()
	}
}

// drainEgress removes and returns everything queued so far.
func (sc *StreamContext) drainEgress() []*protocol.ChatChunk {
	sc.mu.Lock()
	out := sc.egress
	sc.egress = nil
	sc.mu.Unlock()
	return out
}
