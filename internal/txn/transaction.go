// Package txn owns per-transaction state: the call id, the request
// snapshots, and the bounded chunk recorder that reconstructs before/after
// responses at stream end.
package txn

import (
	"github.com/google/uuid"

	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/protocol"
)

// Dialect identifies the wire shape the client spoke.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
)

// Transaction is one end-to-end request/response pair. It exclusively owns
// its request snapshots, chunk buffers and scratchpad; nothing here is
// shared across requests.
type Transaction struct {
	CallID  string
	Dialect Dialect

	// OriginalRequest is the normalized request as received; FinalRequest is
	// what the policy let through to the backend.
	OriginalRequest *protocol.ChatRequest
	FinalRequest    *protocol.ChatRequest

	Obs      *obs.Context
	Recorder *Recorder
}

// NewID generates a fresh call id.
func NewID() string {
	return "call_" + uuid.NewString()
}

// New creates a transaction around a normalized request. The original
// request is deep-copied so policy mutations of the final request never
// alias the recorded snapshot.
func New(dialect Dialect, req *protocol.ChatRequest, obsCtx *obs.Context, recorder *Recorder) *Transaction {
	return &Transaction{
		CallID:          obsCtx.CallID,
		Dialect:         dialect,
		OriginalRequest: cloneRequest(req),
		FinalRequest:    req,
		Obs:             obsCtx,
		Recorder:        recorder,
	}
}

func cloneRequest(req *protocol.ChatRequest) *protocol.ChatRequest {
	if req == nil {
		return nil
	}
	out := *req
	out.Messages = append([]protocol.Message(nil), req.Messages...)
	out.Tools = append([]protocol.Tool(nil), req.Tools...)
	out.Stop = append([]string(nil), req.Stop...)
	return &out
}
