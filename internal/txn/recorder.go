package txn

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/events"
	"github.com/luthien-dev/luthien/internal/protocol"
	"github.com/luthien-dev/luthien/internal/tokencount"
)

// DefaultChunkCap bounds each direction's chunk buffer when the config does
// not override it.
const DefaultChunkCap = 500

// chunkRing is one direction's bounded chunk buffer. When full it discards
// and remembers that it truncated; the truncation event is emitted once.
type chunkRing struct {
	chunks    []*protocol.ChatChunk
	cap       int
	seen      int
	truncated bool
}

func (r *chunkRing) add(chunk *protocol.ChatChunk) (firstOverflow bool) {
	r.seen++
	if len(r.chunks) >= r.cap {
		first := !r.truncated
		r.truncated = true
		return first
	}
	r.chunks = append(r.chunks, chunk)
	return false
}

// Recorder captures a transaction's ingress and egress chunks and, at stream
// end, reconstructs a synthetic before/after response pair for the summary
// event. It never fails the request: internal errors are logged and
// swallowed.
type Recorder struct {
	callID    string
	publisher *events.Publisher

	mu      sync.Mutex
	ingress chunkRing
	egress  chunkRing
	done    bool
}

// NewRecorder builds a recorder with the given per-direction cap.
func NewRecorder(callID string, chunkCap int, publisher *events.Publisher) *Recorder {
	if chunkCap <= 0 {
		chunkCap = DefaultChunkCap
	}
	return &Recorder{
		callID:    callID,
		publisher: publisher,
		ingress:   chunkRing{cap: chunkCap},
		egress:    chunkRing{cap: chunkCap},
	}
}

// RecordIngress captures one chunk arriving from the backend.
func (r *Recorder) RecordIngress(chunk *protocol.ChatChunk) {
	r.record(&r.ingress, "ingress", chunk)
}

// RecordEgress captures one chunk released to the client.
func (r *Recorder) RecordEgress(chunk *protocol.ChatChunk) {
	r.record(&r.egress, "egress", chunk)
}

func (r *Recorder) record(ring *chunkRing, direction string, chunk *protocol.ChatChunk) {
	if r == nil || chunk == nil {
		return
	}
	r.mu.Lock()
	firstOverflow := ring.add(chunk.Clone())
	r.mu.Unlock()
	if firstOverflow {
		logrus.WithFields(logrus.Fields{
			"call_id":   r.callID,
			"direction": direction,
		}).Warn("chunk buffer full; discarding further chunks")
		r.publisher.EmitNew(r.callID, events.TypeChunksTruncated, map[string]any{
			"direction": direction,
			"reason":    events.TruncationReason,
			"cap":       ring.cap,
		})
	}
}

// RecordRequest emits the transaction.request_recorded summary with the
// original and final request snapshots.
func (r *Recorder) RecordRequest(original, final *protocol.ChatRequest) {
	if r == nil {
		return
	}
	r.publisher.EmitNew(r.callID, events.TypeRequestRecorded, map[string]any{
		"original_request": original,
		"final_request":    final,
	})
}

// FinalizeStreaming reconstructs the before/after responses from the two
// buffers and emits the one streaming summary event. Safe to call more than
// once; only the first call emits.
func (r *Recorder) FinalizeStreaming() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	before := reconstructResponse(r.ingress.chunks)
	after := reconstructResponse(r.egress.chunks)
	ingressCount := len(r.ingress.chunks)
	egressCount := len(r.egress.chunks)
	truncated := r.ingress.truncated || r.egress.truncated
	r.mu.Unlock()

	r.publisher.EmitNew(r.callID, events.TypeStreamingResponseRecorded, map[string]any{
		"original_response": before,
		"final_response":    after,
		"ingress_chunks":    ingressCount,
		"egress_chunks":     egressCount,
		"truncated":         truncated,
	})
}

// FinalizeNonStreaming emits the non-streaming summary with both response
// snapshots.
func (r *Recorder) FinalizeNonStreaming(original, final *protocol.ChatResponse) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()

	payload := map[string]any{
		"original_response": original,
		"final_response":    final,
	}
	if original != nil && len(original.Choices) > 0 {
		payload["original_finish_reason"] = original.Choices[0].FinishReason
	}
	if final != nil && len(final.Choices) > 0 {
		payload["final_finish_reason"] = final.Choices[0].FinishReason
	}
	r.publisher.EmitNew(r.callID, events.TypeNonStreamingResponseRecorded, payload)
}

// reconstructResponse folds a chunk sequence into a synthetic non-streaming
// response: concatenated content, assembled tool calls, id/model/finish from
// the last chunk that carried them, and a usage estimate when the backend
// never sent one.
func reconstructResponse(chunks []*protocol.ChatChunk) *protocol.ChatResponse {
	if len(chunks) == 0 {
		return nil
	}
	var (
		content   strings.Builder
		id        string
		model     string
		finish    string
		usage     *protocol.Usage
		toolOrder []int
		tools     = map[int]*protocol.ToolCall{}
	)
	for _, chunk := range chunks {
		if chunk.ID != "" {
			id = chunk.ID
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		choice := chunk.FirstChoice()
		if choice == nil {
			continue
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		content.WriteString(choice.Delta.Content)
		for _, tc := range choice.Delta.ToolCalls {
			call, ok := tools[tc.Index]
			if !ok {
				call = &protocol.ToolCall{Type: "function"}
				tools[tc.Index] = call
				toolOrder = append(toolOrder, tc.Index)
			}
			if tc.ID != "" && call.ID == "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" && call.Function.Name == "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
	}

	msg := protocol.Message{Role: protocol.RoleAssistant}
	if content.Len() > 0 {
		msg.Content = content.String()
	}
	for _, idx := range toolOrder {
		msg.ToolCalls = append(msg.ToolCalls, *tools[idx])
	}

	resp := &protocol.ChatResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  model,
		Choices: []protocol.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finish,
		}},
		Usage: usage,
	}
	if resp.Usage == nil {
		resp.Usage = tokencount.EstimateResponse(resp)
	}
	return resp
}
