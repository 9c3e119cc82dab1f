package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien/internal/events"
	"github.com/luthien-dev/luthien/internal/protocol"
)

// captureStore implements events.Store in memory.
type captureStore struct {
	mu   sync.Mutex
	rows []events.Event
}

func (s *captureStore) InsertEvent(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, ev)
	return nil
}

func (s *captureStore) byType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.rows {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newCapturePublisher() (*captureStore, *events.Publisher) {
	store := &captureStore{}
	return store, events.NewPublisher(store, nil)
}

func chunkWithText(text string) *protocol.ChatChunk {
	return &protocol.ChatChunk{
		ID:      "chatcmpl-1",
		Model:   "m",
		Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{Content: text}}},
	}
}

func TestRecorderReconstructsBeforeAndAfter(t *testing.T) {
	store, pub := newCapturePublisher()
	r := NewRecorder("call-1", 10, pub)

	r.RecordIngress(chunkWithText("Hello, "))
	r.RecordIngress(chunkWithText("world"))
	r.RecordIngress(&protocol.ChatChunk{
		ID:      "chatcmpl-1",
		Choices: []protocol.ChunkChoice{{FinishReason: protocol.FinishStop}},
	})
	r.RecordEgress(chunkWithText("HELLO, WORLD"))
	r.FinalizeStreaming()
	pub.Close(5 * time.Second)

	recs := store.byType(events.TypeStreamingResponseRecorded)
	require.Len(t, recs, 1)
	payload := recs[0].Payload

	before, ok := payload["original_response"].(*protocol.ChatResponse)
	require.True(t, ok)
	require.Len(t, before.Choices, 1)
	assert.Equal(t, "Hello, world", before.Choices[0].Message.Text())
	assert.Equal(t, protocol.FinishStop, before.Choices[0].FinishReason)

	after, ok := payload["final_response"].(*protocol.ChatResponse)
	require.True(t, ok)
	assert.Equal(t, "HELLO, WORLD", after.Choices[0].Message.Text())

	assert.Equal(t, 3, payload["ingress_chunks"])
	assert.Equal(t, 1, payload["egress_chunks"])
	assert.Equal(t, false, payload["truncated"])
}

func TestRecorderReconstructsToolCalls(t *testing.T) {
	store, pub := newCapturePublisher()
	r := NewRecorder("call-1", 10, pub)

	frag := func(index int, id, name, args string) *protocol.ChatChunk {
		return &protocol.ChatChunk{
			ID: "chatcmpl-1",
			Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{
				ToolCalls: []protocol.ToolCallDelta{{
					Index:    index,
					ID:       id,
					Function: protocol.FunctionCall{Name: name, Arguments: args},
				}},
			}}},
		}
	}
	r.RecordIngress(frag(0, "call_a", "search", `{"q":`))
	r.RecordIngress(frag(0, "", "", `"go"}`))
	r.FinalizeStreaming()
	pub.Close(5 * time.Second)

	recs := store.byType(events.TypeStreamingResponseRecorded)
	require.Len(t, recs, 1)
	before := recs[0].Payload["original_response"].(*protocol.ChatResponse)
	require.Len(t, before.Choices[0].Message.ToolCalls, 1)
	call := before.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "call_a", call.ID)
	assert.Equal(t, "search", call.Function.Name)
	assert.Equal(t, `{"q":"go"}`, call.Function.Arguments)
}

func TestRecorderTruncatesOncePerDirection(t *testing.T) {
	store, pub := newCapturePublisher()
	r := NewRecorder("call-1", 3, pub)

	for i := 0; i < 10; i++ {
		r.RecordIngress(chunkWithText("x"))
	}
	r.FinalizeStreaming()
	pub.Close(5 * time.Second)

	// One truncation event no matter how far past the cap the stream ran.
	truncs := store.byType(events.TypeChunksTruncated)
	require.Len(t, truncs, 1)
	assert.Equal(t, "ingress", truncs[0].Payload["direction"])
	assert.Equal(t, events.TruncationReason, truncs[0].Payload["reason"])

	recs := store.byType(events.TypeStreamingResponseRecorded)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Payload["ingress_chunks"])
	assert.Equal(t, true, recs[0].Payload["truncated"])
}

func TestRecorderFinalizeIsIdempotent(t *testing.T) {
	store, pub := newCapturePublisher()
	r := NewRecorder("call-1", 10, pub)
	r.RecordIngress(chunkWithText("once"))

	r.FinalizeStreaming()
	r.FinalizeStreaming()
	pub.Close(5 * time.Second)

	assert.Len(t, store.byType(events.TypeStreamingResponseRecorded), 1)
}

func TestRecorderClonesChunks(t *testing.T) {
	store, pub := newCapturePublisher()
	r := NewRecorder("call-1", 10, pub)

	chunk := chunkWithText("original")
	r.RecordIngress(chunk)
	// Mutation after recording must not leak into the snapshot.
	chunk.Choices[0].Delta.Content = "mutated"

	r.FinalizeStreaming()
	pub.Close(5 * time.Second)

	recs := store.byType(events.TypeStreamingResponseRecorded)
	require.Len(t, recs, 1)
	before := recs[0].Payload["original_response"].(*protocol.ChatResponse)
	assert.Equal(t, "original", before.Choices[0].Message.Text())
}

func TestRecorderEstimatesUsageWhenAbsent(t *testing.T) {
	store, pub := newCapturePublisher()
	r := NewRecorder("call-1", 10, pub)
	r.RecordIngress(chunkWithText("some assistant text worth a few tokens"))
	r.FinalizeStreaming()
	pub.Close(5 * time.Second)

	recs := store.byType(events.TypeStreamingResponseRecorded)
	require.Len(t, recs, 1)
	before := recs[0].Payload["original_response"].(*protocol.ChatResponse)
	require.NotNil(t, before.Usage)
	assert.Greater(t, before.Usage.CompletionTokens, 0)
}

func TestRecorderNonStreamingSummary(t *testing.T) {
	store, pub := newCapturePublisher()
	r := NewRecorder("call-1", 10, pub)

	original := &protocol.ChatResponse{Choices: []protocol.Choice{{
		Message:      protocol.Message{Role: protocol.RoleAssistant, Content: "raw"},
		FinishReason: protocol.FinishToolCalls,
	}}}
	final := &protocol.ChatResponse{Choices: []protocol.Choice{{
		Message:      protocol.Message{Role: protocol.RoleAssistant, Content: "filtered"},
		FinishReason: protocol.FinishStop,
	}}}
	r.FinalizeNonStreaming(original, final)
	pub.Close(5 * time.Second)

	recs := store.byType(events.TypeNonStreamingResponseRecorded)
	require.Len(t, recs, 1)
	assert.Equal(t, protocol.FinishToolCalls, recs[0].Payload["original_finish_reason"])
	assert.Equal(t, protocol.FinishStop, recs[0].Payload["final_finish_reason"])
}
