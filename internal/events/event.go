// Package events defines the observability event model and the machinery
// that delivers events to the durable store and the pub/sub bus without
// touching the latency of the request path.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the pipeline. Transaction-level summaries use the
// transaction.* prefix; per-phase markers use pipeline.*.
const (
	TypeClientRequest  = "pipeline.client_request"
	TypeBackendRequest = "pipeline.backend_request"
	TypeClientResponse = "pipeline.client_response"

	TypeIngressChunk = "pipeline.ingress_chunk"
	TypeEgressChunk  = "pipeline.egress_chunk"

	TypeRequestRecorded              = "transaction.request_recorded"
	TypeStreamingResponseRecorded    = "transaction.streaming_response_recorded"
	TypeNonStreamingResponseRecorded = "transaction.non_streaming_response_recorded"
	TypeChunksTruncated              = "transaction.chunks_truncated"

	TypePolicyEvent   = "policy.event"
	TypePolicyError   = "policy.error"
	TypePolicyTimeout = "policy.timeout"
	TypeWarning       = "pipeline.warning"
)

// TruncationReason is the payload reason attached to TypeChunksTruncated.
const TruncationReason = "max_chunks_queued_exceeded"

// Event is one timestamped, JSON-serializable observability record tied to a
// call id.
type Event struct {
	ID        string         `json:"id"`
	CallID    string         `json:"call_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event with a fresh id and the current time.
func New(callID, eventType string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		CallID:    callID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
