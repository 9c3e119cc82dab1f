// Package upstream holds the backend clients the pipeline forwards to: any
// OpenAI-compatible endpoint over plain HTTP/SSE, and Anthropic-native
// backends through the official SDK. Both surface normalized requests,
// responses and chunks; dialect differences end at this boundary.
package upstream

import (
	"context"

	"github.com/luthien-dev/luthien/internal/protocol"
)

// Client is one configured backend.
type Client interface {
	// Complete performs a non-streaming chat completion.
	Complete(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error)

	// Stream opens a streaming chat completion. The caller must Close the
	// returned stream.
	Stream(ctx context.Context, req *protocol.ChatRequest) (Stream, error)
}

// Stream yields normalized chunks until io.EOF.
type Stream interface {
	// Recv returns the next chunk, io.EOF at clean end of stream, or the
	// error that broke the stream.
	Recv() (*protocol.ChatChunk, error)

	// Close releases the underlying connection. Safe after Recv errors.
	Close() error
}
