package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	anthropicstream "github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/protocol"
	"github.com/luthien-dev/luthien/internal/streaming"
)

// AnthropicBackend forwards to an Anthropic-native backend through the
// official SDK. Requests translate through the Anthropic wire shape; stream
// events translate back to normalized chunks via the stream decoder.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend builds a client. The SDK expects the base URL without
// a /v1 suffix.
func NewAnthropicBackend(baseURL, apiKey string) *AnthropicBackend {
	options := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		base := strings.TrimRight(baseURL, "/")
		base = strings.TrimSuffix(base, "/v1")
		options = append(options, anthropicoption.WithBaseURL(base))
	}
	return &AnthropicBackend{client: anthropic.NewClient(options...)}
}

// Complete implements Client.
func (b *AnthropicBackend) Complete(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
	params, warnings, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}
	logDroppedFields(req.Model, warnings)

	message, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapSDKError(err)
	}

	var wire protocol.AnthropicResponse
	if err := roundTrip(message, &wire); err != nil {
		return nil, protocol.NewAPIError(protocol.ErrTypeAPI, "decode backend response: %v", err)
	}
	return protocol.FromAnthropicResponse(&wire), nil
}

// Stream implements Client.
func (b *AnthropicBackend) Stream(ctx context.Context, req *protocol.ChatRequest) (Stream, error) {
	params, warnings, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}
	logDroppedFields(req.Model, warnings)

	stream := b.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, mapSDKError(err)
	}
	return &anthropicStream{
		stream:  stream,
		decoder: streaming.NewAnthropicDecoder(),
	}, nil
}

// buildParams converts a normalized request into SDK params by way of the
// Anthropic wire shape, which the SDK params deserialize from directly.
func (b *AnthropicBackend) buildParams(req *protocol.ChatRequest) (anthropic.MessageNewParams, []string, error) {
	var params anthropic.MessageNewParams

	wire, warnings, err := protocol.ToAnthropicRequest(req)
	if err != nil {
		return params, nil, err
	}
	wire.Stream = false // the SDK sets stream itself

	if err := roundTrip(wire, &params); err != nil {
		return params, nil, fmt.Errorf("build backend params: %w", err)
	}
	return params, warnings, nil
}

// anthropicStream adapts the SDK event stream to the normalized Stream
// interface. One SSE event can decode to zero or more chunks, so decoded
// chunks queue up between Recv calls.
type anthropicStream struct {
	stream  *anthropicstream.Stream[anthropic.MessageStreamEventUnion]
	decoder *streaming.AnthropicDecoder
	pending []*protocol.ChatChunk
	done    bool
}

// Recv implements Stream.
func (s *anthropicStream) Recv() (*protocol.ChatChunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return nil, mapSDKError(err)
			}
			return nil, io.EOF
		}

		event := s.stream.Current()
		var wire protocol.AnthropicStreamEvent
		if err := roundTrip(&event, &wire); err != nil {
			logrus.WithError(err).Warn("Skipping undecodable stream event")
			continue
		}
		chunks, err := s.decoder.Decode(&wire)
		if err != nil {
			return nil, err
		}
		s.pending = append(s.pending, chunks...)
	}
}

// Close implements Stream.
func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

// mapSDKError folds SDK failures into the shared taxonomy. The SDK's typed
// error carries the upstream status and body.
func mapSDKError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return protocol.BackendError(apiErr.StatusCode, []byte(apiErr.RawJSON()))
	}
	return protocol.ConnectionError(err)
}

// roundTrip copies src into dst through JSON. The SDK types and the wire
// types share the wire encoding, so this is the translation.
func roundTrip(src, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func logDroppedFields(model string, warnings []string) {
	for _, w := range warnings {
		logrus.WithField("model", model).Warnf("Anthropic translation: %s", w)
	}
}
