package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/events"
	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/protocol"
	"github.com/luthien-dev/luthien/internal/store"
	"github.com/luthien-dev/luthien/internal/streaming"
	"github.com/luthien-dev/luthien/internal/txn"
)

const doneFrame = "[DONE]"

// runStreaming opens the backend stream and pumps it through the policy
// dispatcher, writing each released chunk to the client in its dialect. SSE
// headers go out before the first chunk, so failures past that point are
// reported in-band as SSE error frames.
func (s *Server) runStreaming(c *gin.Context, ctx context.Context, tx *txn.Transaction, p policy.StreamingPolicy, pctx *policy.Context, req *protocol.ChatRequest) {
	source, err := s.backend.Stream(ctx, req)
	if err != nil {
		s.finishCall(tx.CallID, store.CallStatusFailed)
		s.writeError(c, tx.Dialect, err)
		return
	}
	defer source.Close()

	setSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	var writer streamWriter
	if tx.Dialect == txn.DialectAnthropic {
		writer = newAnthropicStreamWriter(c, flush, tx, req.Model, s.publisher)
	} else {
		writer = &openAIStreamWriter{c: c, flush: flush}
	}
	if err := writer.begin(); err != nil {
		s.finishCall(tx.CallID, store.CallStatusFailed)
		return
	}

	err = s.orchestrator.StreamResponse(ctx, tx, p, source, writer.write)
	if err != nil {
		s.finishCall(tx.CallID, store.CallStatusFailed)
		writer.abort(err)
		return
	}

	writer.end()
	s.finishCall(tx.CallID, store.CallStatusCompleted)
}

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}

// streamWriter renders released chunks onto the wire in one dialect.
type streamWriter interface {
	begin() error
	write(chunk *protocol.ChatChunk) error
	// end terminates a successful stream.
	end()
	// abort terminates a failed stream with an in-band error frame.
	abort(err error)
}

// openAIStreamWriter emits `data: {json}` frames and the [DONE] terminator.
type openAIStreamWriter struct {
	c     *gin.Context
	flush func()
}

func (w *openAIStreamWriter) begin() error { return nil }

func (w *openAIStreamWriter) write(chunk *protocol.ChatChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	w.c.SSEvent("", string(payload))
	w.flush()
	return nil
}

func (w *openAIStreamWriter) end() {
	w.c.SSEvent("", doneFrame)
	w.flush()
}

func (w *openAIStreamWriter) abort(err error) {
	apiErr := asAPIError(err)
	payload, marshalErr := json.Marshal(apiErr.OpenAIBody())
	if marshalErr != nil {
		return
	}
	w.c.SSEvent("", string(payload))
	w.c.SSEvent("", doneFrame)
	w.flush()
}

// anthropicStreamWriter drives the SSE assembler: message_start up front,
// per-chunk events from Process, and the Finish tail on end.
type anthropicStreamWriter struct {
	c         *gin.Context
	flush     func()
	tx        *txn.Transaction
	assembler *streaming.AnthropicAssembler

	lastFinish string
}

func newAnthropicStreamWriter(c *gin.Context, flush func(), tx *txn.Transaction, model string, publisher *events.Publisher) *anthropicStreamWriter {
	onWarning := func(msg string) {
		logrus.WithField("call_id", tx.CallID).Warn(msg)
		publisher.EmitNew(tx.CallID, events.TypeWarning, map[string]any{
			"stage":   "anthropic_assembler",
			"warning": msg,
		})
	}
	return &anthropicStreamWriter{
		c:         c,
		flush:     flush,
		tx:        tx,
		assembler: streaming.NewAnthropicAssembler("msg_"+tx.CallID, model, onWarning),
	}
}

func (w *anthropicStreamWriter) begin() error {
	return w.emit(w.assembler.Start())
}

func (w *anthropicStreamWriter) write(chunk *protocol.ChatChunk) error {
	if choice := chunk.FirstChoice(); choice != nil && choice.FinishReason != "" {
		w.lastFinish = choice.FinishReason
	}
	for _, ev := range w.assembler.Process(chunk) {
		if err := w.emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func (w *anthropicStreamWriter) end() {
	for _, ev := range w.assembler.Finish(w.lastFinish) {
		if err := w.emit(ev); err != nil {
			return
		}
	}
}

func (w *anthropicStreamWriter) abort(err error) {
	apiErr := asAPIError(err)
	payload, marshalErr := json.Marshal(apiErr.AnthropicBody())
	if marshalErr != nil {
		return
	}
	w.c.SSEvent("error", string(payload))
	w.flush()
}

func (w *anthropicStreamWriter) emit(ev protocol.AnthropicStreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	w.c.SSEvent(ev.Type, string(payload))
	w.flush()
	return nil
}

func asAPIError(err error) *protocol.APIError {
	var apiErr *protocol.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, policy.ErrPolicyTimeout) {
		return &protocol.APIError{
			Type:    protocol.ErrTypeAPI,
			Message: "policy timed out",
			Status:  http.StatusGatewayTimeout,
		}
	}
	return protocol.NewAPIError(protocol.ErrTypeAPI, "stream failed: %v", err)
}
