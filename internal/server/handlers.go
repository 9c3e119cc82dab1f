package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/luthien-dev/luthien/internal/events"
	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/protocol"
	"github.com/luthien-dev/luthien/internal/store"
	"github.com/luthien-dev/luthien/internal/txn"
)

const headerCallID = "X-Call-ID"

// handleChatCompletions serves the normalized dialect: POST /v1/chat/completions.
func (s *Server) handleChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.writeError(c, txn.DialectOpenAI, bodyReadError(err))
		return
	}

	var req protocol.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(c, txn.DialectOpenAI, protocol.InvalidRequest("malformed JSON body: %v", err))
		return
	}
	if err := validateChatRequest(&req); err != nil {
		s.writeError(c, txn.DialectOpenAI, err)
		return
	}
	req.Normalize()

	s.runTransaction(c, txn.DialectOpenAI, &req, sessionID(c, body))
}

// handleMessages serves the Anthropic dialect: POST /v1/messages.
func (s *Server) handleMessages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.writeError(c, txn.DialectAnthropic, bodyReadError(err))
		return
	}

	var ar protocol.AnthropicRequest
	if err := json.Unmarshal(body, &ar); err != nil {
		s.writeError(c, txn.DialectAnthropic, protocol.InvalidRequest("malformed JSON body: %v", err))
		return
	}
	req, err := protocol.FromAnthropicRequest(&ar)
	if err != nil {
		s.writeError(c, txn.DialectAnthropic, err)
		return
	}
	if err := validateChatRequest(req); err != nil {
		s.writeError(c, txn.DialectAnthropic, err)
		return
	}
	req.Normalize()

	s.runTransaction(c, txn.DialectAnthropic, req, sessionID(c, body))
}

// runTransaction is the shared pipeline behind both dialects: transaction
// setup, the policy request hook, backend dispatch, and the response path the
// request's streaming flag selects.
func (s *Server) runTransaction(c *gin.Context, dialect txn.Dialect, req *protocol.ChatRequest, session string) {
	callID := txn.NewID()
	c.Header(headerCallID, callID)

	ctx, span := s.telemetry.StartSpan(c.Request.Context(), "transaction",
		attribute.String("call_id", callID),
		attribute.String("dialect", string(dialect)),
		attribute.String("model", req.Model),
		attribute.Bool("streaming", req.Stream),
	)
	obsCtx := obs.NewContext(callID, session, span)
	defer obsCtx.End()

	recorder := txn.NewRecorder(callID, s.cfg.MaxBufferedChunks, s.publisher)
	tx := txn.New(dialect, req, obsCtx, recorder)

	s.telemetry.CountRequest(ctx, string(dialect), req.Stream)
	s.publisher.EmitNew(callID, events.TypeClientRequest, map[string]any{
		"dialect":   string(dialect),
		"model":     req.Model,
		"streaming": req.Stream,
		"session":   session,
	})
	if s.store != nil {
		if err := s.store.CreateCall(ctx, callID, req.Model); err != nil {
			logrus.WithError(err).WithField("call_id", callID).Warn("Recording call row failed")
		}
	}

	active := s.currentPolicy()
	pctx := s.orchestrator.PolicyContext(tx)

	final, err := s.orchestrator.ApplyRequest(ctx, tx, active.instance, pctx)
	if err != nil {
		s.finishCall(callID, store.CallStatusFailed)
		s.writeError(c, dialect, err)
		return
	}

	if !final.Stream {
		s.runNonStreaming(c, ctx, tx, active.instance, pctx, final)
		return
	}
	s.runStreaming(c, ctx, tx, active.instance, pctx, final)
}

func (s *Server) runNonStreaming(c *gin.Context, ctx context.Context, tx *txn.Transaction, p policy.StreamingPolicy, pctx *policy.Context, req *protocol.ChatRequest) {
	resp, err := s.backend.Complete(ctx, req)
	if err != nil {
		s.finishCall(tx.CallID, store.CallStatusFailed)
		s.writeError(c, tx.Dialect, err)
		return
	}

	final, err := s.orchestrator.ProcessResponse(ctx, tx, p, pctx, resp)
	if err != nil {
		s.finishCall(tx.CallID, store.CallStatusFailed)
		s.writeError(c, tx.Dialect, err)
		return
	}
	s.finishCall(tx.CallID, store.CallStatusCompleted)

	if tx.Dialect == txn.DialectAnthropic {
		ar, warnings, err := protocol.ToAnthropicResponse(final)
		if err != nil {
			// Egress conversion failing is a pipeline bug, not a client error.
			s.publisher.EmitNew(tx.CallID, events.TypeWarning, map[string]any{
				"stage": "anthropic_response", "error": err.Error(),
			})
			s.writeError(c, tx.Dialect, protocol.NewAPIError(protocol.ErrTypeAPI, "response conversion failed"))
			return
		}
		s.emitConversionWarnings(tx.CallID, warnings)
		c.JSON(http.StatusOK, ar)
		return
	}
	c.JSON(http.StatusOK, final)
}

func (s *Server) emitConversionWarnings(callID string, warnings []string) {
	for _, w := range warnings {
		s.publisher.EmitNew(callID, events.TypeWarning, map[string]any{
			"stage":   "anthropic_response",
			"warning": w,
		})
	}
}

// validateChatRequest enforces the invariants that must hold before any
// policy sees the request.
func validateChatRequest(req *protocol.ChatRequest) error {
	if req.Model == "" {
		return protocol.InvalidRequest("model is required")
	}
	if len(req.Messages) == 0 {
		return protocol.InvalidRequest("messages must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case protocol.RoleSystem, protocol.RoleDeveloper, protocol.RoleUser,
			protocol.RoleAssistant, protocol.RoleTool:
		default:
			return protocol.InvalidRequest("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	return nil
}

// sessionID extracts the client session id: header first, then the metadata
// bag of the raw body (the two dialects park it in different spots).
func sessionID(c *gin.Context, body []byte) string {
	if v := c.GetHeader("X-Session-ID"); v != "" {
		return v
	}
	if v := gjson.GetBytes(body, "metadata.session_id").String(); v != "" {
		return v
	}
	return gjson.GetBytes(body, "metadata.user_id").String()
}

func (s *Server) finishCall(callID, status string) {
	if s.store == nil {
		return
	}
	if err := s.store.CompleteCall(context.Background(), callID, status); err != nil {
		logrus.WithError(err).WithField("call_id", callID).Warn("Completing call row failed")
	}
}

// writeError renders a failure in the client's dialect with the taxonomy
// status. Errors that are not APIErrors become generic 500s; a policy
// timeout surfaces as 504.
func (s *Server) writeError(c *gin.Context, dialect txn.Dialect, err error) {
	var apiErr *protocol.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, policy.ErrPolicyTimeout) {
			apiErr = &protocol.APIError{
				Type:    protocol.ErrTypeAPI,
				Message: "policy timed out",
				Status:  http.StatusGatewayTimeout,
			}
		} else {
			apiErr = protocol.NewAPIError(protocol.ErrTypeAPI, "internal error")
			logrus.WithError(err).Error("Unclassified transaction error")
		}
	}
	if dialect == txn.DialectAnthropic {
		c.JSON(apiErr.HTTPStatus(), apiErr.AnthropicBody())
		return
	}
	c.JSON(apiErr.HTTPStatus(), apiErr.OpenAIBody())
}

func bodyReadError(err error) *protocol.APIError {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return &protocol.APIError{
			Type:    protocol.ErrTypeInvalidRequest,
			Message: "request body too large",
			Status:  http.StatusRequestEntityTooLarge,
		}
	}
	return protocol.InvalidRequest("reading request body: %v", err)
}
