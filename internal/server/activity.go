package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/bus"
)

const (
	heartbeatInterval = 15 * time.Second

	// Resubscribe backoff after a bus failure.
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// handleCallEvents returns a call's stored events in insertion order.
func (s *Server) handleCallEvents(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event store not configured"})
		return
	}
	callID := c.Param("id")
	call, err := s.store.GetCall(c.Request.Context(), callID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if call == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown call id"})
		return
	}

	rows, err := s.store.ListEvents(c.Request.Context(), callID, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		var payload map[string]any
		if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
			payload = map[string]any{"raw": row.Payload}
		}
		out = append(out, gin.H{
			"id":         row.ID,
			"call_id":    row.CallID,
			"type":       row.EventType,
			"payload":    payload,
			"created_at": row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"call_id": callID,
		"status":  call.Status,
		"events":  out,
	})
}

// handleCallStream relays one call's live events as SSE.
func (s *Server) handleCallStream(c *gin.Context) {
	s.relayChannel(c, bus.CallChannel(c.Param("id")))
}

// handleActivityStream relays the global activity channel as SSE.
func (s *Server) handleActivityStream(c *gin.Context) {
	s.relayChannel(c, bus.ActivityChannel)
}

// relayChannel bridges one bus channel onto an SSE response. Heartbeats every
// 15 s keep intermediaries from timing the connection out and double as the
// dead-subscriber probe: a failed heartbeat write ends the relay. Bus
// failures trigger exponential-backoff resubscription rather than ending the
// client's stream.
func (s *Server) relayChannel(c *gin.Context, channel string) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not configured"})
		return
	}
	setSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	backoff := reconnectBase
	for {
		sub, err := s.bus.Subscribe(ctx, channel)
		if err != nil {
			logrus.WithError(err).WithField("channel", channel).Warn("Bus subscribe failed; backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectBase

		if !s.pumpSubscription(c, ctx, sub, heartbeat, flush) {
			sub.Close()
			return
		}
		// Subscription dropped; loop resubscribes.
		sub.Close()
	}
}

// pumpSubscription relays until the client goes away (returns false) or the
// subscription drops (returns true). Disconnected clients surface through the
// request context, which gin cancels when the connection closes.
func (s *Server) pumpSubscription(c *gin.Context, ctx context.Context, sub *bus.Subscription, heartbeat *time.Ticker, flush func()) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", `{}`)
			flush()
		case msg, ok := <-sub.Messages():
			if !ok {
				return true
			}
			c.SSEvent("event", msg.Payload)
			flush()
		}
	}
}
