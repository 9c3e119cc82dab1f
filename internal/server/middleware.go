package server

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/luthien-dev/luthien/internal/store"
)

// authMiddleware guards a route group with a static bearer key. An empty key
// disables the check.
func (s *Server) authMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		presented := bearerToken(c)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"type":    "authentication_error",
					"message": "invalid or missing API key",
				},
			})
			return
		}
		c.Next()
	}
}

// bearerToken accepts both the OpenAI and the Anthropic client conventions.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.GetHeader("x-api-key")
}

// bodyLimitMiddleware rejects oversized bodies with 413. ContentLength
// catches honest clients up front; MaxBytesReader catches the rest mid-read.
func (s *Server) bodyLimitMiddleware() gin.HandlerFunc {
	limit := s.cfg.MaxBodyBytes
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": gin.H{
					"type":    "invalid_request_error",
					"message": "request body too large",
				},
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// requestLogEnv is the environment request-log filter expressions evaluate
// against.
type requestLogEnv struct {
	Method string `expr:"Method"`
	Path   string `expr:"Path"`
	Status int    `expr:"Status"`
}

const defaultRequestLogFilter = `Path matches '^/v1/'`

// requestLogMiddleware persists inbound HTTP exchanges to request_logs.
// Which exchanges qualify is decided by an expr filter over method, path and
// status; credentials are redacted before anything is written.
func (s *Server) requestLogMiddleware() gin.HandlerFunc {
	filter := s.cfg.RequestLogFilter
	if filter == "" {
		filter = defaultRequestLogFilter
	}
	program, err := expr.Compile(filter, expr.Env(requestLogEnv{}))
	if err != nil {
		logrus.WithError(err).WithField("filter", filter).
			Warn("Request log filter failed to compile; logging disabled")
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		started := time.Now().UTC()
		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		c.Next()

		if !s.shouldLogRequest(program, c) {
			return
		}
		row := &store.RequestLog{
			TransactionID:  c.Writer.Header().Get(headerCallID),
			Direction:      "inbound",
			StartedAt:      started,
			HTTPMethod:     c.Request.Method,
			URL:            c.Request.URL.String(),
			RequestHeaders: redactHeaders(c.Request.Header),
			RequestBody:    redactBody(body),
			ResponseStatus: c.Writer.Status(),
		}
		if err := s.store.InsertRequestLog(c.Request.Context(), row); err != nil {
			logrus.WithError(err).Debug("Request log insert failed")
		}
	}
}

func (s *Server) shouldLogRequest(program *vm.Program, c *gin.Context) bool {
	out, err := expr.Run(program, requestLogEnv{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Status: c.Writer.Status(),
	})
	if err != nil {
		logrus.WithError(err).Debug("Request log filter evaluation failed")
		return false
	}
	matched, _ := out.(bool)
	return matched
}

// sensitiveHeaders are removed from persisted request logs.
var sensitiveHeaders = []string{"Authorization", "X-Api-Key", "Cookie"}

func redactHeaders(h http.Header) string {
	clean := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		clean[name] = values[0]
	}
	for _, name := range sensitiveHeaders {
		if _, ok := clean[name]; ok {
			clean[name] = "[REDACTED]"
		}
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// sensitiveBodyPaths are JSON paths scrubbed from persisted bodies.
var sensitiveBodyPaths = []string{"api_key", "metadata.api_key"}

func redactBody(body []byte) string {
	if len(body) == 0 || !json.Valid(body) {
		return "{}"
	}
	out := body
	for _, path := range sensitiveBodyPaths {
		if !gjson.GetBytes(out, path).Exists() {
			continue
		}
		if redacted, err := sjson.SetBytes(out, path, "[REDACTED]"); err == nil {
			out = redacted
		}
	}
	return string(out)
}
