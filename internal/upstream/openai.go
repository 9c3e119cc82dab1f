package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/protocol"
)

const (
	completionsPath = "/chat/completions"
	doneSentinel    = "[DONE]"

	// scanBufSize bounds one SSE line; chunks with large tool-argument
	// fragments can exceed bufio's 64K default.
	scanBufSize = 1 << 20
)

// OpenAIBackend talks to any OpenAI-compatible chat completion endpoint over
// plain HTTP. The wire format is already the normalized dialect, so no
// request or chunk translation happens here.
type OpenAIBackend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAIBackend builds a client for one backend. httpClient may be nil;
// the default client has no overall timeout so streams can run long.
func NewOpenAIBackend(baseURL, apiKey string, httpClient *http.Client) *OpenAIBackend {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Complete implements Client.
func (b *OpenAIBackend) Complete(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
	out := *req
	out.Stream = false
	out.StreamOptions = nil

	resp, err := b.post(ctx, &out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.ConnectionError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, protocol.BackendError(resp.StatusCode, body)
	}

	var completion protocol.ChatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, protocol.NewAPIError(protocol.ErrTypeAPI, "malformed backend response: %v", err)
	}
	return &completion, nil
}

// Stream implements Client.
func (b *OpenAIBackend) Stream(ctx context.Context, req *protocol.ChatRequest) (Stream, error) {
	out := *req
	out.Stream = true

	resp, err := b.post(ctx, &out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, protocol.BackendError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufSize)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

func (b *OpenAIBackend) post(ctx context.Context, req *protocol.ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal backend request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, protocol.ConnectionError(err)
	}
	logrus.WithFields(logrus.Fields{
		"backend": b.baseURL,
		"model":   req.Model,
		"status":  resp.StatusCode,
		"elapsed": time.Since(start),
	}).Debug("Backend request")
	return resp, nil
}

// sseStream scans an OpenAI SSE body line by line. Unparseable data lines
// are skipped with a warning; providers occasionally emit comment frames.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Recv implements Stream.
func (s *sseStream) Recv() (*protocol.ChatChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == doneSentinel {
			s.done = true
			return nil, io.EOF
		}
		var chunk protocol.ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logrus.WithError(err).Warn("Skipping unparseable stream chunk")
			continue
		}
		return &chunk, nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return nil, protocol.ConnectionError(err)
	}
	// Stream ended without [DONE]; treat as clean EOF, the pipeline
	// synthesizes block closure.
	return nil, io.EOF
}

// Close implements Stream.
func (s *sseStream) Close() error {
	return s.body.Close()
}
