package protocol

import (
	"encoding/json"
	"strings"
)

// Message roles in the normalized dialect. Ingress may also carry
// "developer", which Normalize folds into "system".
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Normalized finish reasons.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// ChatRequest is the normalized (OpenAI-shaped) chat completion request.
// Both ingress dialects converge on this representation before any policy
// sees the request.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     any             `json:"tool_choice,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *StreamOptions  `json:"stream_options,omitempty"`
	User           string          `json:"user,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// ResponseFormat is the response-format hint ("text", "json_object", ...).
type ResponseFormat struct {
	Type string `json:"type"`
}

// StreamOptions mirrors the OpenAI stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message is one conversation message. Content is either a string or an
// ordered []ContentPart; use Text to flatten it.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ContentPart is one typed element of a list-valued message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference inside a content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Text flattens the message content into a single string. List content
// concatenates its text parts in order; non-text parts are skipped.
func (m Message) Text() string {
	return flattenContent(m.Content)
}

func flattenContent(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []ContentPart:
		var b strings.Builder
		for _, p := range c {
			if p.Type == "text" || p.Type == "" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	case []any:
		// Content decoded from raw JSON arrives as []any of maps.
		var b strings.Builder
		for _, raw := range c {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			typ, _ := part["type"].(string)
			if typ == "text" || typ == "" {
				if text, ok := part["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// Tool declares one callable function in the request tool catalog.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a function tool: name, prose description and a JSON
// Schema for its arguments.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a fully assembled tool invocation on an assistant message.
// Arguments is the raw JSON-encoded argument object.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and its JSON-string arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatResponse is the normalized non-streaming response envelope.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion alternative inside a ChatResponse.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Usage carries token accounting as reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChunk is one streaming envelope. Chunks for one response share an ID
// and are never reordered by the pipeline.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice pairs a delta with its choice index and, on the final chunk
// of a block of output, the finish reason.
type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta is the partial update carried by one chunk choice. Exactly which
// fields are set determines how the stream state machine and the Anthropic
// assembler treat the chunk:
//
//   - Content: a text fragment for the current content block.
//   - ToolCalls: fragments addressed by index (id/name arrive on the first
//     fragment, argument JSON accumulates across fragments).
//   - ReasoningContent: a thinking-text fragment.
//   - ThinkingSignature: a signature attaching to the preceding thinking
//     block, possibly after text output has already begun.
//   - RedactedThinking: an opaque, already-complete redacted thinking block.
//   - BlockStart: an explicit block-open marker forwarded by the Anthropic
//     stream decoder so block boundaries survive normalization.
type Delta struct {
	Role              string          `json:"role,omitempty"`
	Content           string          `json:"content,omitempty"`
	ToolCalls         []ToolCallDelta `json:"tool_calls,omitempty"`
	ReasoningContent  string          `json:"reasoning_content,omitempty"`
	ThinkingSignature string          `json:"thinking_signature,omitempty"`
	RedactedThinking  string          `json:"redacted_thinking,omitempty"`
	BlockStart        *BlockStart     `json:"block_start,omitempty"`
}

// BlockStart marks the beginning of a provider content block inside a
// normalized chunk. Type is one of "text" or "thinking".
type BlockStart struct {
	Type string `json:"type"`
}

// ToolCallDelta is one tool-call fragment inside a streaming delta. Index
// addresses the tool call within the response; ID and the function name are
// only present on the first fragment of a call.
type ToolCallDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// Empty reports whether the delta carries no payload at all. A chunk whose
// delta is empty but whose choice has a finish reason is a finish-only chunk.
func (d Delta) Empty() bool {
	return d.Role == "" && d.Content == "" && len(d.ToolCalls) == 0 &&
		d.ReasoningContent == "" && d.ThinkingSignature == "" &&
		d.RedactedThinking == "" && d.BlockStart == nil
}

// FirstChoice returns the chunk's first choice, or nil when the chunk is a
// usage-only envelope with no choices.
func (c *ChatChunk) FirstChoice() *ChunkChoice {
	if c == nil || len(c.Choices) == 0 {
		return nil
	}
	return &c.Choices[0]
}

// Clone deep-copies the chunk so policies can mutate a copy without
// aliasing the recorded original.
func (c *ChatChunk) Clone() *ChatChunk {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		out := *c
		return &out
	}
	var out ChatChunk
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *c
		return &cp
	}
	return &out
}

// Normalize applies the ingress invariants in place: the "developer" role
// folds into "system" and the tool catalog is deduplicated by function name,
// last occurrence winning. Message order is preserved.
func (r *ChatRequest) Normalize() {
	for i := range r.Messages {
		if r.Messages[i].Role == RoleDeveloper {
			r.Messages[i].Role = RoleSystem
		}
	}
	r.Tools = dedupTools(r.Tools)
}

// dedupTools keeps the last occurrence of each function name in its original
// relative position. Some backends reject catalogs with duplicate names.
func dedupTools(tools []Tool) []Tool {
	if len(tools) < 2 {
		return tools
	}
	last := make(map[string]int, len(tools))
	for i, t := range tools {
		last[t.Function.Name] = i
	}
	// Copy rather than filter in place so callers that pass a request's own
	// tool slice do not see it mutated.
	out := make([]Tool, 0, len(tools))
	for i, t := range tools {
		if last[t.Function.Name] == i {
			out = append(out, t)
		}
	}
	return out
}
