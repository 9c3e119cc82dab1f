package protocol

import "encoding/json"

// Anthropic stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

// Anthropic content block types.
const (
	BlockText             = "text"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// Anthropic SSE event types.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
)

// Anthropic delta types inside content_block_delta events.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
)

// AnthropicRequest is the Anthropic Messages API request as received on the
// wire. Serialized directly to and from JSON; no SDK types leak into the
// pipeline, so policies can construct and mutate these freely.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        any                `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    any                `json:"tool_choice,omitempty"`
	Metadata      *AnthropicMetadata `json:"metadata,omitempty"`
}

// AnthropicMessage is one conversation turn. Content is either a string or
// a []AnthropicBlock (decoded from raw JSON as []any).
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Blocks returns the message content as typed blocks. String content becomes
// a single text block.
func (m AnthropicMessage) Blocks() ([]AnthropicBlock, error) {
	switch c := m.Content.(type) {
	case nil:
		return nil, nil
	case string:
		if c == "" {
			return nil, nil
		}
		return []AnthropicBlock{{Type: BlockText, Text: c}}, nil
	case []AnthropicBlock:
		return c, nil
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		var blocks []AnthropicBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return nil, err
		}
		return blocks, nil
	}
}

// AnthropicBlock is the universal content block shape shared by requests,
// responses and stream events. Which fields are populated depends on Type.
type AnthropicBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

// AnthropicTool is one tool definition in an Anthropic request.
type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// AnthropicMetadata carries per-request metadata.
type AnthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// AnthropicResponse is the non-streaming Messages API response. It doubles
// as the message skeleton inside message_start stream events.
type AnthropicResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Content      []AnthropicBlock `json:"content"`
	Model        string           `json:"model"`
	StopReason   string           `json:"stop_reason,omitempty"`
	StopSequence string           `json:"stop_sequence,omitempty"`
	Usage        *AnthropicUsage  `json:"usage,omitempty"`
}

// AnthropicUsage is token accounting in Anthropic's shape.
type AnthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// AnthropicStreamEvent is one SSE event in an Anthropic streaming response.
// The Type field selects which of the optional fields are meaningful.
type AnthropicStreamEvent struct {
	Type string `json:"type"`

	// message_start
	Message *AnthropicResponse `json:"message,omitempty"`

	// content_block_start / content_block_delta / content_block_stop
	Index        *int                  `json:"index,omitempty"`
	ContentBlock *AnthropicBlock       `json:"content_block,omitempty"`
	Delta        *AnthropicStreamDelta `json:"delta,omitempty"`

	// message_delta
	Usage *AnthropicUsage `json:"usage,omitempty"`

	// error frames surfaced mid-stream by the backend
	Error *ErrorDetail `json:"error,omitempty"`
}

// AnthropicStreamDelta is the delta object inside content_block_delta and
// message_delta events.
type AnthropicStreamDelta struct {
	Type string `json:"type,omitempty"`

	// text_delta
	Text string `json:"text,omitempty"`

	// thinking_delta / signature_delta
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// input_json_delta
	PartialJSON string `json:"partial_json,omitempty"`

	// message_delta
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// BlockIndex returns the event's block index, or -1 when absent.
func (e *AnthropicStreamEvent) BlockIndex() int {
	if e.Index == nil {
		return -1
	}
	return *e.Index
}

// FinishToStopReason maps a normalized finish reason onto Anthropic's
// stop_reason vocabulary. Unknown reasons map to end_turn.
func FinishToStopReason(finish string) string {
	switch finish {
	case FinishStop:
		return StopEndTurn
	case FinishLength:
		return StopMaxTokens
	case FinishToolCalls:
		return StopToolUse
	case FinishContentFilter:
		return StopStopSequence
	default:
		return StopEndTurn
	}
}

// StopReasonToFinish is the reverse of FinishToStopReason. Unknown stop
// reasons map to stop.
func StopReasonToFinish(stop string) string {
	switch stop {
	case StopEndTurn:
		return FinishStop
	case StopMaxTokens:
		return FinishLength
	case StopToolUse:
		return FinishToolCalls
	case StopStopSequence:
		return FinishContentFilter
	default:
		return FinishStop
	}
}
