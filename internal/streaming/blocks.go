// Package streaming implements the chunk-level machinery of the pipeline:
// the block state machine that groups deltas, the bounded queues that bridge
// pipeline stages, and the converters between normalized chunks and
// Anthropic SSE events.
package streaming

import "fmt"

// BlockKind distinguishes the three delta groupings in a stream.
type BlockKind string

const (
	BlockContent  BlockKind = "content"
	BlockToolCall BlockKind = "tool_call"
	BlockThinking BlockKind = "thinking"
)

// Block is a maximal run of same-kind deltas within one streaming response.
// Tool-call blocks are keyed by (transaction id, index) so concurrent
// requests can never share a buffer.
type Block struct {
	Kind BlockKind

	// tool_call only
	Index     int
	ID        string
	Name      string
	Arguments string

	// content / thinking
	Text string

	// thinking only
	Signature string
	Redacted  string

	Complete bool
}

func newContentBlock() *Block {
	return &Block{Kind: BlockContent, Index: -1}
}

func newThinkingBlock() *Block {
	return &Block{Kind: BlockThinking, Index: -1}
}

func newToolCallBlock(index int) *Block {
	return &Block{Kind: BlockToolCall, Index: index}
}

// Key identifies a tool-call block across the process: transaction id plus
// the in-response tool index.
func (b *Block) Key(transactionID string) string {
	return fmt.Sprintf("%s:%d", transactionID, b.Index)
}

// appendToolFragment folds one tool-call delta fragment into the block.
// ID and name are set once by the first fragment that carries them;
// argument JSON concatenates across fragments.
func (b *Block) appendToolFragment(id, name, args string) {
	if b.ID == "" && id != "" {
		b.ID = id
	}
	if b.Name == "" && name != "" {
		b.Name = name
	}
	b.Arguments += args
}
