// Package tokencount estimates token usage for synthetic recorded responses
// when the backend omitted a usage frame.
package tokencount

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/luthien-dev/luthien/internal/protocol"
)

var (
	encOnce sync.Once
	enc     tokenizer.Codec
)

func codec() tokenizer.Codec {
	encOnce.Do(func() {
		// o200k covers current OpenAI and is close enough for estimation
		// elsewhere; errors fall through to the len/4 heuristic.
		c, err := tokenizer.Get(tokenizer.O200kBase)
		if err == nil {
			enc = c
		}
	})
	return enc
}

// CountText returns the token count for text, falling back to the usual
// characters/4 estimate when the tokenizer is unavailable.
func CountText(text string) int {
	if text == "" {
		return 0
	}
	if c := codec(); c != nil {
		if n, err := c.Count(text); err == nil {
			return n
		}
	}
	return len(text) / 4
}

// EstimateResponse fills in a usage estimate for a reconstructed response.
// Tool-call names and argument JSON count toward completion tokens the same
// way providers bill them.
func EstimateResponse(resp *protocol.ChatResponse) *protocol.Usage {
	if resp == nil {
		return nil
	}
	var out int
	for _, choice := range resp.Choices {
		out += CountText(choice.Message.Text())
		for _, tc := range choice.Message.ToolCalls {
			out += CountText(tc.Function.Name)
			out += CountText(tc.Function.Arguments)
		}
	}
	return &protocol.Usage{CompletionTokens: out, TotalTokens: out}
}

// EstimateRequest approximates prompt tokens for a normalized request.
func EstimateRequest(req *protocol.ChatRequest) int {
	if req == nil {
		return 0
	}
	var in int
	for _, msg := range req.Messages {
		in += CountText(msg.Text())
		for _, tc := range msg.ToolCalls {
			in += CountText(tc.Function.Name)
			in += CountText(tc.Function.Arguments)
		}
	}
	return in
}
