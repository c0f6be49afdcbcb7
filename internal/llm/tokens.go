package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// promptTokenWarnThreshold is where the gateway starts flagging oversized
// conversations; well below most context windows so the warning is early.
const promptTokenWarnThreshold = 100_000

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateRequestTokens approximates the prompt size of a conversation.
// Uses cl100k_base when available, otherwise a bytes/4 heuristic.
func EstimateRequestTokens(messages []Message, systemPrompt string) int {
	total := estimateTokens(systemPrompt)
	for _, msg := range messages {
		for _, block := range msg.Content {
			total += estimateTokens(block.Text)
		}
		// Small per-message framing overhead.
		total += 4
	}
	return total
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}
