package orchestrator

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/agenthub-ai/agenthub/internal/llm"
)

const (
	systemMessageOverhead = 2
	perMessageOverhead    = 4
)

// estimateTokens returns the estimated token usage for a prospective request.
// When the model has no exact encoding, the cl100k_base encoding (or a
// character heuristic) approximates it; overestimation is acceptable here.
func estimateTokens(modelID string, systems, convo []llm.Message) int {
	encoder := encodingForModel(modelID)

	total := 0
	for _, msg := range systems {
		total += tokenCount(encoder, msg.Content) + systemMessageOverhead
	}
	for _, msg := range convo {
		total += messageTokens(encoder, msg)
	}
	return total
}

func messageTokens(encoder *tiktoken.Tiktoken, msg llm.Message) int {
	tokens := tokenCount(encoder, msg.Content) + perMessageOverhead

	if msg.ToolID != "" {
		tokens += tokenCount(encoder, msg.ToolID)
	}
	if msg.ToolName != "" {
		tokens += tokenCount(encoder, msg.ToolName)
	}
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			tokens += tokenCount(encoder, string(data))
		}
	}
	return tokens
}

func encodingForModel(modelID string) *tiktoken.Tiktoken {
	if encoder, err := tiktoken.EncodingForModel(modelID); err == nil {
		return encoder
	}
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil
	}
	return encoder
}

func tokenCount(encoder *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}

	// Rough heuristic: 1 token per 4 characters.
	runes := utf8.RuneCountInString(text)
	return (runes + 3) / 4
}
