package llm

import (
	"fmt"
	"strings"
)

// NewClient constructs a provider client. baseURL is honored by the OpenAI
// provider only; the others use their SDK defaults.
func NewClient(provider, apiKey, model, baseURL string) (Client, error) {
	switch strings.TrimSpace(strings.ToLower(provider)) {
	case "anthropic":
		return NewAnthropicClient(apiKey, model)
	case "openai":
		return NewOpenAIClient(apiKey, model, baseURL)
	case "google", "gemini":
		return NewGoogleAIClient(apiKey, model)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
