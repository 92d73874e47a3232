// Package llm provides generation capability clients.
package llm

import (
	"context"
)

// StreamCallback is called for each text fragment during streaming.
// Returning an error aborts the stream.
type StreamCallback func(fragment string) error

// ChatMessage represents one prior conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest carries the system instruction, prior-turn history
// and the live prompt for one generation.
type GenerationRequest struct {
	System      string
	History     []ChatMessage
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// GenerationResult summarizes a completed generation.
type GenerationResult struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for generation providers. The fragment sequence
// is finite and non-restartable; callers consume it exactly once.
type Client interface {
	// GenerateStream runs one streaming generation, invoking the callback
	// per fragment in arrival order.
	GenerateStream(ctx context.Context, req *GenerationRequest, callback StreamCallback) (*GenerationResult, error)

	// Name returns the provider name.
	Name() string

	// Models returns candidate models in fallback order.
	Models() []string
}

// Provider is the type of generation provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new generation client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return NewAnthropicClient(apiKey)
	}
}

// candidateModels returns the models to attempt, requested model first.
func candidateModels(requested string, defaults []string) []string {
	if requested == "" {
		return defaults
	}
	models := []string{requested}
	for _, m := range defaults {
		if m != requested {
			models = append(models, m)
		}
	}
	return models
}
