package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient is the OpenAI generation client.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	return &OpenAIClient{client: openai.NewClient(apiKey)}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Models returns candidate models in fallback order.
func (c *OpenAIClient) Models() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
		"gpt-3.5-turbo",
	}
}

// GenerateStream runs one streaming generation. Fallback across candidate
// models happens only at stream initiation; once fragments flow the
// sequence is non-restartable.
func (c *OpenAIClient) GenerateStream(ctx context.Context, req *GenerationRequest, callback StreamCallback) (*GenerationResult, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	var stream *openai.ChatCompletionStream
	var model string
	var initErr error

	for _, candidate := range candidateModels(req.Model, c.Models()) {
		stream, initErr = c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       candidate,
			Messages:    messages,
			MaxTokens:   maxTokens,
			Temperature: float32(req.Temperature),
			Stream:      true,
		})
		if initErr == nil {
			model = candidate
			break
		}
	}
	if stream == nil {
		return nil, fmt.Errorf("all candidate models failed: %w", initErr)
	}
	defer stream.Close()

	var content string
	var stopReason string

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if len(response.Choices) > 0 {
			delta := response.Choices[0].Delta.Content
			if delta != "" {
				content += delta
				if err := callback(delta); err != nil {
					return nil, err
				}
			}

			if response.Choices[0].FinishReason != "" {
				stopReason = string(response.Choices[0].FinishReason)
			}
		}
	}

	// OpenAI streaming doesn't report token counts; estimate from length.
	tokensIn := len(req.Prompt) / 4
	tokensOut := len(content) / 4

	return &GenerationResult{
		Content:    content,
		Model:      model,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
