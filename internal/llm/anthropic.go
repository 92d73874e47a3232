package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient is the Anthropic generation client.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	return &AnthropicClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Models returns candidate models in fallback order.
func (c *AnthropicClient) Models() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-haiku-20240307",
	}
}

// GenerateStream runs one streaming generation with model fallback at
// stream initiation. Once a fragment has been delivered the stream is
// non-restartable and any error is terminal.
func (c *AnthropicClient) GenerateStream(ctx context.Context, req *GenerationRequest, callback StreamCallback) (*GenerationResult, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, msg := range req.History {
		messages = append(messages, messageParam(msg.Role, msg.Content))
	}
	messages = append(messages, messageParam(string(anthropic.MessageParamRoleUser), req.Prompt))

	params := anthropic.MessageNewParams{
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{{
			Type: anthropic.F(anthropic.TextBlockParamTypeText),
			Text: anthropic.F(req.System),
		}})
	}

	var lastErr error
	for _, candidate := range candidateModels(req.Model, c.Models()) {
		params.Model = anthropic.F(candidate)

		result, emitted, err := c.pumpStream(ctx, params, candidate, callback, start)
		if err == nil {
			return result, nil
		}
		if emitted {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("all candidate models failed: %w", lastErr)
}

func (c *AnthropicClient) pumpStream(
	ctx context.Context,
	params anthropic.MessageNewParams,
	model string,
	callback StreamCallback,
	start time.Time,
) (*GenerationResult, bool, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)

	var content string
	var tokensIn, tokensOut int
	var stopReason string
	emitted := false

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case anthropic.MessageStreamEventTypeMessageStart:
			tokensIn = int(event.Message.Usage.InputTokens)
		case anthropic.MessageStreamEventTypeContentBlockDelta:
			delta, _ := event.Delta.(anthropic.ContentBlockDeltaEventDelta)
			if delta.Type == "text_delta" {
				fragment := delta.Text
				content += fragment
				emitted = true
				if err := callback(fragment); err != nil {
					return nil, emitted, err
				}
			}
		case anthropic.MessageStreamEventTypeMessageDelta:
			delta, _ := event.Delta.(anthropic.MessageDeltaEventDelta)
			stopReason = string(delta.StopReason)
			tokensOut = int(event.Usage.OutputTokens)
		}
	}

	if err := stream.Err(); err != nil {
		return nil, emitted, err
	}

	return &GenerationResult{
		Content:    content,
		Model:      model,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, emitted, nil
}

func messageParam(role, content string) anthropic.MessageParam {
	r := anthropic.MessageParamRoleUser
	if role == string(anthropic.MessageParamRoleAssistant) {
		r = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: anthropic.F(r),
		Content: anthropic.F([]anthropic.ContentBlockParamUnion{
			anthropic.TextBlockParam{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(content),
			},
		}),
	}
}
