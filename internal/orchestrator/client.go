package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pinegen-ai/generation-platform/internal/model"
)

// GatewayClient dispatches generation requests to the streaming gateway
// through the retrying executor.
type GatewayClient struct {
	baseURL string
	exec    *Executor
}

// NewGatewayClient creates a gateway client.
func NewGatewayClient(baseURL string, exec *Executor) *GatewayClient {
	if exec == nil {
		exec = NewExecutor(nil)
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		exec:    exec,
	}
}

// Generate posts the message history and returns the open event stream.
// Terminal non-OK responses are classified into the error taxonomy.
func (c *GatewayClient) Generate(ctx context.Context, token string, turns []model.ChatTurn) (*Stream, error) {
	body, err := json.Marshal(&model.GenerateRequest{Messages: turns})
	if err != nil {
		return nil, err
	}

	resp, err := c.exec.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/v1/generate", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyResponse(resp)
	}

	return &Stream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

func classifyResponse(resp *http.Response) error {
	var errResp model.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(raw, &errResp)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthRequired, errResp.Error)
	case http.StatusTooManyRequests:
		reason := errResp.Reason
		if reason == "" {
			reason = errResp.Error
		}
		return &QuotaExceededError{Reason: reason, ResetAt: errResp.ResetAt}
	default:
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &ValidationError{Message: errResp.Error}
		}
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, errResp.Error)
	}
}

// Stream reads framed fragments off a generate response body, strictly in
// arrival order. The sequence is finite and non-restartable.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

// Next returns the next text fragment. io.EOF signals completion and is
// only ever returned after the terminal frame; a body that ends before
// it is an aborted generation, never a success.
func (s *Stream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("%w: stream ended before terminal frame", ErrStreamAborted)
			}
			return "", fmt.Errorf("%w: %v", ErrStreamAborted, err)
		}

		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimSpace(line[len("data: "):])
		if payload == model.StreamTerminator {
			s.done = true
			return "", io.EOF
		}

		var frame model.StreamFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			// Partial or malformed frame payloads are skipped.
			continue
		}
		if frame.Text != "" {
			return frame.Text, nil
		}
	}
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}
