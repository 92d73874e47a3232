package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxAttempts is the total request budget including the first try.
const DefaultMaxAttempts = 3

// RetryDecision reports whether an attempt outcome warrants another try.
type RetryDecision func(resp *http.Response, err error) bool

// DefaultRetryable retries network-level failures, 429 and 5xx. Any other
// status, including other 4xx, is terminal.
func DefaultRetryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

// Executor issues HTTP requests with a bounded retry budget and a backoff
// policy between attempts. It is independent of the send path.
type Executor struct {
	Client      *http.Client
	MaxAttempts int
	Retryable   RetryDecision
	NewBackOff  func() backoff.BackOff
}

// NewExecutor builds an executor with the fixed 1s-delay policy.
func NewExecutor(client *http.Client) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{
		Client:      client,
		MaxAttempts: DefaultMaxAttempts,
		Retryable:   DefaultRetryable,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Second)
		},
	}
}

// Do runs the request, rebuilding it per attempt since bodies are
// single-use. Once the budget is spent the last response, whatever its
// status, is handed back for the caller to classify; only transport
// failures with no response wrap ErrRetriesExhausted.
func (e *Executor) Do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	bo := e.NewBackOff()

	for attempt := 1; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := e.Client.Do(req.WithContext(ctx))
		if !e.Retryable(resp, err) {
			return resp, err
		}

		if attempt >= e.MaxAttempts {
			if err != nil {
				return nil, fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, e.MaxAttempts, err)
			}
			return resp, nil
		}

		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			if err != nil {
				return nil, fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, attempt, err)
			}
			return nil, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
