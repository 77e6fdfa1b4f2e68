// Package llmtest provides a scripted completion client for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/localfirst-chat/internal/llm"
)

// Client streams a fixed list of tokens.
type Client struct {
	Tokens []string
	// Delay is waited before each token.
	Delay time.Duration
	// FailAfter, when positive, fails the stream after that many tokens.
	FailAfter int
	Err       error
	// Block makes the stream wait for ctx after the tokens are sent.
	Block bool
	// Sent, when set, receives the index of every delivered token.
	Sent chan int

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

// Requests returns the requests received so far.
func (c *Client) Requests() []llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.CompletionRequest(nil), c.requests...)
}

// Name returns the provider name.
func (c *Client) Name() string { return "fake" }

// Models returns available models.
func (c *Client) Models() []string { return []string{"fake-model"} }

// Complete returns all tokens joined.
func (c *Client) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return c.CompleteStream(ctx, req, func(string, int) error { return nil })
}

// CompleteStream delivers the scripted tokens.
func (c *Client) CompleteStream(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, *req)
	c.mu.Unlock()

	for i, tok := range c.Tokens {
		if c.FailAfter > 0 && i == c.FailAfter {
			return nil, c.failure()
		}
		if c.Delay > 0 {
			select {
			case <-time.After(c.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := callback(tok, i); err != nil {
			return nil, err
		}
		if c.Sent != nil {
			c.Sent <- i
		}
	}
	if c.FailAfter > 0 && c.FailAfter >= len(c.Tokens) {
		return nil, c.failure()
	}
	if c.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return &llm.CompletionResponse{
		Content:    strings.Join(c.Tokens, ""),
		Model:      req.Model,
		TokensOut:  len(c.Tokens),
		StopReason: "stop",
	}, nil
}

func (c *Client) failure() error {
	if c.Err != nil {
		return c.Err
	}
	return llm.ErrStreamFailed
}
