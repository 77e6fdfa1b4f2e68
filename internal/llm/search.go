package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/search"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
)

// SearchClient decorates a Client with web search grounding. Requests that
// carry a SearchDirective get the results inserted as a system message
// right before the last message.
type SearchClient struct {
	Client
	provider search.Provider
	log      *logger.Logger
	now      func() time.Time
}

// WithSearch wraps client so search directives are resolved by provider.
func WithSearch(client Client, provider search.Provider, log *logger.Logger) *SearchClient {
	return &SearchClient{Client: client, provider: provider, log: log, now: time.Now}
}

func searchQuery(req *CompletionRequest) string {
	if req.Search != nil && req.Search.Query != "" {
		return req.Search.Query
	}
	if n := len(req.Messages); n > 0 {
		return req.Messages[n-1].Content
	}
	return ""
}

// Ground returns req with search context injected. Search failures are
// logged and the request proceeds without context.
func (c *SearchClient) Ground(ctx context.Context, req *CompletionRequest) *CompletionRequest {
	if req.Search == nil || c.provider == nil || len(req.Messages) == 0 {
		return req
	}

	query := searchQuery(req)
	resp, err := c.provider.Search(ctx, query)
	if err != nil {
		c.log.Warn("web search failed, continuing without context", zap.String("query", query), zap.Error(err))
		return req
	}
	if len(resp.Results) == 0 {
		return req
	}

	n := len(req.Messages)
	msgs := make([]ChatMessage, 0, n+1)
	msgs = append(msgs, req.Messages[:n-1]...)
	msgs = append(msgs, ChatMessage{Role: "system", Content: search.FormatForAI(resp, c.now())})
	msgs = append(msgs, req.Messages[n-1])

	grounded := *req
	grounded.Messages = msgs
	grounded.Search = nil
	return &grounded
}

// Complete grounds the request and forwards it.
func (c *SearchClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	return c.Client.Complete(ctx, c.Ground(ctx, req))
}

// CompleteStream grounds the request and forwards it.
func (c *SearchClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	return c.Client.CompleteStream(ctx, c.Ground(ctx, req), callback)
}
