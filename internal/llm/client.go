// Package llm provides the completion capability: a streamed sequence of
// text fragments for an ordered message list.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrStreamFailed is returned when a completion stream ends abnormally.
var ErrStreamFailed = errors.New("completion stream failed")

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// SearchDirective asks for the completion to be grounded in web results.
type SearchDirective struct {
	// Query defaults to the content of the last message when empty.
	Query string
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	Search      *SearchDirective
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for completion providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of completion provider.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderProxy      Provider = "proxy"
)

// Config selects and configures a provider.
type Config struct {
	Provider         Provider
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	ProxyURL         string
	// SiteURL and AppTitle are sent to OpenRouter for attribution.
	SiteURL  string
	AppTitle string
}

// NewClient creates a completion client for the configured provider.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropicClient(cfg.AnthropicAPIKey)
	case ProviderOpenAI:
		return NewOpenAIClient(cfg.OpenAIAPIKey)
	case ProviderOpenRouter:
		return NewOpenRouterClient(cfg.OpenRouterAPIKey, cfg.SiteURL, cfg.AppTitle)
	case ProviderProxy:
		return NewProxyClient(cfg.ProxyURL)
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

func defaultMaxTokens(n int) int {
	if n == 0 {
		return 4096
	}
	return n
}

// estimateTokens approximates a token count from text length.
func estimateTokens(s string) int {
	return len(s) / 4
}

func promptText(msgs []ChatMessage) string {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	b := make([]byte, 0, n)
	for _, m := range msgs {
		b = append(b, m.Content...)
	}
	return string(b)
}
