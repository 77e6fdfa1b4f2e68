package llm

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
	"time"
)

const doneMarker = "[DONE]"

// ProxyRequest is the body accepted by the completion proxy endpoint.
type ProxyRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model"`
	NeedsSearch bool          `json:"needsSearch,omitempty"`
	SearchQuery string        `json:"searchQuery,omitempty"`
}

// ProxyChunk is one data frame of the proxy's event stream.
type ProxyChunk struct {
	Content string `json:"content,omitempty"`
	Type    string `json:"type,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProxyClient consumes a completion proxy that streams server-sent events.
type ProxyClient struct {
	url        string
	httpClient *http.Client
	models     []string
}

// NewProxyClient creates a client for the completion proxy at url.
func NewProxyClient(url string) (*ProxyClient, error) {
	if url == "" {
		return nil, errors.New("completion proxy URL is required")
	}
	return &ProxyClient{
		url:        url,
		httpClient: &http.Client{},
		models: []string{
			"meta-llama/llama-3.1-8b-instruct:free",
			"deepseek/deepseek-r1-0528-qwen3-8b:free",
			"google/gemma-3n-e4b-it:free",
		},
	}, nil
}

// Name returns the provider name.
func (c *ProxyClient) Name() string {
	return string(ProviderProxy)
}

// Models returns available models.
func (c *ProxyClient) Models() []string {
	return c.models
}

// Complete collects the whole stream into one response.
func (c *ProxyClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	return c.CompleteStream(ctx, req, func(string, int) error { return nil })
}

// CompleteStream posts the request and calls callback for every content
// frame until the end-of-stream marker. A stream that ends without the
// marker fails with ErrStreamFailed.
func (c *ProxyClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()

	body := ProxyRequest{Messages: req.Messages, Model: req.Model}
	if req.Search != nil {
		body.NeedsSearch = true
		body.SearchQuery = searchQuery(req)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: proxy returned status %d: %s", ErrStreamFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	content, index, err := readEventStream(resp.Body, callback)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	return &CompletionResponse{
		Content:    content,
		Model:      req.Model,
		TokensIn:   estimateTokens(promptText(req.Messages)),
		TokensOut:  index,
		StopReason: "stop",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func readEventStream(r io.Reader, callback StreamCallback) (string, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	index := 0

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == doneMarker {
			return content.String(), index, nil
		}

		var chunk ProxyChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return content.String(), index, fmt.Errorf("%w: %s", ErrStreamFailed, chunk.Error)
		}
		if chunk.Content == "" {
			continue
		}
		content.WriteString(chunk.Content)
		if err := callback(chunk.Content, index); err != nil {
			return content.String(), index, err
		}
		index++
	}

	if err := scanner.Err(); err != nil {
		return content.String(), index, fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}
	return content.String(), index, fmt.Errorf("%w: stream ended without %s", ErrStreamFailed, doneMarker)
}
