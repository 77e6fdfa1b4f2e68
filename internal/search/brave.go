// Package search fetches web results used to ground completions.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://api.search.brave.com/res/v1/web/search"
	defaultCount     = 3
	defaultFreshness = "pw"
)

// Result is one ranked web result.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Age         string `json:"age,omitempty"`
}

// Response is the outcome of one search.
type Response struct {
	Query   string
	Results []Result
	Took    time.Duration
}

// Provider performs web searches.
type Provider interface {
	Search(ctx context.Context, query string) (*Response, error)
}

// BraveClient queries the Brave web search API.
type BraveClient struct {
	apiKey     string
	baseURL    string
	count      int
	freshness  string
	httpClient *http.Client
}

// BraveOption configures a BraveClient.
type BraveOption func(*BraveClient)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) BraveOption {
	return func(c *BraveClient) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) BraveOption {
	return func(c *BraveClient) { c.httpClient = hc }
}

// NewBraveClient creates a Brave search client.
func NewBraveClient(apiKey string, opts ...BraveOption) (*BraveClient, error) {
	if apiKey == "" {
		return nil, errors.New("Brave search API key is required")
	}
	c := &BraveClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		count:      defaultCount,
		freshness:  defaultFreshness,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type braveResponse struct {
	Query struct {
		Original string `json:"original"`
	} `json:"query"`
	Web struct {
		Results []Result `json:"results"`
	} `json:"web"`
}

// Search runs a web search for query.
func (c *BraveClient) Search(ctx context.Context, query string) (*Response, error) {
	start := time.Now()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(c.count))
	q.Set("freshness", c.freshness)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call search API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var data braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := data.Web.Results
	if len(results) > c.count {
		results = results[:c.count]
	}
	original := data.Query.Original
	if original == "" {
		original = query
	}

	return &Response{Query: original, Results: results, Took: time.Since(start)}, nil
}

func stripTags(s string) string {
	return strings.NewReplacer("<strong>", "", "</strong>", "").Replace(s)
}

// FormatForAI collapses a search response into one text block for a system
// message.
func FormatForAI(r *Response, now time.Time) string {
	if len(r.Results) == 0 {
		return fmt.Sprintf("No recent web results found for: %q. Please provide a response based on your existing knowledge.", r.Query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Current Web Search Results for %q\n", r.Query)
	fmt.Fprintf(&b, "*Search completed at %s*\n\n", now.UTC().Format(time.RFC3339))
	for i, res := range r.Results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. **%s**\n", i+1, stripTags(res.Title))
		fmt.Fprintf(&b, "   %s\n", stripTags(res.Description))
		fmt.Fprintf(&b, "   Source: %s", res.URL)
		if res.Age != "" {
			fmt.Fprintf(&b, "\n   Published: %s", res.Age)
		}
	}
	b.WriteString("\n\n**Instructions**: Based on these current web search results, provide an accurate and up-to-date response. Reference the sources when appropriate.")
	return b.String()
}
