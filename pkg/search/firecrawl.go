package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Firecrawl calls the Firecrawl search endpoint, which scrapes every hit
// and returns its content as markdown.
type Firecrawl struct {
	APIKey  string
	BaseURL string
	client  *http.Client
}

type FirecrawlOption func(*Firecrawl)

// WithFirecrawlBaseURL points the client at a self-hosted Firecrawl.
func WithFirecrawlBaseURL(baseURL string) FirecrawlOption {
	return func(f *Firecrawl) {
		if baseURL != "" {
			f.BaseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithFirecrawlHTTPClient(client *http.Client) FirecrawlOption {
	return func(f *Firecrawl) {
		f.client = client
	}
}

func NewFirecrawl(apiKey string, opts ...FirecrawlOption) (*Firecrawl, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("FIRECRAWL_KEY is not set")
	}

	f := &Firecrawl{
		APIKey:  apiKey,
		BaseURL: "https://api.firecrawl.dev",
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

type firecrawlRequest struct {
	Query         string `json:"query"`
	Limit         int    `json:"limit,omitempty"`
	Timeout       int64  `json:"timeout,omitempty"`
	ScrapeOptions struct {
		Formats []string `json:"formats,omitempty"`
	} `json:"scrapeOptions"`
}

type firecrawlResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    []struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Markdown    string `json:"markdown"`
	} `json:"data"`
}

func (f *Firecrawl) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	callCtx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	reqBody := firecrawlRequest{
		Query:   query,
		Limit:   opts.Limit,
		Timeout: opts.Timeout.Milliseconds(),
	}
	reqBody.ScrapeOptions.Formats = opts.Formats

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, f.BaseURL+"/v1/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.APIKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, timeoutErr(ctx, callCtx, fmt.Errorf("firecrawl request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, timeoutErr(ctx, callCtx, fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: firecrawl status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		slog.Error("Firecrawl returned non-200 status code", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("firecrawl status %d: %s", resp.StatusCode, string(body))
	}

	var parsed firecrawlResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal firecrawl response: %w", err)
	}
	if !parsed.Success {
		reason := parsed.Error
		if reason == "" {
			reason = "unsuccessful response without error message"
		}
		return nil, fmt.Errorf("firecrawl search failed: %s", reason)
	}

	out := &Response{Results: make([]Result, 0, len(parsed.Data))}
	for _, item := range parsed.Data {
		out.Results = append(out.Results, Result{
			URL:      item.URL,
			Title:    item.Title,
			Markdown: item.Markdown,
		})
	}
	return out, nil
}
