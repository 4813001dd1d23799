// Package search defines the web search capability used by the research
// engine and its Firecrawl and arXiv backends.
package search

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthorized means the provider rejected the configured credentials.
	ErrUnauthorized = errors.New("search provider rejected credentials")
	// ErrTimeout means Options.Timeout elapsed before the provider answered.
	ErrTimeout = errors.New("search timed out")
)

// Result is a single ranked hit. Markdown is empty when the provider could
// not extract page content.
type Result struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Markdown string `json:"markdown,omitempty"`
}

type Response struct {
	Results []Result `json:"results"`
}

// Options controls a single search call.
type Options struct {
	Timeout time.Duration
	Limit   int
	Formats []string
}

// DefaultOptions returns the per-call settings used by the research engine.
func DefaultOptions() Options {
	return Options{
		Timeout: 15 * time.Second,
		Limit:   5,
		Formats: []string{"markdown"},
	}
}

// Provider executes a query and returns ranked results.
type Provider interface {
	Search(ctx context.Context, query string, opts Options) (*Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, query string, opts Options) (*Response, error)

func (f ProviderFunc) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	return f(ctx, query, opts)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// timeoutErr marks err as ErrTimeout when the per-call deadline, not the
// caller, ended the request.
func timeoutErr(parent, call context.Context, err error) error {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}
