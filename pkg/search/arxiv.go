package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Link      []ArxivLink `xml:"link"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// Arxiv searches the arXiv export API. Abstracts become the result content;
// with an OCR scraper configured the full PDF text is used instead.
type Arxiv struct {
	BaseURL string
	OCR     *MistralOCR
	client  *http.Client
}

func NewArxiv(ocr *MistralOCR) *Arxiv {
	return &Arxiv{
		BaseURL: "https://export.arxiv.org/api/query",
		OCR:     ocr,
		client:  &http.Client{},
	}
}

func (a *Arxiv) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	maxResults := opts.Limit
	if maxResults <= 0 {
		maxResults = 5
	}

	callCtx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	params := url.Values{}
	params.Add("search_query", "all:"+query)
	params.Add("max_results", strconv.Itoa(maxResults))
	params.Add("start", "0") // Start from the first result

	apiURL := a.BaseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, timeoutErr(ctx, callCtx, fmt.Errorf("failed to make API request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, timeoutErr(ctx, callCtx, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("API returned non-200 status code", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("API returned non-200 status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var feed ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %w", err)
	}

	out := &Response{Results: make([]Result, 0, len(feed.Entry))}
	for _, entry := range feed.Entry {
		result := Result{
			URL:      strings.TrimSpace(entry.ID),
			Title:    collapseSpace(entry.Title),
			Markdown: entry.markdown(),
		}

		if a.OCR != nil {
			if pdf := entry.pdfLink(); pdf != "" {
				text, err := a.OCR.Scrape(callCtx, pdf)
				if err != nil {
					slog.Warn("Failed to scrape, using summary", "url", pdf, "error", err)
				} else {
					result.Markdown = text
				}
			}
		}

		out.Results = append(out.Results, result)
	}

	slog.Debug("arXiv search complete", "query", query, "count", len(out.Results))
	return out, nil
}

func (e ArxivEntry) pdfLink() string {
	for _, link := range e.Link {
		if link.Type == "application/pdf" {
			return link.Href
		}
	}
	return ""
}

func (e ArxivEntry) markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", collapseSpace(e.Title))
	if e.Published != "" {
		fmt.Fprintf(&sb, "Published: %s\n\n", strings.TrimSpace(e.Published))
	}
	sb.WriteString(strings.TrimSpace(e.Summary))
	return sb.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
