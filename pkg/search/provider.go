package search

import (
	"fmt"
	"log/slog"

	"github.com/mikeboe/deep-research/pkg/config"
)

// FromConfig builds the provider selected by cfg.SearchProvider.
func FromConfig(cfg *config.Config) (Provider, error) {
	switch cfg.SearchProvider {
	case "", "firecrawl":
		return NewFirecrawl(cfg.FirecrawlKey, WithFirecrawlBaseURL(cfg.FirecrawlBaseURL))
	case "arxiv":
		var ocr *MistralOCR
		if cfg.MistralApiKey != "" {
			var err error
			if ocr, err = NewMistralOCR(cfg.MistralApiKey); err != nil {
				return nil, err
			}
		} else {
			slog.Info("MISTRAL_API_KEY not set, arXiv results will use abstracts only")
		}
		return NewArxiv(ocr), nil
	default:
		return nil, fmt.Errorf("unknown search provider: %s", cfg.SearchProvider)
	}
}
