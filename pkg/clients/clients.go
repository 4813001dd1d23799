// Package clients constructs the langchaingo models used by the research
// pipeline.
package clients

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-research/pkg/config"
)

// New returns the model selected by cfg.LLMProvider.
func New(ctx context.Context, cfg *config.Config) (llms.Model, error) {
	switch cfg.LLMProvider {
	case "", "openai":
		return OpenAI(cfg.OpenAIEndpoint, cfg.OpenAIKey, cfg.Model)
	case "google":
		return GoogleAi(ctx, cfg.GoogleApiKey, ModelType(cfg.Model))
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.LLMProvider)
	}
}
