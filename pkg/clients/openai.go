package clients

import (
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAI builds a client for any OpenAI-compatible chat completion endpoint.
func OpenAI(baseURL, apiKey, model string) (*openai.LLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_KEY is not set")
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return llm, nil
}
