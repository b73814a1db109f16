package llm

import (
	"context"
	"fmt"

	"github.com/fabfab/policybot/config"
)

// Client sends one prompt as a single user-role message and returns the
// completion text. Failures should wrap a *StatusError when the provider
// reported an HTTP status.
type Client interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

type Options struct {
	Provider string

	GeminiAPIKey  string
	GeminiBaseURL string
	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewClient(ctx context.Context, cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiBaseURL: cfg.GeminiBaseURL,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderGemini:
		if opts.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider selected but GEMINI_API_KEY not set")
		}
		return NewGeminiClient(ctx, opts)
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}
