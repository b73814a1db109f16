package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a client for the Gemini API. GeminiBaseURL
// overrides the public endpoint.
func NewGeminiClient(ctx context.Context, opts Options) (Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      opts.GeminiAPIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: opts.GeminiBaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{client: client}, nil
}

func (c *geminiClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", geminiStatus(err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini returned no text (finish reason %q)", resp.Candidates[0].FinishReason)
	}
	return text, nil
}

// geminiStatus lifts the status code out of a genai.APIError.
func geminiStatus(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &StatusError{Code: apiErr.Code, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StatusError{Code: http.StatusGatewayTimeout, Err: err}
	}
	return err
}
