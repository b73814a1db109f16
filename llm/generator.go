package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Generator applies the per-turn generation policy on top of a Client: a
// single attempt on the primary model and, only when that model is not
// found, a single attempt on the fallback model. Nothing else is retried.
type Generator struct {
	client   Client
	model    string
	fallback string
	logger   *zap.Logger
}

func NewGenerator(client Client, model, fallback string, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(fallback) == strings.TrimSpace(model) {
		fallback = ""
	}

	return &Generator{
		client:   client,
		model:    model,
		fallback: fallback,
		logger:   logger,
	}
}

var errEmptyCompletion = errors.New("model returned an empty answer")

// Result is a successful completion and the model that produced it.
type Result struct {
	Text  string
	Model string
}

// Generate returns a *GenerationError on failure.
func (g *Generator) Generate(ctx context.Context, prompt string) (Result, error) {
	if g.client == nil {
		return Result{}, &GenerationError{Kind: KindOther, Model: g.model, Err: fmt.Errorf("llm client is not configured")}
	}

	text, err := g.complete(ctx, g.model, prompt)
	if err == nil {
		return Result{Text: text, Model: g.model}, nil
	}

	kind := Classify(err)
	if kind != KindModelNotFound || g.fallback == "" {
		g.logger.Warn("generation failed",
			zap.String("model", g.model),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return Result{}, &GenerationError{Kind: kind, Model: g.model, Err: err}
	}

	g.logger.Warn("model not found, trying fallback model",
		zap.String("model", g.model),
		zap.String("fallback", g.fallback),
		zap.Error(err))

	text, err = g.complete(ctx, g.fallback, prompt)
	if err != nil {
		kind = Classify(err)
		g.logger.Warn("fallback generation failed",
			zap.String("model", g.fallback),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return Result{}, &GenerationError{Kind: kind, Model: g.fallback, Err: err}
	}
	return Result{Text: text, Model: g.fallback}, nil
}

// complete rejects blank completions so they never reach the transcript.
func (g *Generator) complete(ctx context.Context, model, prompt string) (string, error) {
	text, err := g.client.Generate(ctx, model, prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", errEmptyCompletion
	}
	return text, nil
}
