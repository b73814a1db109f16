package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/policybot/knowledge"
	"github.com/fabfab/policybot/llm"
)

var ErrEmptyQuestion = errors.New("question cannot be empty")

// KnowledgeSource provides the current knowledge snapshot.
type KnowledgeSource interface {
	Snapshot(ctx context.Context) (*knowledge.Snapshot, error)
}

// Generator produces one answer for an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (llm.Result, error)
}

type Config struct {
	ContextBudget int
	Template      Template
}

// Reply is the outcome of one successful turn.
type Reply struct {
	Answer string
	Model  string
	// Sources lists the documents whose text went into the knowledge context.
	Sources []string
	// Notices carries extraction failures worth showing next to the answer.
	Notices   []string
	Truncated bool
}

type Service struct {
	knowledge KnowledgeSource
	generator Generator
	cfg       Config
	logger    *zap.Logger
}

func NewService(source KnowledgeSource, generator Generator, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = DefaultContextBudget
	}

	return &Service{
		knowledge: source,
		generator: generator,
		cfg:       cfg,
		logger:    logger,
	}
}

// Ask runs one question through the pipeline and records it in the session's
// conversation. The user message is recorded before generation starts; the
// assistant message is recorded only when generation succeeds, so a failed
// turn leaves just the question behind.
func (s *Service) Ask(ctx context.Context, sess *Session, question string) (Reply, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Reply{}, ErrEmptyQuestion
	}
	if sess == nil {
		return Reply{}, ErrSessionNotFound
	}
	if s.knowledge == nil {
		return Reply{}, fmt.Errorf("knowledge source is not configured")
	}
	if s.generator == nil {
		return Reply{}, fmt.Errorf("generator is not configured")
	}

	if !sess.begin() {
		return Reply{}, ErrSessionBusy
	}
	defer sess.end()

	sess.Conversation().Append(RoleUser, question)

	snap, err := s.knowledge.Snapshot(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("load knowledge: %w", err)
	}

	knowledgeContext := TruncateContext(snap.Context, s.cfg.ContextBudget)
	truncated := len(knowledgeContext) < len(snap.Context)
	if strings.TrimSpace(knowledgeContext) == "" {
		s.logger.Warn("knowledge context is empty; asking the model anyway",
			zap.String("session", sess.ID))
	}
	if truncated {
		s.logger.Info("knowledge context truncated",
			zap.Int("budget", s.cfg.ContextBudget),
			zap.Int("context_chars", len([]rune(snap.Context))))
	}

	prompt := s.cfg.Template.BuildPrompt(knowledgeContext, question)

	result, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		s.logger.Warn("answer generation failed", zap.String("session", sess.ID), zap.Error(err))
		return Reply{}, err
	}

	sess.Conversation().Append(RoleAssistant, result.Text)

	notices := make([]string, 0, len(snap.Extraction.Failures))
	for _, failure := range snap.Extraction.Failures {
		notices = append(notices, failure.Error())
	}

	return Reply{
		Answer:    result.Text,
		Model:     result.Model,
		Sources:   snap.SourceNames(),
		Notices:   notices,
		Truncated: truncated,
	}, nil
}
