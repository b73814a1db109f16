package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"go.uber.org/zap"

	"github.com/fabfab/policybot/chat"
	"github.com/fabfab/policybot/knowledge"
	"github.com/fabfab/policybot/llm"
)

const maxRequestBytes = 1 << 20

// Error kinds reported next to the message in error responses.
const (
	kindInvalidRequest  = "invalid_request"
	kindSessionNotFound = "session_not_found"
	kindSessionBusy     = "session_busy"
	kindInternal        = "internal"
)

// KnowledgeBase is the part of knowledge.Base the HTTP layer needs.
type KnowledgeBase interface {
	Snapshot(ctx context.Context) (*knowledge.Snapshot, error)
	Refresh(ctx context.Context) (*knowledge.Snapshot, error)
}

// Server exposes the chat workflow over HTTP.
type Server struct {
	chat      *chat.Service
	sessions  *chat.SessionManager
	knowledge KnowledgeBase
	logger    *zap.Logger
	markdown  goldmark.Markdown
	handler   http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Answer    string   `json:"answer"`
	HTML      string   `json:"html"`
	Model     string   `json:"model"`
	Sources   []string `json:"sources"`
	Notices   []string `json:"notices"`
	Truncated bool     `json:"truncated"`
}

type transcriptMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	HTML      string    `json:"html,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type transcriptResponse struct {
	SessionID string              `json:"sessionId"`
	Messages  []transcriptMessage `json:"messages"`
}

type knowledgeDocument struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Chars  int    `json:"chars"`
	SHA256 string `json:"sha256"`
}

type knowledgeFailure struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Error  string `json:"error"`
}

type knowledgeResponse struct {
	Documents      []knowledgeDocument `json:"documents"`
	Failures       []knowledgeFailure  `json:"failures"`
	ContextChars   int                 `json:"contextChars"`
	BuiltAt        time.Time           `json:"builtAt"`
	SheetFetchedAt *time.Time          `json:"sheetFetchedAt,omitempty"`
}

// New constructs a Server around an existing chat service and session store.
func New(svc *chat.Service, sessions *chat.SessionManager, kb KnowledgeBase, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sessions == nil {
		sessions = chat.NewSessionManager()
	}

	s := &Server{
		chat:      svc,
		sessions:  sessions,
		knowledge: kb,
		logger:    logger,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/assets/", s.handleAssets)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/{id}", s.handleSession)
	mux.HandleFunc("/v1/sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("/v1/knowledge", s.handleKnowledge)
	mux.HandleFunc("/v1/knowledge/refresh", s.handleRefresh)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	sess := s.sessions.Create()
	s.logger.Info("session created", zap.String("session", sess.ID))
	s.writeJSON(w, http.StatusCreated, sessionResponse{ID: sess.ID, CreatedAt: sess.CreatedAt})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}

	id := r.PathValue("id")
	if !s.sessions.Delete(id) {
		s.writeError(w, http.StatusNotFound, kindSessionNotFound, chat.ErrSessionNotFound)
		return
	}
	s.logger.Info("session deleted", zap.String("session", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listMessages(w, r)
	case http.MethodPost:
		s.askQuestion(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet+", "+http.MethodPost)
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, kindSessionNotFound, err)
		return
	}

	msgs := sess.Conversation().Messages()
	resp := transcriptResponse{SessionID: sess.ID, Messages: make([]transcriptMessage, 0, len(msgs))}
	for _, msg := range msgs {
		item := transcriptMessage{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		}
		if msg.Role == chat.RoleAssistant {
			item.HTML = s.renderMarkdown(msg.Content)
		}
		resp.Messages = append(resp.Messages, item)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) askQuestion(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, kindSessionNotFound, err)
		return
	}

	var req askRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, kindInvalidRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	reply, err := s.chat.Ask(r.Context(), sess, req.Question)
	if err != nil {
		s.writeAskError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, askResponse{
		Answer:    reply.Answer,
		HTML:      s.renderMarkdown(reply.Answer),
		Model:     reply.Model,
		Sources:   nonNil(reply.Sources),
		Notices:   nonNil(reply.Notices),
		Truncated: reply.Truncated,
	})
}

func (s *Server) writeAskError(w http.ResponseWriter, err error) {
	var genErr *llm.GenerationError
	switch {
	case errors.Is(err, chat.ErrEmptyQuestion):
		s.writeError(w, http.StatusBadRequest, kindInvalidRequest, err)
	case errors.Is(err, chat.ErrSessionBusy):
		s.writeError(w, http.StatusConflict, kindSessionBusy, err)
	case errors.Is(err, chat.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, kindSessionNotFound, err)
	case errors.As(err, &genErr):
		status := http.StatusBadGateway
		if genErr.Kind == llm.KindRateLimited {
			status = http.StatusTooManyRequests
			w.Header().Set("Retry-After", strconv.Itoa(llm.RetryAfterSeconds))
		}
		s.logger.Warn("api error", zap.Int("status", status), zap.String("kind", string(genErr.Kind)), zap.Error(err))
		s.writeJSON(w, status, errorResponse{Error: genErr.UserMessage(), Kind: string(genErr.Kind)})
	default:
		s.writeError(w, http.StatusInternalServerError, kindInternal, err)
	}
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	snap, err := s.knowledge.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, kindInternal, fmt.Errorf("load knowledge: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, transformSnapshot(snap))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	snap, err := s.knowledge.Refresh(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, kindInternal, fmt.Errorf("refresh knowledge: %w", err))
		return
	}
	s.logger.Info("knowledge refreshed on request",
		zap.Int("documents", len(snap.Extraction.Documents)),
		zap.Int("failures", len(snap.Extraction.Failures)))
	s.writeJSON(w, http.StatusOK, transformSnapshot(snap))
}

func (s *Server) renderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(text), &buf); err != nil {
		s.logger.Warn("render markdown", zap.Error(err))
		return ""
	}
	return buf.String()
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, kindInvalidRequest, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind string, err error) {
	s.logger.Warn("api error", zap.Int("status", status), zap.String("kind", kind), zap.Error(err))
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func transformSnapshot(snap *knowledge.Snapshot) knowledgeResponse {
	resp := knowledgeResponse{
		Documents:    make([]knowledgeDocument, 0, len(snap.Extraction.Documents)),
		Failures:     make([]knowledgeFailure, 0, len(snap.Extraction.Failures)),
		ContextChars: len([]rune(snap.Context)),
		BuiltAt:      snap.BuiltAt,
	}
	if !snap.SheetFetchedAt.IsZero() {
		fetched := snap.SheetFetchedAt
		resp.SheetFetchedAt = &fetched
	}

	for _, doc := range snap.Extraction.Documents {
		if strings.TrimSpace(doc.Body) == "" {
			continue
		}
		resp.Documents = append(resp.Documents, knowledgeDocument{
			Name:   doc.Name,
			Format: string(doc.Format),
			Chars:  len([]rune(doc.Body)),
			SHA256: doc.SHA256,
		})
	}
	for _, failure := range snap.Extraction.Failures {
		item := knowledgeFailure{Kind: string(failure.Kind), Source: failure.Source}
		if failure.Err != nil {
			item.Error = failure.Err.Error()
		}
		resp.Failures = append(resp.Failures, item)
	}
	return resp
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
