package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("a question is already being answered in this session")
)

// Session holds one user's conversation. It lives from creation until it is
// deleted or swept for inactivity.
type Session struct {
	ID        string
	CreatedAt time.Time

	conversation *Conversation
	lastActive   atomic.Int64
	inflight     atomic.Bool
}

func NewSession() *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		conversation: NewConversation(),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *Session) Conversation() *Conversation {
	return s.conversation
}

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// begin claims the session for one turn; it reports false when another turn
// is still running.
func (s *Session) begin() bool {
	if !s.inflight.CompareAndSwap(false, true) {
		return false
	}
	s.touch()
	return true
}

func (s *Session) end() {
	s.touch()
	s.inflight.Store(false)
}

type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

func (m *SessionManager) Create() *Session {
	sess := NewSession()
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess
}

func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.touch()
	return sess, nil
}

func (m *SessionManager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Sweep discards sessions idle for longer than idle and returns how many
// were removed. Sessions with a turn in progress are kept.
func (m *SessionManager) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-idle)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sess := range m.sessions {
		if sess.inflight.Load() || sess.LastActive().After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		removed++
	}
	return removed
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SweepEvery runs Sweep every interval until ctx is cancelled.
func (m *SessionManager) SweepEvery(ctx context.Context, idle, interval time.Duration, logger *zap.Logger) {
	if idle <= 0 || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.Sweep(idle); removed > 0 {
				logger.Info("idle sessions discarded", zap.Int("removed", removed), zap.Int("remaining", m.Len()))
			}
		}
	}
}
