// Package services – SessionManager
//
// SessionManager owns the live chat sessions of the process. Each session
// restores its persisted current conversation on creation and is closed on
// delete or shutdown. Saved-conversation operations that act on a live
// session (save, load, start new) are routed through here.
package services

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-llm-chat/internal/domain"
)

// SessionManager creates, tracks and closes ChatSessions.
type SessionManager struct {
	deps          SessionDeps
	cfg           SessionConfig
	conversations *ConversationService

	mu       sync.RWMutex
	sessions map[string]*ChatSession
	closed   bool
}

// NewSessionManager returns a manager whose sessions share deps and cfg.
// When conversations is set it also becomes the sessions' Persister.
func NewSessionManager(deps SessionDeps, cfg SessionConfig, conversations *ConversationService) *SessionManager {
	if conversations != nil && deps.Persister == nil {
		deps.Persister = conversations
	}
	return &SessionManager{
		deps:          deps,
		cfg:           cfg,
		conversations: conversations,
		sessions:      make(map[string]*ChatSession),
	}
}

// Create starts a session with a fresh id.
func (m *SessionManager) Create(ctx context.Context) (*ChatSession, error) {
	return m.Open(ctx, uuid.NewString())
}

// Open returns session id, creating it and restoring its persisted
// conversation when it is not live.
func (m *SessionManager) Open(ctx context.Context, id string) (*ChatSession, error) {
	ctx, span := otel.Tracer("services/SessionManager").Start(ctx, "Open",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	s := NewChatSession(id, m.deps, m.cfg)
	if m.conversations != nil {
		cur, ok, err := m.conversations.LoadCurrent(ctx, id)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("session_id", id).Msg("restore current conversation")
		case ok:
			s.restore(cur.Messages)
		}
	}
	m.sessions[id] = s
	log.Debug().Str("session_id", id).Int("messages", len(s.Messages())).Msg("session opened")
	return s, nil
}

// Get returns live session id.
func (m *SessionManager) Get(id string) (*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// IDs lists the live sessions in sorted order.
func (m *SessionManager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Delete closes session id and forgets its persisted current conversation.
func (m *SessionManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	if m.conversations != nil {
		return m.conversations.ClearCurrent(ctx, id)
	}
	return nil
}

// SaveConversation stores the log of session id in the saved list.
func (m *SessionManager) SaveConversation(ctx context.Context, id string) (*domain.SavedConversation, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if m.conversations == nil {
		return nil, ErrConversationNotFound
	}
	st := s.deps.Settings.Current(ctx)
	return m.conversations.Save(ctx, s.Messages(), st.SelectedModel, st.CustomEndpoint)
}

// LoadConversation replaces the log of session id with saved conversation
// convID.
func (m *SessionManager) LoadConversation(ctx context.Context, id, convID string) (*ChatSession, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if m.conversations == nil {
		return nil, ErrConversationNotFound
	}
	conv, err := m.conversations.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if err := s.Reset(ctx, conv.Messages); err != nil {
		return nil, err
	}
	return s, nil
}

// NewConversation clears the log of session id.
func (m *SessionManager) NewConversation(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Reset(ctx, nil)
}

// CloseAll closes every session. Later Opens fail with ErrSessionClosed.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	all := make([]*ChatSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = map[string]*ChatSession{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *ChatSession) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}
