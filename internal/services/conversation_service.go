// Package services – ConversationService
//
// ConversationService persists the current conversation of each session and
// the list of saved conversations. The saved list is a single document kept
// newest first and capped at Limit entries; saving past the cap drops the
// oldest.
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-llm-chat/internal/domain"
	"github.com/tbourn/go-llm-chat/internal/search"
	"github.com/tbourn/go-llm-chat/internal/store"
	"github.com/tbourn/go-llm-chat/internal/utils"
)

const (
	savedConversationsKey = "saved-conversations"
	currentKeyPrefix      = "current-conversation:"

	defaultSavedLimit = 50
	defaultTitleLen   = 50
)

// ConversationService stores current and saved conversations.
type ConversationService struct {
	Store store.Store

	// Limit caps the saved list.
	Limit int
	// TitleMaxLen caps generated and renamed titles by rune length.
	TitleMaxLen int
	Now         func() time.Time

	mu sync.Mutex
}

// NewConversationService returns a service over st with the default caps.
func NewConversationService(st store.Store) *ConversationService {
	return &ConversationService{
		Store:       st,
		Limit:       defaultSavedLimit,
		TitleMaxLen: defaultTitleLen,
		Now:         time.Now,
	}
}

// ---- current conversation ----

// LoadCurrent returns the persisted current conversation of sessionID.
func (s *ConversationService) LoadCurrent(ctx context.Context, sessionID string) (domain.CurrentConversation, bool, error) {
	var cur domain.CurrentConversation
	err := store.GetJSON(ctx, s.Store, currentKeyPrefix+sessionID, &cur)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CurrentConversation{}, false, nil
	}
	if err != nil {
		return domain.CurrentConversation{}, false, err
	}
	return cur, true, nil
}

// SaveCurrent implements Persister.
func (s *ConversationService) SaveCurrent(ctx context.Context, sessionID string, conv domain.CurrentConversation) error {
	if len(conv.Messages) == 0 {
		return s.ClearCurrent(ctx, sessionID)
	}
	return store.SetJSON(ctx, s.Store, currentKeyPrefix+sessionID, conv)
}

// ClearCurrent removes the persisted current conversation of sessionID.
func (s *ConversationService) ClearCurrent(ctx context.Context, sessionID string) error {
	return s.Store.Remove(ctx, currentKeyPrefix+sessionID)
}

// ---- saved list ----

// List returns every saved conversation, newest first.
func (s *ConversationService) List(ctx context.Context) ([]domain.SavedConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// ListPage returns one page of the saved list and its total size.
func (s *ConversationService) ListPage(ctx context.Context, page, pageSize int) ([]domain.SavedConversation, int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	all, err := s.List(ctx)
	if err != nil {
		return nil, 0, err
	}
	page, pageSize = utils.NormalizePage(page, pageSize, 20, s.limit())
	return utils.Page(all, page, pageSize), int64(len(all)), nil
}

// Save stores msgs as a new saved conversation at the head of the list.
func (s *ConversationService) Save(ctx context.Context, msgs []domain.Message, model, endpoint string) (*domain.SavedConversation, error) {
	ctx, span := otel.Tracer("services/ConversationService").Start(ctx, "Save",
		trace.WithAttributes(attribute.Int("messages", len(msgs))))
	defer span.End()

	if len(msgs) == 0 {
		return nil, ErrEmptyConversation
	}
	now := s.now()
	conv := domain.SavedConversation{
		ID:        uuid.NewString(),
		Title:     domain.ConversationTitle(msgs, s.titleLen()),
		Messages:  cloneMessages(msgs),
		CreatedAt: now,
		UpdatedAt: now,
		Model:     model,
		Endpoint:  endpoint,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	list = append([]domain.SavedConversation{conv}, list...)
	if n := s.limit(); len(list) > n {
		list = list[:n]
	}
	if err := store.SetJSON(ctx, s.Store, savedConversationsKey, list); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Get returns the saved conversation id.
func (s *ConversationService) Get(ctx context.Context, id string) (*domain.SavedConversation, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, ErrConversationNotFound
}

// SearchHit is a saved conversation matching a query. MessageID is empty
// when the title matched best.
type SearchHit struct {
	Conversation domain.SavedConversation
	MessageID    string
	Snippet      string
	Score        float64
}

// Search ranks saved conversations by their best matching title or message.
func (s *ConversationService) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	ctx, span := otel.Tracer("services/ConversationService").Start(ctx, "Search",
		trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(list))
	var docs []search.Document
	for i, c := range list {
		byID[c.ID] = i
		docs = append(docs, search.Document{Group: c.ID, Text: c.Title})
		for _, m := range c.Messages {
			docs = append(docs, search.Document{Group: c.ID, ID: m.ID, Text: m.Content})
		}
	}

	hits := search.New(docs).TopK(query, limit)
	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, SearchHit{
			Conversation: list[byID[h.Group]],
			MessageID:    h.ID,
			Snippet:      h.Snippet,
			Score:        h.Score,
		})
	}
	span.SetAttributes(attribute.Int("hits", len(out)))
	return out, nil
}

// Rename sets the title of conversation id and bumps its UpdatedAt.
func (s *ConversationService) Rename(ctx context.Context, id, title string) (*domain.SavedConversation, error) {
	title = normalizeTitle(title)
	if title == "" {
		return nil, ErrInvalidTitle
	}
	if n := s.titleLen(); utf8.RuneCountInString(title) > n {
		title = string([]rune(title)[:n])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID != id {
			continue
		}
		list[i].Title = title
		list[i].UpdatedAt = s.now()
		if err := store.SetJSON(ctx, s.Store, savedConversationsKey, list); err != nil {
			return nil, err
		}
		out := list[i]
		return &out, nil
	}
	return nil, ErrConversationNotFound
}

// Delete removes conversation id from the saved list.
func (s *ConversationService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, c := range list {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(list) {
		return ErrConversationNotFound
	}
	return store.SetJSON(ctx, s.Store, savedConversationsKey, kept)
}

func (s *ConversationService) load(ctx context.Context) ([]domain.SavedConversation, error) {
	var list []domain.SavedConversation
	err := store.GetJSON(ctx, s.Store, savedConversationsKey, &list)
	if errors.Is(err, store.ErrNotFound) {
		return []domain.SavedConversation{}, nil
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (s *ConversationService) limit() int {
	if s.Limit > 0 {
		return s.Limit
	}
	return defaultSavedLimit
}

func (s *ConversationService) titleLen() int {
	if s.TitleMaxLen > 0 {
		return s.TitleMaxLen
	}
	return defaultTitleLen
}

func (s *ConversationService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// normalizeTitle trims whitespace and collapses inner runs to one space.
func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cloneMessages(in []domain.Message) []domain.Message {
	out := make([]domain.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
