// Package handlers exposes the chat service over HTTP.
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. Chat turns run in the background;
// the endpoints that start one answer 202 with the session state and progress
// is delivered on the session's event stream.
package handlers

import (
	"context"
	"time"

	"github.com/tbourn/go-llm-chat/internal/cache"
	"github.com/tbourn/go-llm-chat/internal/domain"
	"github.com/tbourn/go-llm-chat/internal/services"
)

//
// Service contracts (context-aware)
//

// SessionService owns the live chat sessions.
type SessionService interface {
	Create(ctx context.Context) (*services.ChatSession, error)
	Open(ctx context.Context, id string) (*services.ChatSession, error)
	Get(id string) (*services.ChatSession, error)
	Delete(ctx context.Context, id string) error
	SaveConversation(ctx context.Context, id string) (*domain.SavedConversation, error)
	LoadConversation(ctx context.Context, id, convID string) (*services.ChatSession, error)
	NewConversation(ctx context.Context, id string) error
}

// ConversationService manages saved conversations.
type ConversationService interface {
	ListPage(ctx context.Context, page, pageSize int) ([]domain.SavedConversation, int64, error)
	Get(ctx context.Context, id string) (*domain.SavedConversation, error)
	Rename(ctx context.Context, id, title string) (*domain.SavedConversation, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]services.SearchHit, error)
}

// SettingsService reads and updates the connection settings.
type SettingsService interface {
	Get(ctx context.Context) (domain.Settings, error)
	Update(ctx context.Context, p services.SettingsPatch) (domain.Settings, error)
	Reset(ctx context.Context) error
}

// CacheAdmin inspects and clears the response cache.
type CacheAdmin interface {
	Stats(ctx context.Context) cache.Stats
	Size(ctx context.Context) int
	Clear(ctx context.Context)
	ClearExpired(ctx context.Context) int
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints.
type Handlers struct {
	sessions      SessionService
	conversations ConversationService
	settings      SettingsService
	cache         CacheAdmin

	// KeepAlive is the idle interval after which the event stream sends a
	// ping event.
	KeepAlive time.Duration
}

// New constructs Handlers bound to the given services. cacheAdmin may be nil
// when the response cache is disabled.
func New(sessions SessionService, conversations ConversationService, settings SettingsService, cacheAdmin CacheAdmin) *Handlers {
	return &Handlers{
		sessions:      sessions,
		conversations: conversations,
		settings:      settings,
		cache:         cacheAdmin,
		KeepAlive:     15 * time.Second,
	}
}

//
// DTOs
//

// CreateSessionRequest is the optional payload of POST /sessions.
type CreateSessionRequest struct {
	// SessionID resumes a session whose conversation was persisted earlier.
	SessionID string `json:"session_id" example:"7d0c4a4e-1c55-4b0b-9a43-5c3b0f6f1a10"`
	// ConversationID loads a saved conversation into the new session.
	ConversationID string `json:"conversation_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
}

// SendMessageRequest is the payload of POST /sessions/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required" example:"Explain goroutines in one paragraph"`
}

// SetInputRequest is the payload of PUT /sessions/{id}/input.
type SetInputRequest struct {
	Text string `json:"text" example:"Explain goroutines"`
}

// EditMessageRequest is the payload of PUT /sessions/{id}/messages/{mid}.
type EditMessageRequest struct {
	Content string `json:"content" binding:"required" example:"Explain channels instead"`
}

// CopyMessageResponse carries the content of a copied message.
type CopyMessageResponse struct {
	Content string `json:"content"`
}

// SaveConversationRequest is the payload of POST /conversations.
type SaveConversationRequest struct {
	SessionID string `json:"session_id" binding:"required" example:"7d0c4a4e-1c55-4b0b-9a43-5c3b0f6f1a10"`
}

// RenameConversationRequest is the payload of PUT /conversations/{id}/title.
type RenameConversationRequest struct {
	Title string `json:"title" binding:"required,min=1,max=255" example:"Goroutines primer"`
}

// ConversationSummary is a saved conversation without its messages.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	Model        string    `json:"model"`
	Endpoint     string    `json:"endpoint"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListConversationsResponse wraps a page of conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

// SearchResult is one saved conversation matching a search query.
type SearchResult struct {
	Conversation ConversationSummary `json:"conversation"`
	MessageID    string              `json:"message_id,omitempty"`
	Snippet      string              `json:"snippet"`
	Score        float64             `json:"score"`
}

// SearchConversationsResponse lists search results, best first.
type SearchConversationsResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// SettingsResponse is domain.Settings with the API key masked.
type SettingsResponse struct {
	SelectedModel  string  `json:"selected_model" example:"LM Studio (Local)"`
	CustomEndpoint string  `json:"custom_endpoint" example:"http://localhost:1234"`
	APIKey         string  `json:"api_key" example:"sk-****abcd"`
	HasAPIKey      bool    `json:"has_api_key"`
	Temperature    float64 `json:"temperature" example:"0.7"`
	MaxTokens      int     `json:"max_tokens" example:"2048"`
	TopP           float64 `json:"top_p" example:"0.9"`
}

// ClearCacheResponse reports how many entries a clear removed.
type ClearCacheResponse struct {
	Removed int `json:"removed"`
}

func summarize(c domain.SavedConversation) ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		Model:        c.Model,
		Endpoint:     c.Endpoint,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func settingsResponse(s domain.Settings) SettingsResponse {
	return SettingsResponse{
		SelectedModel:  s.SelectedModel,
		CustomEndpoint: s.CustomEndpoint,
		APIKey:         services.MaskAPIKey(s.APIKey),
		HasAPIKey:      s.APIKey != "",
		Temperature:    s.Temperature,
		MaxTokens:      s.MaxTokens,
		TopP:           s.TopP,
	}
}
