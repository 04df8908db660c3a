package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation log.
//
// OriginalContent is set on the first edit only and is never overwritten, so it
// always holds the text the message was created with.
type Message struct {
	ID              string    `json:"id"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	Edited          bool      `json:"edited"`
	OriginalContent *string   `json:"original_content,omitempty"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.OriginalContent != nil {
		oc := *m.OriginalContent
		m.OriginalContent = &oc
	}
	return m
}

// ChatMessage is the role/content pair sent to the completion endpoint.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams are the sampling parameters of a completion request.
type GenerationParams struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
}

// CurrentConversation is the persisted form of a session's live log.
type CurrentConversation struct {
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SavedConversation is one entry of the saved conversation list.
type SavedConversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Model     string    `json:"model"`
	Endpoint  string    `json:"endpoint"`
}

// Settings holds the user's connection and sampling preferences.
type Settings struct {
	SelectedModel  string  `json:"selected_model"`
	CustomEndpoint string  `json:"custom_endpoint"`
	APIKey         string  `json:"api_key"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	TopP           float64 `json:"top_p"`
}

// Params extracts the generation parameters from s.
func (s Settings) Params() GenerationParams {
	return GenerationParams{Temperature: s.Temperature, MaxTokens: s.MaxTokens, TopP: s.TopP}
}

// Endpoint returns the configured base URL without a trailing slash.
func (s Settings) Endpoint() string {
	return strings.TrimRight(strings.TrimSpace(s.CustomEndpoint), "/")
}

// ConversationTitle derives a saved conversation title from its first message:
// the first max runes of its content, or "New Conversation" when empty.
func ConversationTitle(msgs []Message, max int) string {
	if len(msgs) == 0 || msgs[0].Content == "" {
		return "New Conversation"
	}
	c := msgs[0].Content
	if max > 0 && utf8.RuneCountInString(c) > max {
		return string([]rune(c)[:max])
	}
	return c
}
