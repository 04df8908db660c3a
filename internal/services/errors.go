// Package services defines the business logic for chat sessions, saved
// conversations and settings. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/go-llm-chat/internal/conversation"
)

// Session errors.
var (
	// ErrSessionNotFound indicates that no live session has the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned by every operation on a disposed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrBusy is returned when a turn is requested while another is in flight.
	ErrBusy = errors.New("a response is already being generated")

	// ErrEmptyPrompt is returned when a message is blank after trimming.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrNotGenerating is returned by Stop when no turn is in flight.
	ErrNotGenerating = errors.New("no response is being generated")

	// ErrNothingToRegenerate is returned when the log holds no user/assistant
	// pair.
	ErrNothingToRegenerate = errors.New("no response to regenerate")

	// ErrNoPendingError is returned by Retry when the last turn did not fail
	// with a retryable error.
	ErrNoPendingError = errors.New("nothing to retry")
)

// Message errors, shared with the conversation log.
var (
	ErrMessageNotFound = conversation.ErrMessageNotFound
	ErrNotEditable     = conversation.ErrNotEditable
	ErrEmptyContent    = conversation.ErrEmptyContent
)

// Saved conversation and settings errors.
var (
	// ErrConversationNotFound indicates the saved conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyConversation is returned when saving a conversation without
	// messages.
	ErrEmptyConversation = errors.New("conversation has no messages")

	// ErrInvalidTitle is returned when a rename title is blank.
	ErrInvalidTitle = errors.New("title is empty")

	// ErrEmptyQuery is returned by Search for a blank query.
	ErrEmptyQuery = errors.New("search query is empty")

	// ErrInvalidSettings wraps a settings validation failure.
	ErrInvalidSettings = errors.New("invalid settings")
)
