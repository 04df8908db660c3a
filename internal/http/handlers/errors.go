// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package) and the translation of
// service errors into status and code.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes mirror common HTTP status semantics.
//   - Chat codes describe why a session refused an operation so that a UI can
//     react (disable the send button, offer a retry) without parsing messages.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "busy",
//	  "message": "a response is already being generated"
//	}
package handlers

import (
	"net/http"

	"github.com/tbourn/go-llm-chat/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Chat sessions:
	ErrCodeBusy                = "busy"
	ErrCodeSessionClosed       = "session_closed"
	ErrCodeEmptyPrompt         = "empty_prompt"
	ErrCodeNotGenerating       = "not_generating"
	ErrCodeNothingToRegenerate = "nothing_to_regenerate"
	ErrCodeNoPendingError      = "no_pending_error"
	ErrCodeNotEditable         = "not_editable"

	// Conversations and settings:
	ErrCodeEmptyConversation = "empty_conversation"
	ErrCodeInvalidSettings   = "invalid_settings"
)

var serviceErrors = []struct {
	err    error
	status int
	code   string
}{
	{services.ErrSessionNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrSessionClosed, http.StatusGone, ErrCodeSessionClosed},
	{services.ErrBusy, http.StatusConflict, ErrCodeBusy},
	{services.ErrEmptyPrompt, http.StatusBadRequest, ErrCodeEmptyPrompt},
	{services.ErrNotGenerating, http.StatusConflict, ErrCodeNotGenerating},
	{services.ErrNothingToRegenerate, http.StatusConflict, ErrCodeNothingToRegenerate},
	{services.ErrNoPendingError, http.StatusConflict, ErrCodeNoPendingError},
	{services.ErrMessageNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrNotEditable, http.StatusUnprocessableEntity, ErrCodeNotEditable},
	{services.ErrEmptyContent, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrConversationNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrEmptyConversation, http.StatusBadRequest, ErrCodeEmptyConversation},
	{services.ErrInvalidTitle, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrEmptyQuery, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrInvalidSettings, http.StatusBadRequest, ErrCodeInvalidSettings},
}
