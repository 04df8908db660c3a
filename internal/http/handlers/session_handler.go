// Session HTTP handlers.
//
// This file exposes the chat orchestrator:
//   - POST   /sessions                               (create or resume)
//   - GET    /sessions/{id}                          (state snapshot)
//   - DELETE /sessions/{id}                          (dispose)
//   - POST   /sessions/{id}/messages                 (send, 202)
//   - POST   /sessions/{id}/stop | regenerate | retry
//   - PUT    /sessions/{id}/input                    (draft input)
//   - POST   /sessions/{id}/messages/{mid}/edit      (start edit)
//   - PUT    /sessions/{id}/edit                     (edit draft)
//   - DELETE /sessions/{id}/edit                     (cancel edit)
//   - PUT    /sessions/{id}/messages/{mid}           (save edit, 202)
//   - DELETE /sessions/{id}/messages/{mid}
//   - GET    /sessions/{id}/messages/{mid}/copy
//   - DELETE /sessions/{id}/conversation             (start over)
//   - GET    /sessions/{id}/events                   (SSE)
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-llm-chat/internal/services"
)

// session resolves the :id path parameter or writes the error response.
func (h *Handlers) session(c *gin.Context) (*services.ChatSession, bool) {
	s, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		failService(c, err)
		return nil, false
	}
	return s, true
}

// accepted answers 202 with the state right after a turn was started.
func accepted(c *gin.Context, s *services.ChatSession) {
	ok(c, http.StatusAccepted, s.State())
}

// CreateSession godoc
// @ID          createSession
// @Summary     Create a chat session
// @Description Creates a session, or resumes a persisted one when session_id is given. A conversation_id loads a saved conversation into it.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.CreateSessionRequest  false  "Optional session or conversation to open"
// @Success     201   {object}  services.State
// @Failure     400   {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404   {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500   {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions [post]
func (h *Handlers) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	ctx := c.Request.Context()

	var (
		s   *services.ChatSession
		err error
	)
	if id := strings.TrimSpace(req.SessionID); id != "" {
		if _, perr := uuid.Parse(id); perr != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session_id must be a UUID")
			return
		}
		s, err = h.sessions.Open(ctx, id)
	} else {
		s, err = h.sessions.Create(ctx)
	}
	if err != nil {
		failService(c, err)
		return
	}

	if convID := strings.TrimSpace(req.ConversationID); convID != "" {
		if s, err = h.sessions.LoadConversation(ctx, s.ID, convID); err != nil {
			failService(c, err)
			return
		}
	}
	ok(c, http.StatusCreated, s.State())
}

// GetSession godoc
// @ID          getSession
// @Summary     Get session state
// @Tags        Sessions
// @Produce     json
// @Param       id   path      string  true  "Session ID"
// @Success     200  {object}  services.State
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	ok(c, http.StatusOK, s.State())
}

// DeleteSession godoc
// @ID          deleteSession
// @Summary     Dispose a session
// @Description Stops any running turn, closes the event stream and forgets the current conversation.
// @Tags        Sessions
// @Param       id   path  string  true  "Session ID"
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id} [delete]
func (h *Handlers) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a message
// @Description Appends the user message and starts generating the reply. Progress is streamed on /sessions/{id}/events.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       id    path      string                       true  "Session ID"
// @Param       body  body      handlers.SendMessageRequest  true  "Message"
// @Success     202   {object}  services.State
// @Failure     400   {object}  handlers.ErrorResponse  "Empty prompt"
// @Failure     404   {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409   {object}  handlers.ErrorResponse  "A response is already being generated"
// @Router      /sessions/{id}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if _, err := s.SendMessageAsync(c.Request.Context(), req.Content); err != nil {
		failService(c, err)
		return
	}
	accepted(c, s)
}

// StopGeneration godoc
// @ID          stopGeneration
// @Summary     Stop the running turn
// @Tags        Sessions
// @Produce     json
// @Param       id   path      string  true  "Session ID"
// @Success     202  {object}  services.State
// @Failure     409  {object}  handlers.ErrorResponse  "Nothing is being generated"
// @Router      /sessions/{id}/stop [post]
func (h *Handlers) StopGeneration(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	if err := s.Stop(); err != nil {
		failService(c, err)
		return
	}
	accepted(c, s)
}

// Regenerate godoc
// @ID          regenerate
// @Summary     Regenerate the last reply
// @Tags        Sessions
// @Produce     json
// @Param       id   path      string  true  "Session ID"
// @Success     202  {object}  services.State
// @Failure     409  {object}  handlers.ErrorResponse  "Busy or nothing to regenerate"
// @Router      /sessions/{id}/regenerate [post]
func (h *Handlers) Regenerate(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	if _, err := s.RegenerateAsync(c.Request.Context()); err != nil {
		failService(c, err)
		return
	}
	accepted(c, s)
}

// Retry godoc
// @ID          retry
// @Summary     Retry the failed turn
// @Tags        Sessions
// @Produce     json
// @Param       id   path      string  true  "Session ID"
// @Success     202  {object}  services.State
// @Failure     409  {object}  handlers.ErrorResponse  "Busy or nothing to retry"
// @Router      /sessions/{id}/retry [post]
func (h *Handlers) Retry(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	if _, err := s.RetryAsync(c.Request.Context()); err != nil {
		failService(c, err)
		return
	}
	accepted(c, s)
}

// SetInput godoc
// @ID          setInput
// @Summary     Update the draft input
// @Tags        Sessions
// @Accept      json
// @Param       id    path  string                    true  "Session ID"
// @Param       body  body  handlers.SetInputRequest  true  "Draft"
// @Success     204   {string}  string  "No Content"
// @Router      /sessions/{id}/input [put]
func (h *Handlers) SetInput(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req SetInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	s.SetInput(req.Text)
	noContent(c)
}

// StartEdit godoc
// @ID          startEdit
// @Summary     Start editing a user message
// @Tags        Sessions
// @Produce     json
// @Param       id   path      string  true  "Session ID"
// @Param       mid  path      string  true  "Message ID"
// @Success     200  {object}  services.State
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Failure     422  {object}  handlers.ErrorResponse  "Only user messages can be edited"
// @Router      /sessions/{id}/messages/{mid}/edit [post]
func (h *Handlers) StartEdit(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	if err := s.StartEdit(c.Param("mid")); err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, s.State())
}

// SetEditContent godoc
// @ID          setEditContent
// @Summary     Update the edit draft
// @Tags        Sessions
// @Accept      json
// @Param       id    path  string                    true  "Session ID"
// @Param       body  body  handlers.SetInputRequest  true  "Draft"
// @Success     204   {string}  string  "No Content"
// @Router      /sessions/{id}/edit [put]
func (h *Handlers) SetEditContent(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req SetInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	s.SetEditContent(req.Text)
	noContent(c)
}

// CancelEdit godoc
// @ID          cancelEdit
// @Summary     Cancel the current edit
// @Tags        Sessions
// @Param       id   path  string  true  "Session ID"
// @Success     204  {string}  string  "No Content"
// @Router      /sessions/{id}/edit [delete]
func (h *Handlers) CancelEdit(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	s.CancelEdit()
	noContent(c)
}

// SaveEdit godoc
// @ID          saveEdit
// @Summary     Save an edited user message
// @Description Replaces the content, drops every later message and regenerates. Unchanged content only cancels the edit (200).
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       id    path      string                       true  "Session ID"
// @Param       mid   path      string                       true  "Message ID"
// @Param       body  body      handlers.EditMessageRequest  true  "New content"
// @Success     200   {object}  services.State
// @Success     202   {object}  services.State
// @Failure     404   {object}  handlers.ErrorResponse  "Message not found"
// @Failure     409   {object}  handlers.ErrorResponse  "Busy"
// @Router      /sessions/{id}/messages/{mid} [put]
func (h *Handlers) SaveEdit(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	res, err := s.SaveEditAsync(c.Request.Context(), c.Param("mid"), req.Content)
	if err != nil {
		failService(c, err)
		return
	}
	if res == nil {
		ok(c, http.StatusOK, s.State())
		return
	}
	accepted(c, s)
}

// DeleteMessage godoc
// @ID          deleteMessage
// @Summary     Delete a message
// @Tags        Sessions
// @Param       id   path  string  true  "Session ID"
// @Param       mid  path  string  true  "Message ID"
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Router      /sessions/{id}/messages/{mid} [delete]
func (h *Handlers) DeleteMessage(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	if err := s.DeleteMessage(c.Request.Context(), c.Param("mid")); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// CopyMessage godoc
// @ID          copyMessage
// @Summary     Copy a message
// @Tags        Sessions
// @Produce     json
// @Param       id   path      string  true  "Session ID"
// @Param       mid  path      string  true  "Message ID"
// @Success     200  {object}  handlers.CopyMessageResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Router      /sessions/{id}/messages/{mid}/copy [get]
func (h *Handlers) CopyMessage(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	content, err := s.CopyMessage(c.Param("mid"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, CopyMessageResponse{Content: content})
}

// ClearConversation godoc
// @ID          clearConversation
// @Summary     Start a new conversation in the session
// @Tags        Sessions
// @Param       id   path  string  true  "Session ID"
// @Success     204  {string}  string  "No Content"
// @Failure     409  {object}  handlers.ErrorResponse  "Busy"
// @Router      /sessions/{id}/conversation [delete]
func (h *Handlers) ClearConversation(c *gin.Context) {
	if err := h.sessions.NewConversation(c.Request.Context(), c.Param("id")); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// Events godoc
// @ID          sessionEvents
// @Summary     Stream session events
// @Description Server-sent events. The first event is the current state; then state, delta and toast events follow as the session changes. A ping is sent when idle.
// @Tags        Sessions
// @Produce     text/event-stream
// @Param       id   path      string  true  "Session ID"
// @Success     200  {object}  services.Event
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id}/events [get]
func (h *Handlers) Events(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	st := s.State()
	c.SSEvent(string(services.EventState), services.Event{Type: services.EventState, State: &st})
	c.Writer.Flush()

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ping := time.NewTicker(keepAlive)
	defer ping.Stop()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, open := <-events:
			if !open {
				c.SSEvent("close", gin.H{"session_id": s.ID})
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ping.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			return true
		}
	})
}
