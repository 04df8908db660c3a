// Saved conversation HTTP handlers.
//
//   - GET    /conversations              (list, paginated, ETag support)
//   - GET    /conversations/search?q=    (ranked by best matching title or message)
//   - POST   /conversations              (save a session's conversation)
//   - GET    /conversations/{id}
//   - PUT    /conversations/{id}/title   (rename)
//   - DELETE /conversations/{id}
package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-llm-chat/internal/utils"
)

const (
	defaultPageSize    = 20
	maxPageSize        = 100
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.NormalizePage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), defaultPageSize),
		defaultPageSize, maxPageSize,
	)
}

// conversationID validates the :id path parameter.
func conversationID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return "", false
	}
	return id, true
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List saved conversations (paginated)
// @Description Newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} handlers.ListConversationsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.conversations.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}

	var newest time.Time
	out := make([]ConversationSummary, 0, len(items))
	for _, it := range items {
		if it.UpdatedAt.After(newest) {
			newest = it.UpdatedAt
		}
		out = append(out, summarize(it))
	}

	etag := fmt.Sprintf(`W/"conversations:%d:%d:%d:%d"`, page, pageSize, total, newest.UnixNano())
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: out,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// SearchConversations godoc
// @ID          searchConversations
// @Summary     Search saved conversations
// @Description Ranks conversations by the similarity of their best matching title or message to q.
// @Tags        Conversations
// @Produce     json
// @Param       q      query  string  true   "Search text"
// @Param       limit  query  int     false  "Max results"  minimum(1) maximum(50) default(10)
// @Success     200  {object}  handlers.SearchConversationsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Empty query"
// @Router      /conversations/search [get]
func (h *Handlers) SearchConversations(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	limit := utils.AtoiDefault(c.Query("limit"), defaultSearchLimit)
	if limit < 1 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	hits, err := h.conversations.Search(c.Request.Context(), q, limit)
	if err != nil {
		failService(c, err)
		return
	}
	out := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		out = append(out, SearchResult{
			Conversation: summarize(hit.Conversation),
			MessageID:    hit.MessageID,
			Snippet:      hit.Snippet,
			Score:        hit.Score,
		})
	}
	ok(c, http.StatusOK, SearchConversationsResponse{Query: q, Results: out})
}

// SaveConversation godoc
// @ID          saveConversation
// @Summary     Save a session's conversation
// @Tags        Conversations
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.SaveConversationRequest  true  "Session to save"
// @Success     201   {object}  domain.SavedConversation
// @Failure     400   {object}  handlers.ErrorResponse  "Empty conversation"
// @Failure     404   {object}  handlers.ErrorResponse  "Session not found"
// @Router      /conversations [post]
func (h *Handlers) SaveConversation(c *gin.Context) {
	var req SaveConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session_id required")
		return
	}
	conv, err := h.sessions.SaveConversation(c.Request.Context(), strings.TrimSpace(req.SessionID))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, conv)
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Get a saved conversation
// @Tags        Conversations
// @Produce     json
// @Param       id   path      string  true  "Conversation ID (UUID)"  format(uuid)
// @Success     200  {object}  domain.SavedConversation
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	id, valid := conversationID(c)
	if !valid {
		return
	}
	conv, err := h.conversations.Get(c.Request.Context(), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// RenameConversation godoc
// @ID          renameConversation
// @Summary     Rename a saved conversation
// @Tags        Conversations
// @Accept      json
// @Produce     json
// @Param       id    path      string                              true  "Conversation ID (UUID)"  format(uuid)
// @Param       body  body      handlers.RenameConversationRequest  true  "New title"
// @Success     200   {object}  handlers.ConversationSummary
// @Failure     400   {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404   {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id}/title [put]
func (h *Handlers) RenameConversation(c *gin.Context) {
	id, valid := conversationID(c)
	if !valid {
		return
	}
	var req RenameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required (1–255 chars)")
		return
	}
	conv, err := h.conversations.Rename(c.Request.Context(), id, req.Title)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, summarize(*conv))
}

// DeleteConversation godoc
// @ID          deleteConversation
// @Summary     Delete a saved conversation
// @Tags        Conversations
// @Param       id   path  string  true  "Conversation ID (UUID)"  format(uuid)
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id} [delete]
func (h *Handlers) DeleteConversation(c *gin.Context) {
	id, valid := conversationID(c)
	if !valid {
		return
	}
	if err := h.conversations.Delete(c.Request.Context(), id); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}
