// Package handlers provides HTTP handler implementations for the public API.
//
// This file holds the response writers shared by the session, conversation
// and settings handlers. Every failure leaves through fail (or failService for
// service errors) so a UI always receives the same envelope:
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "busy",
//	  "message": "a response is already being generated"
//	}
//
// Server errors are logged at error level with the request-scoped logger.
// Refusals a chat UI expects during normal use (busy, rate limited, gone) are
// logged at debug so a user hammering the send button does not flood the log.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-llm-chat/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	// Echo of X-Request-ID for correlating client reports with server logs
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go)
	Code string `json:"code" example:"busy"`
	// Human-readable message, safe to show in a toast
	Message string `json:"message" example:"a response is already being generated"`
}

func fail(c *gin.Context, status int, code, msg string) {
	lg := middleware.LoggerFrom(c)
	switch {
	case status >= http.StatusInternalServerError:
		lg.Error().Int("status", status).Str("code", code).Str("message", msg).Msg("api error")
	case status == http.StatusConflict || status == http.StatusGone || status == http.StatusTooManyRequests:
		lg.Debug().Int("status", status).Str("code", code).Msg("request refused")
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail writes the error envelope from outside the package (router fallbacks,
// middleware).
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failService maps a service error onto the envelope using serviceErrors.
// Unknown errors become 500s and their text is not echoed.
func failService(c *gin.Context, err error) {
	for _, se := range serviceErrors {
		if errors.Is(err, se.err) {
			fail(c, se.status, se.code, err.Error())
			return
		}
	}
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
