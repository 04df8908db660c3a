// Settings and cache HTTP handlers.
//
//   - GET    /settings          (API key masked)
//   - PATCH  /settings          (partial update)
//   - DELETE /settings          (back to defaults)
//   - GET    /cache/stats
//   - DELETE /cache?expired=true
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-llm-chat/internal/services"
)

// GetSettings godoc
// @ID          getSettings
// @Summary     Get connection settings
// @Description The API key is never returned in clear.
// @Tags        Settings
// @Produce     json
// @Success     200  {object}  handlers.SettingsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /settings [get]
func (h *Handlers) GetSettings(c *gin.Context) {
	st, err := h.settings.Get(c.Request.Context())
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, settingsResponse(st))
}

// UpdateSettings godoc
// @ID          updateSettings
// @Summary     Update connection settings
// @Description Only the fields present are changed. An empty api_key removes the key.
// @Tags        Settings
// @Accept      json
// @Produce     json
// @Param       body  body      services.SettingsPatch  true  "Fields to change"
// @Success     200   {object}  handlers.SettingsResponse
// @Failure     400   {object}  handlers.ErrorResponse  "Invalid settings"
// @Router      /settings [patch]
func (h *Handlers) UpdateSettings(c *gin.Context) {
	var p services.SettingsPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	st, err := h.settings.Update(c.Request.Context(), p)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, settingsResponse(st))
}

// ResetSettings godoc
// @ID          resetSettings
// @Summary     Reset settings to defaults
// @Tags        Settings
// @Success     204  {string}  string  "No Content"
// @Router      /settings [delete]
func (h *Handlers) ResetSettings(c *gin.Context) {
	if err := h.settings.Reset(c.Request.Context()); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// CacheStats godoc
// @ID          cacheStats
// @Summary     Response cache statistics
// @Tags        Cache
// @Produce     json
// @Success     200  {object}  cache.Stats
// @Failure     404  {object}  handlers.ErrorResponse  "Cache disabled"
// @Router      /cache/stats [get]
func (h *Handlers) CacheStats(c *gin.Context) {
	if h.cache == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "response cache disabled")
		return
	}
	ok(c, http.StatusOK, h.cache.Stats(c.Request.Context()))
}

// ClearCache godoc
// @ID          clearCache
// @Summary     Clear the response cache
// @Description With expired=true only expired entries are removed.
// @Tags        Cache
// @Produce     json
// @Param       expired  query     bool  false  "Only remove expired entries"
// @Success     200      {object}  handlers.ClearCacheResponse
// @Failure     400      {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404      {object}  handlers.ErrorResponse  "Cache disabled"
// @Router      /cache [delete]
func (h *Handlers) ClearCache(c *gin.Context) {
	if h.cache == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "response cache disabled")
		return
	}
	expired := false
	if v := c.Query("expired"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "expired must be a boolean")
			return
		}
		expired = b
	}
	ctx := c.Request.Context()
	if expired {
		ok(c, http.StatusOK, ClearCacheResponse{Removed: h.cache.ClearExpired(ctx)})
		return
	}
	n := h.cache.Size(ctx)
	h.cache.Clear(ctx)
	ok(c, http.StatusOK, ClearCacheResponse{Removed: n})
}
