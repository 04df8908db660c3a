// Package httpapi wires the HTTP transport (Gin) to the chat services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, compression and rate limiting.
package httpapi

import (
	"net/http"
	"regexp"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-llm-chat/docs"
	"github.com/tbourn/go-llm-chat/internal/config"
	"github.com/tbourn/go-llm-chat/internal/http/handlers"
	"github.com/tbourn/go-llm-chat/internal/http/middleware"
)

// Deps are the services behind the API. Cache may be nil.
type Deps struct {
	Sessions      handlers.SessionService
	Conversations handlers.ConversationService
	Settings      handlers.SettingsService
	Cache         handlers.CacheAdmin
}

// Event streams must reach the client unbuffered.
var streamPathRE = regexp.MustCompile(`/sessions/[^/]+/events$`)

var allowHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "X-LLM-API-Key",
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and returns the handlers so callers can tune them.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limit
//  6. Metrics
//  7. Rate limiter (per session, else per IP)
//  8. CORS and security headers
//  9. gzip, except event streams
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) *handlers.Handlers {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		QuietPaths: []string{"/health", "/metrics"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyBySessionOrIP(), "/health", "/metrics")
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		EnablePolicy:    true,
		NoStorePrefixes: []string{cfg.APIBasePath + "/sessions", cfg.APIBasePath + "/settings"},
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{streamPathRE.String()})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(deps.Sessions, deps.Conversations, deps.Settings, deps.Cache)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions/:id", h.GetSession)
		api.DELETE("/sessions/:id", h.DeleteSession)
		api.GET("/sessions/:id/events", h.Events)

		api.POST("/sessions/:id/messages", h.SendMessage)
		api.POST("/sessions/:id/stop", h.StopGeneration)
		api.POST("/sessions/:id/regenerate", h.Regenerate)
		api.POST("/sessions/:id/retry", h.Retry)
		api.PUT("/sessions/:id/input", h.SetInput)

		api.POST("/sessions/:id/messages/:mid/edit", h.StartEdit)
		api.PUT("/sessions/:id/edit", h.SetEditContent)
		api.DELETE("/sessions/:id/edit", h.CancelEdit)
		api.PUT("/sessions/:id/messages/:mid", h.SaveEdit)
		api.DELETE("/sessions/:id/messages/:mid", h.DeleteMessage)
		api.GET("/sessions/:id/messages/:mid/copy", h.CopyMessage)
		api.DELETE("/sessions/:id/conversation", h.ClearConversation)

		api.GET("/conversations", h.ListConversations)
		api.POST("/conversations", h.SaveConversation)
		api.GET("/conversations/search", h.SearchConversations)
		api.GET("/conversations/:id", h.GetConversation)
		api.PUT("/conversations/:id/title", h.RenameConversation)
		api.DELETE("/conversations/:id", h.DeleteConversation)

		api.GET("/settings", h.GetSettings)
		api.PATCH("/settings", h.UpdateSettings)
		api.DELETE("/settings", h.ResetSettings)

		api.GET("/cache/stats", h.CacheStats)
		api.DELETE("/cache", h.ClearCache)
	}
	return h
}

// corsMiddleware allows every origin when none is configured, otherwise
// echoes allowlisted origins.
func corsMiddleware(cc config.CORSConfig) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     allowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After", "ETag"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cc.AllowedOrigins) == 0 {
		base.AllowAllOrigins = true
		// ACAO: * even without an Origin header (simple health checks).
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(cc.AllowedOrigins))
	for _, o := range cc.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = cc.AllowedOrigins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps the request body at maxBytes using http.MaxBytesReader.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
