// Package mockllm serves a small OpenAI-compatible completion API for local
// development and tests. Replies are canned and rotate round-robin; streamed
// replies are split into word chunks.
package mockllm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-llm-chat/internal/domain"
)

// DefaultModel is the single model the server advertises.
const DefaultModel = "mock-model"

// DefaultResponses are the canned replies used when Options.Responses is empty.
var DefaultResponses = []string{
	"Hello! I'm a mock AI assistant. How can I help you today?",
	"This is a simulated response from the mock LLM server.",
	"I'm here to help test your chat client!",
	"The mock server is working correctly. You can now test without a real LLM.",
}

// Options configures a Server.
type Options struct {
	Responses  []string
	ChunkDelay time.Duration // pause between streamed chunks
	Model      string
	// Thinking, when set, is streamed inside <think> tags before the reply.
	Thinking string
	Now      func() time.Time
}

// Server is the mock completion API.
type Server struct {
	opts Options
	next atomic.Uint64
}

type completionRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type chunkChoice struct {
	Index        int               `json:"index"`
	Delta        map[string]string `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// New returns a Server with defaults filled in.
func New(opts Options) *Server {
	if len(opts.Responses) == 0 {
		opts.Responses = DefaultResponses
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{opts: opts}
}

// Handler returns a gin engine serving the mock API.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
	}))
	s.Register(r)
	return r
}

// Register mounts the mock routes on r.
func (s *Server) Register(r gin.IRoutes) {
	r.GET("/", s.health)
	r.GET("/health", s.health)
	r.GET("/v1/models", s.models)
	r.POST("/v1/chat/completions", s.completions)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mock-llm-server"})
}

func (s *Server) models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{{
			"id":       s.opts.Model,
			"object":   "model",
			"created":  s.opts.Now().Unix(),
			"owned_by": "mock",
		}},
	})
}

// reply picks the next canned response.
func (s *Server) reply() string {
	i := s.next.Add(1) - 1
	return s.opts.Responses[i%uint64(len(s.opts.Responses))]
}

func (s *Server) completions(c *gin.Context) {
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	log.Debug().Bool("stream", req.Stream).Int("messages", len(req.Messages)).Msg("mock completion")

	text := s.reply()
	if !req.Stream {
		full := text
		if s.opts.Thinking != "" {
			full = "<think>" + s.opts.Thinking + "</think>" + text
		}
		c.JSON(http.StatusOK, gin.H{
			"id":      "chatcmpl-" + uuid.NewString(),
			"object":  "chat.completion",
			"created": s.opts.Now().Unix(),
			"model":   s.opts.Model,
			"choices": []gin.H{{
				"index":         0,
				"message":       domain.ChatMessage{Role: domain.RoleAssistant, Content: full},
				"finish_reason": "stop",
			}},
			"usage": gin.H{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
		})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	id := "chatcmpl-" + uuid.NewString()
	for _, piece := range s.pieces(text) {
		if !s.write(c, id, map[string]string{"content": piece}, nil) {
			return
		}
	}
	stop := "stop"
	if s.write(c, id, map[string]string{}, &stop) {
		_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
	}
}

// pieces splits text into word deltas, preceded by the thinking block.
func (s *Server) pieces(text string) []string {
	var out []string
	if s.opts.Thinking != "" {
		out = append(out, "<think>")
		out = append(out, words(s.opts.Thinking)...)
		out = append(out, "</think>")
	}
	return append(out, words(text)...)
}

func words(text string) []string {
	fields := strings.Split(text, " ")
	out := make([]string, 0, len(fields))
	for i, w := range fields {
		if i > 0 {
			w = " " + w
		}
		out = append(out, w)
	}
	return out
}

// write sends one chunk and reports whether the client is still there.
func (s *Server) write(c *gin.Context, id string, delta map[string]string, finish *string) bool {
	if s.opts.ChunkDelay > 0 {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-time.After(s.opts.ChunkDelay):
		}
	}
	if c.Request.Context().Err() != nil {
		return false
	}
	b, err := json.Marshal(chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: s.opts.Now().Unix(),
		Model:   s.opts.Model,
		Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", b); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
