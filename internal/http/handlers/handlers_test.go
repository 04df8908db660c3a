package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-llm-chat/internal/cache"
	"github.com/tbourn/go-llm-chat/internal/llm"
	"github.com/tbourn/go-llm-chat/internal/services"
	"github.com/tbourn/go-llm-chat/internal/store"
)

// ---------- fake upstream ----------

type scriptedLLM struct {
	mu    sync.Mutex
	calls int
	reply func(ctx context.Context, call int) (io.ReadCloser, error)
}

func (f *scriptedLLM) ChatStream(ctx context.Context, _ llm.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.reply(ctx, n)
}

func (f *scriptedLLM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sse(deltas ...string) io.ReadCloser {
	var b strings.Builder
	for _, d := range deltas {
		raw, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"delta": map[string]any{"content": d}}},
		})
		b.WriteString("data: " + string(raw) + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return io.NopCloser(strings.NewReader(b.String()))
}

func replyWith(deltas ...string) func(context.Context, int) (io.ReadCloser, error) {
	return func(context.Context, int) (io.ReadCloser, error) { return sse(deltas...), nil }
}

// hang streams nothing until the turn is cancelled.
func hang(ctx context.Context, _ int) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	return pr, nil
}

// ---------- fixture ----------

type fixture struct {
	r        *gin.Engine
	h        *Handlers
	sessions *services.SessionManager
	convs    *services.ConversationService
	llm      *scriptedLLM
	cache    *cache.Cache
}

func newFixture(t *testing.T, reply func(context.Context, int) (io.ReadCloser, error)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	lg := zerolog.Nop()
	up := &scriptedLLM{reply: reply}
	rc := cache.NewMemory(cache.Options{Logger: &lg})
	convs := services.NewConversationService(st)
	settings := services.NewSettingsService(st, services.DefaultSettings())
	mgr := services.NewSessionManager(services.SessionDeps{
		LLM:      up,
		Cache:    rc,
		Settings: settings,
	}, services.SessionConfig{Logger: &lg}, convs)
	t.Cleanup(mgr.CloseAll)

	h := New(mgr, convs, settings, rc)
	h.KeepAlive = 50 * time.Millisecond

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Header("X-Request-ID", "rid-test")
		c.Next()
	})
	api := r.Group("/api/v1")
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

	return &fixture{r: r, h: h, sessions: mgr, convs: convs, llm: up, cache: rc}
}

func (f *fixture) do(t *testing.T, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (body=%s)", v, err, w.Body.String())
	}
	return v
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d; want %d (body=%s)", w.Code, status, w.Body.String())
	}
	if code == "" {
		return
	}
	e := decode[ErrorResponse](t, w)
	if e.Code != code || e.RequestID != "rid-test" {
		t.Fatalf("error envelope = %+v; want code %q", e, code)
	}
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/sessions", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session = %d (%s)", w.Code, w.Body.String())
	}
	return decode[services.State](t, w).SessionID
}

// waitIdle polls the session until no turn runs and it holds n messages.
func (f *fixture) waitIdle(t *testing.T, id string, n int) services.State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := decode[services.State](t, f.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil))
		if !st.IsLoading && len(st.Messages) == n {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s not idle with %d messages: %+v", id, n, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
