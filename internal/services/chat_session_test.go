package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-llm-chat/internal/cache"
	"github.com/tbourn/go-llm-chat/internal/domain"
	"github.com/tbourn/go-llm-chat/internal/llm"
	"github.com/tbourn/go-llm-chat/internal/store"
)

// ----- Fakes -----

type replyFunc func(ctx context.Context, call int, req llm.ChatRequest) (io.ReadCloser, error)

type fakeLLM struct {
	mu    sync.Mutex
	reqs  []llm.ChatRequest
	reply replyFunc
}

func (f *fakeLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	n := len(f.reqs)
	f.mu.Unlock()
	return f.reply(ctx, n, req)
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeLLM) last() llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeMetrics struct {
	mu        sync.Mutex
	completed int
	errors    int
	lookups   []bool
	lastResp  int
}

func (m *fakeMetrics) RecordMetrics(_, responseLength int, _, _ time.Duration, _ float64) {
	m.mu.Lock()
	m.completed++
	m.lastResp = responseLength
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordCacheLookup(hit bool) {
	m.mu.Lock()
	m.lookups = append(m.lookups, hit)
	m.mu.Unlock()
}

func (m *fakeMetrics) errorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors
}

type fakeNotifier struct {
	mu     sync.Mutex
	toasts []Toast
}

func (n *fakeNotifier) ShowToast(msg string, level ToastLevel) {
	n.mu.Lock()
	n.toasts = append(n.toasts, Toast{Message: msg, Level: level})
	n.mu.Unlock()
}

func (n *fakeNotifier) has(msg string, level ToastLevel) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.toasts {
		if t.Message == msg && t.Level == level {
			return true
		}
	}
	return false
}

func frame(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": content}}},
	})
	return "data: " + string(b) + "\n\n"
}

func sseBody(deltas ...string) io.ReadCloser {
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(frame(d))
	}
	b.WriteString("data: [DONE]\n\n")
	return io.NopCloser(strings.NewReader(b.String()))
}

func streaming(deltas ...string) replyFunc {
	return func(context.Context, int, llm.ChatRequest) (io.ReadCloser, error) {
		return sseBody(deltas...), nil
	}
}

// hangingBody writes one delta then blocks until ctx ends, like an HTTP body
// whose request was cancelled.
func hangingBody(ctx context.Context, first string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(frame(first)))
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	return pr
}

type harness struct {
	llm      *fakeLLM
	cache    *cache.Cache
	metrics  *fakeMetrics
	notifier *fakeNotifier
	convs    *ConversationService
}

func newHarness(reply replyFunc) *harness {
	lg := zerolog.Nop()
	return &harness{
		llm:      &fakeLLM{reply: reply},
		cache:    cache.NewMemory(cache.Options{Logger: &lg}),
		metrics:  &fakeMetrics{},
		notifier: &fakeNotifier{},
		convs:    NewConversationService(store.NewMemory()),
	}
}

func (h *harness) deps() SessionDeps {
	return SessionDeps{
		LLM:       h.llm,
		Cache:     h.cache,
		Notifier:  h.notifier,
		Metrics:   h.metrics,
		Persister: h.convs,
	}
}

func (h *harness) session(t *testing.T, cfg SessionConfig) *ChatSession {
	t.Helper()
	lg := zerolog.Nop()
	cfg.Logger = &lg
	s := NewChatSession("s1", h.deps(), cfg)
	t.Cleanup(s.Close)
	return s
}

func waitResult(t *testing.T, ch <-chan *TurnResult) *TurnResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
		return nil
	}
}

func roles(msgs []domain.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role[:1]
	}
	return strings.Join(out, "")
}

// ----- Tests -----

func TestSendMessage_StreamsAndAppendsAssistant(t *testing.T) {
	h := newHarness(streaming("<think>", "plan it", "</think>", "Hello", " world"))
	s := h.session(t, SessionConfig{})

	res, err := s.SendMessage(context.Background(), "  hi  ")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.Message.Content != "Hello world" {
		t.Fatalf("unexpected result %+v", res)
	}
	msgs := s.Messages()
	if roles(msgs) != "ua" || msgs[0].Content != "  hi  " {
		t.Fatalf("unexpected log %+v", msgs)
	}
	req := h.llm.last()
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("unexpected request history %+v", req.Messages)
	}
	if req.Endpoint != "http://localhost:1234" || req.Params.MaxTokens != 2048 {
		t.Fatalf("default settings not applied: %+v", req)
	}
	if s.Phase() != PhaseIdle {
		t.Fatalf("expected idle after turn, got %v", s.Phase())
	}
	st := s.State()
	if st.IsLoading || st.ResponseContent != "" || st.ThinkingContent != "" {
		t.Fatalf("live buffers must be cleared: %+v", st)
	}
	if h.metrics.completed != 1 || h.metrics.lastResp != len("Hello world") {
		t.Fatalf("metrics not recorded: %+v", h.metrics)
	}
}

func TestSendMessage_EmptyPromptIsNoop(t *testing.T) {
	h := newHarness(streaming("x"))
	s := h.session(t, SessionConfig{})

	if _, err := s.SendMessage(context.Background(), " \n\t"); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if h.llm.calls() != 0 || len(s.Messages()) != 0 {
		t.Fatal("empty prompt must not touch log or network")
	}
}

func TestSendMessage_EmptyResponseUsesFallbackAndSkipsCache(t *testing.T) {
	h := newHarness(streaming())
	s := h.session(t, SessionConfig{})

	res, err := s.SendMessage(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.Content == "" || !strings.HasPrefix(res.Message.Content, "I apologize") {
		t.Fatalf("expected fallback text, got %q", res.Message.Content)
	}
	if h.cache.Size(context.Background()) != 0 {
		t.Fatal("fallback must not be cached")
	}
}

func TestSendMessage_CacheHitReplaysWithoutNetwork(t *testing.T) {
	h := newHarness(streaming("cached", " answer"))
	first := h.session(t, SessionConfig{})
	if _, err := first.SendMessage(context.Background(), "same question"); err != nil {
		t.Fatal(err)
	}

	second := NewChatSession("s2", h.deps(), SessionConfig{})
	t.Cleanup(second.Close)
	events, cancel := second.Subscribe()
	defer cancel()

	res, err := second.SendMessage(context.Background(), "same question")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCached || res.Message.Content != "cached answer" {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.llm.calls() != 1 {
		t.Fatalf("cache hit must not call the LLM, calls=%d", h.llm.calls())
	}

	var last string
	for len(events) > 0 {
		ev := <-events
		if ev.Type == EventDelta {
			last = ev.Buffers.Response
		}
	}
	if last != "cached answer" {
		t.Fatalf("replay must reveal the full answer, last delta %q", last)
	}
	if got := h.metrics.lookups; len(got) != 2 || got[0] || !got[1] {
		t.Fatalf("unexpected cache lookups %v", got)
	}
}

func TestSendMessage_SingleInFlight(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(func(ctx context.Context, _ int, _ llm.ChatRequest) (io.ReadCloser, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return sseBody("done"), nil
	})
	s := h.session(t, SessionConfig{})
	ctx := context.Background()

	ch, err := s.SendMessageAsync(ctx, "first")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendMessage(ctx, "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := s.Regenerate(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy on regenerate, got %v", err)
	}
	if err := s.Reset(ctx, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy on reset, got %v", err)
	}
	if !s.State().IsLoading {
		t.Fatal("expected loading state")
	}
	close(release)

	res := waitResult(t, ch)
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.llm.calls() != 1 || roles(s.Messages()) != "ua" {
		t.Fatalf("rejected sends must not mutate state: calls=%d log=%s", h.llm.calls(), roles(s.Messages()))
	}
}

func TestStop_MidStreamAppendsStoppedMessage(t *testing.T) {
	h := newHarness(func(ctx context.Context, _ int, _ llm.ChatRequest) (io.ReadCloser, error) {
		return hangingBody(ctx, "partial"), nil
	})
	s := h.session(t, SessionConfig{})
	events, cancel := s.Subscribe()
	defer cancel()

	if err := s.Stop(); !errors.Is(err, ErrNotGenerating) {
		t.Fatalf("expected ErrNotGenerating when idle, got %v", err)
	}

	ch, err := s.SendMessageAsync(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for waiting := true; waiting; {
		select {
		case ev := <-events:
			waiting = ev.Type != EventDelta
		case <-deadline:
			t.Fatal("no delta received")
		}
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	res := waitResult(t, ch)
	if res.Outcome != OutcomeStopped || res.Message.Content != StoppedMessage {
		t.Fatalf("unexpected result %+v", res)
	}
	if s.PendingError() != nil {
		t.Fatal("stop must not leave a pending error")
	}
	if h.metrics.errorCount() != 0 {
		t.Fatal("stop must not count as an error")
	}
	if !h.notifier.has("Generation stopped", ToastInfo) {
		t.Fatal("expected stop toast")
	}
	if h.cache.Size(context.Background()) != 0 {
		t.Fatal("partial answer must not be cached")
	}
}

func TestTimeout_IsRetryableError(t *testing.T) {
	h := newHarness(func(ctx context.Context, call int, _ llm.ChatRequest) (io.ReadCloser, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return sseBody("recovered"), nil
	})
	s := h.session(t, SessionConfig{RequestTimeout: 20 * time.Millisecond})

	res, err := s.SendMessage(context.Background(), "slow")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed || res.Message.Content != "Error: "+timedOutDetail {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Classification == nil || res.Classification.Kind != llm.KindTimeout {
		t.Fatalf("unexpected classification %+v", res.Classification)
	}
	p := s.PendingError()
	if p == nil || p.MessageID != res.Message.ID || p.UserMessage.Content != "slow" {
		t.Fatalf("unexpected pending error %+v", p)
	}
	if h.metrics.errorCount() != 1 {
		t.Fatal("expected one error recorded")
	}
}

func TestTimeout_BoundsHeadersNotTheStream(t *testing.T) {
	deltas := []string{"one", " two", " three", " four", " five", " six"}
	h := newHarness(func(ctx context.Context, _ int, _ llm.ChatRequest) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			for _, d := range deltas {
				select {
				case <-ctx.Done():
					_ = pw.CloseWithError(ctx.Err())
					return
				case <-time.After(40 * time.Millisecond):
				}
				if _, err := pw.Write([]byte(frame(d))); err != nil {
					return
				}
			}
			_, _ = pw.Write([]byte("data: [DONE]\n\n"))
			_ = pw.Close()
		}()
		return pr, nil
	})
	s := h.session(t, SessionConfig{RequestTimeout: 100 * time.Millisecond})

	res, err := s.SendMessage(context.Background(), "long answer please")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted || res.Message.Content != "one two three four five six" {
		t.Fatalf("stream past the header deadline must complete, got %+v", res)
	}
	if s.PendingError() != nil || h.metrics.errorCount() != 0 {
		t.Fatal("no error expected")
	}
}

func TestRetry_ReplacesFailedReply(t *testing.T) {
	h := newHarness(func(_ context.Context, call int, _ llm.ChatRequest) (io.ReadCloser, error) {
		if call == 1 {
			return nil, &llm.HTTPError{StatusCode: 503, Body: "overloaded"}
		}
		return sseBody("second time lucky"), nil
	})
	s := h.session(t, SessionConfig{})
	ctx := context.Background()

	res, _ := s.SendMessage(ctx, "please")
	if res.Outcome != OutcomeFailed || !strings.HasPrefix(res.Message.Content, "Error: HTTP error! status: 503") {
		t.Fatalf("unexpected failure %+v", res)
	}
	if !h.notifier.has(res.Classification.Message, ToastError) {
		t.Fatal("expected error toast with the classified message")
	}

	res, err := s.Retry(ctx)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("unexpected retry result %+v", res)
	}
	msgs := s.Messages()
	if roles(msgs) != "uua" || msgs[1].Content != "please" || msgs[2].Content != "second time lucky" {
		t.Fatalf("unexpected log after retry %+v", msgs)
	}
	for _, m := range msgs {
		if strings.HasPrefix(m.Content, "Error:") {
			t.Fatal("failed reply must be removed by retry")
		}
	}
	if s.PendingError() != nil {
		t.Fatal("retry consumes the pending error")
	}
	if _, err := s.Retry(ctx); !errors.Is(err, ErrNoPendingError) {
		t.Fatalf("expected ErrNoPendingError, got %v", err)
	}
}

func TestNonRetryableError_ClearsPending(t *testing.T) {
	h := newHarness(func(context.Context, int, llm.ChatRequest) (io.ReadCloser, error) {
		return nil, &llm.HTTPError{StatusCode: 404, Body: "nope"}
	})
	s := h.session(t, SessionConfig{})

	res, _ := s.SendMessage(context.Background(), "x")
	if res.Classification.Retryable || res.Classification.StatusCode != 404 {
		t.Fatalf("unexpected classification %+v", res.Classification)
	}
	if s.PendingError() != nil {
		t.Fatal("non-retryable failures leave no pending error")
	}
}

func TestRegenerate_ReplacesLastReply(t *testing.T) {
	h := newHarness(func(_ context.Context, call int, _ llm.ChatRequest) (io.ReadCloser, error) {
		return sseBody([]string{"", "first", "second"}[call]), nil
	})
	s := h.session(t, SessionConfig{})
	ctx := context.Background()

	if _, err := s.Regenerate(ctx); !errors.Is(err, ErrNothingToRegenerate) {
		t.Fatalf("expected ErrNothingToRegenerate, got %v", err)
	}
	if s.Phase() != PhaseIdle {
		t.Fatal("failed regenerate must release the gate")
	}

	if _, err := s.SendMessage(ctx, "q"); err != nil {
		t.Fatal(err)
	}
	// Bypass the cache so the second answer comes from the network.
	h.cache.Clear(ctx)

	res, err := s.Regenerate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.Content != "second" {
		t.Fatalf("unexpected regenerated reply %q", res.Message.Content)
	}
	msgs := s.Messages()
	if roles(msgs) != "ua" || msgs[1].Content != "second" {
		t.Fatalf("regenerate must not duplicate the user message: %+v", msgs)
	}
	if req := h.llm.last(); len(req.Messages) != 1 || req.Messages[0].Content != "q" {
		t.Fatalf("unexpected regenerate history %+v", req.Messages)
	}
}

func TestRegenerate_WithinChatTTLReplaysCachedAnswer(t *testing.T) {
	h := newHarness(streaming("only", " answer"))
	s := h.session(t, SessionConfig{})
	ctx := context.Background()

	if _, err := s.SendMessage(ctx, "q"); err != nil {
		t.Fatal(err)
	}
	res, err := s.Regenerate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCached || res.Message.Content != "only answer" {
		t.Fatalf("expected cached replay, got %+v", res)
	}
	if h.llm.calls() != 1 {
		t.Fatalf("regenerate within the TTL must not reach the model, calls=%d", h.llm.calls())
	}
	if roles(s.Messages()) != "ua" {
		t.Fatalf("unexpected log %q", roles(s.Messages()))
	}
}

func TestSaveEdit_TruncatesAndRegenerates(t *testing.T) {
	h := newHarness(func(_ context.Context, call int, _ llm.ChatRequest) (io.ReadCloser, error) {
		return sseBody("reply", string(rune('0'+call))), nil
	})
	s := h.session(t, SessionConfig{})
	ctx := context.Background()

	for _, q := range []string{"one", "two"} {
		if _, err := s.SendMessage(ctx, q); err != nil {
			t.Fatal(err)
		}
	}
	first := s.Messages()[0]

	if res, err := s.SaveEdit(ctx, first.ID, "  one  "); err != nil || res != nil {
		t.Fatalf("unchanged edit must be a no-op, got %v %v", res, err)
	}
	if h.llm.calls() != 2 {
		t.Fatal("no-op edit must not call the LLM")
	}
	if _, err := s.SaveEdit(ctx, s.Messages()[1].ID, "x"); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("expected ErrNotEditable, got %v", err)
	}

	if err := s.StartEdit(first.ID); err != nil {
		t.Fatal(err)
	}
	s.SetEditContent("uno")
	if st := s.State(); st.EditingMessageID != first.ID || st.EditContent != "uno" {
		t.Fatalf("unexpected edit state %+v", st)
	}

	res, err := s.SaveEdit(ctx, first.ID, "uno")
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.Content != "reply3" {
		t.Fatalf("unexpected reply %q", res.Message.Content)
	}
	msgs := s.Messages()
	if roles(msgs) != "ua" || msgs[0].Content != "uno" || !msgs[0].Edited ||
		msgs[0].OriginalContent == nil || *msgs[0].OriginalContent != "one" {
		t.Fatalf("unexpected log after edit %+v", msgs)
	}
	if req := h.llm.last(); len(req.Messages) != 1 || req.Messages[0].Content != "uno" {
		t.Fatalf("unexpected edit history %+v", req.Messages)
	}
	if st := s.State(); st.EditingMessageID != "" {
		t.Fatal("saving ends the edit")
	}
	if !h.notifier.has("Message edited", ToastSuccess) {
		t.Fatal("expected edit toast")
	}
}

func TestDeleteAndCopy(t *testing.T) {
	h := newHarness(streaming("answer"))
	s := h.session(t, SessionConfig{})
	ctx := context.Background()
	if _, err := s.SendMessage(ctx, "q"); err != nil {
		t.Fatal(err)
	}
	msgs := s.Messages()

	got, err := s.CopyMessage(msgs[1].ID)
	if err != nil || got != "answer" {
		t.Fatalf("CopyMessage = %q, %v", got, err)
	}
	if _, err := s.CopyMessage("missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}

	if err := s.DeleteMessage(ctx, msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	if roles(s.Messages()) != "a" {
		t.Fatalf("unexpected log after delete %s", roles(s.Messages()))
	}
	if err := s.DeleteMessage(ctx, msgs[0].ID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if !h.notifier.has("Message deleted", ToastInfo) || !h.notifier.has("Message copied to clipboard", ToastSuccess) {
		t.Fatal("expected delete and copy toasts")
	}

	cur, ok, err := h.convs.LoadCurrent(ctx, "s1")
	if err != nil || !ok || len(cur.Messages) != 1 {
		t.Fatalf("delete must persist: ok=%v err=%v cur=%+v", ok, err, cur)
	}
}

func TestInputIsClearedOnSend(t *testing.T) {
	h := newHarness(streaming("ok"))
	s := h.session(t, SessionConfig{})

	s.SetInput("typed text")
	if s.State().InputMessage != "typed text" {
		t.Fatal("input not stored")
	}
	res, err := s.SendInput(context.Background())
	if err != nil || res.Outcome != OutcomeCompleted {
		t.Fatalf("SendInput: %v %+v", err, res)
	}
	if s.State().InputMessage != "" {
		t.Fatal("input must be cleared after send")
	}
}

func TestClose_RejectsFurtherTurns(t *testing.T) {
	h := newHarness(streaming("ok"))
	s := NewChatSession("c", h.deps(), SessionConfig{})
	events, _ := s.Subscribe()

	s.Close()
	s.Close()

	if _, err := s.SendMessage(context.Background(), "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, ok := <-events; ok {
		t.Fatal("subscriptions must be closed")
	}
}
