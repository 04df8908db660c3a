// Package services – ChatSession
//
// This file implements ChatSession, the orchestrator that drives one chat
// turn at a time: it appends the user message, consults the response cache,
// streams the completion through the SSE parser into live buffers and
// finalizes the assistant reply. Failures are converted into an assistant
// error message plus a toast; retryable ones are kept as the pending error for
// a one-shot Retry.
//
// A session owns its conversation log, live buffers and per-turn cancel
// handle. Exactly one turn is in flight at a time; the gate is an atomic phase
// word, so a second SendMessage/Regenerate/Retry/SaveEdit returns ErrBusy
// without touching the log or the network.
//
// Observability: each turn runs inside an OpenTelemetry span and reports its
// outcome to the MetricsSink.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-llm-chat/internal/cache"
	"github.com/tbourn/go-llm-chat/internal/conversation"
	"github.com/tbourn/go-llm-chat/internal/domain"
	"github.com/tbourn/go-llm-chat/internal/llm"
	"github.com/tbourn/go-llm-chat/internal/stream"
)

// Phase is the orchestrator state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
	PhaseFinalizing
	PhaseCancelled
	PhaseFailed
)

var phaseNames = [...]string{"idle", "sending", "streaming", "finalizing", "cancelled", "failed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Fixed user-visible texts.
const (
	StoppedMessage = "Generation stopped by user."
	timedOutDetail = "Request timed out. Please try again."

	toastStopped        = "Generation stopped"
	toastNoRegenerate   = "No response to regenerate"
	toastEdited         = "Message edited"
	toastDeleted        = "Message deleted"
	toastCopied         = "Message copied to clipboard"
	defaultTimeout      = 30 * time.Second
	defaultEventBacklog = 256
)

// ToastLevel is the severity of a notification.
type ToastLevel string

const (
	ToastSuccess ToastLevel = "success"
	ToastError   ToastLevel = "error"
	ToastInfo    ToastLevel = "info"
)

// Toast is a transient notification.
type Toast struct {
	Message string     `json:"message"`
	Level   ToastLevel `json:"level"`
}

// Completer opens a streamed chat completion.
type Completer interface {
	ChatStream(ctx context.Context, req llm.ChatRequest) (io.ReadCloser, error)
}

// ResponseCache short-circuits identical requests. Implementations must not
// fail; a problem is a miss.
type ResponseCache interface {
	Get(ctx context.Context, endpoint string, msgs []domain.ChatMessage, p domain.GenerationParams) (cache.Value, bool)
	Set(ctx context.Context, endpoint string, msgs []domain.ChatMessage, p domain.GenerationParams, content string, ttl time.Duration)
}

// Notifier receives toasts in addition to the session's event stream.
type Notifier interface {
	ShowToast(message string, level ToastLevel)
}

// MetricsSink receives per-turn outcome metrics.
type MetricsSink interface {
	RecordMetrics(promptLength, responseLength int, totalTime, firstTokenLatency time.Duration, tokensPerSecond float64)
	RecordError()
}

// cacheLookupRecorder is optionally implemented by a MetricsSink.
type cacheLookupRecorder interface {
	RecordCacheLookup(hit bool)
}

// Persister saves the current conversation after every mutation.
type Persister interface {
	SaveCurrent(ctx context.Context, sessionID string, conv domain.CurrentConversation) error
}

// SettingsSource supplies the connection and sampling settings of each turn.
type SettingsSource interface {
	Current(ctx context.Context) domain.Settings
}

// StaticSettings is a fixed SettingsSource.
type StaticSettings domain.Settings

// Current returns s.
func (s StaticSettings) Current(context.Context) domain.Settings { return domain.Settings(s) }

type nopMetrics struct{}

func (nopMetrics) RecordMetrics(int, int, time.Duration, time.Duration, float64) {}
func (nopMetrics) RecordError()                                                  {}

// PendingError is the most recent retryable failure.
type PendingError struct {
	MessageID      string
	UserMessage    domain.Message
	Err            error
	Classification llm.Classification
}

// PendingErrorView is the serializable form of PendingError.
type PendingErrorView struct {
	MessageID   string         `json:"message_id"`
	UserMessage domain.Message `json:"user_message"`
	Error       string         `json:"error"`
	Kind        llm.Kind       `json:"kind"`
	Retryable   bool           `json:"retryable"`
}

// State is the snapshot consumed by UIs.
type State struct {
	SessionID        string            `json:"session_id"`
	Phase            string            `json:"phase"`
	InputMessage     string            `json:"input_message"`
	IsLoading        bool              `json:"is_loading"`
	IsThinking       bool              `json:"is_thinking"`
	ThinkingContent  string            `json:"thinking_content"`
	ResponseContent  string            `json:"response_content"`
	EditingMessageID string            `json:"editing_message_id,omitempty"`
	EditContent      string            `json:"edit_content,omitempty"`
	LastError        *PendingErrorView `json:"last_error,omitempty"`
	Messages         []domain.Message  `json:"messages"`
}

// EventType tags session events.
type EventType string

const (
	EventState EventType = "state"
	EventDelta EventType = "delta"
	EventToast EventType = "toast"
)

// Event is pushed to subscribers.
type Event struct {
	Type    EventType       `json:"type"`
	State   *State          `json:"state,omitempty"`
	Buffers *stream.Buffers `json:"buffers,omitempty"`
	Toast   *Toast          `json:"toast,omitempty"`
}

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCached    Outcome = "cached"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFailed    Outcome = "failed"
)

// TurnResult describes a finished turn. Message is the assistant message the
// turn appended.
type TurnResult struct {
	Outcome        Outcome             `json:"outcome"`
	Message        domain.Message      `json:"message"`
	Err            error               `json:"-"`
	Classification *llm.Classification `json:"classification,omitempty"`
}

// SessionConfig tunes a ChatSession. Zero values take defaults.
type SessionConfig struct {
	// RequestTimeout bounds the wait for the response headers of a turn.
	RequestTimeout time.Duration
	// WordDelay paces the replay of cached answers; zero replays at once.
	WordDelay time.Duration
	// CacheTTL is the lifetime of stored completions.
	CacheTTL time.Duration
	// Model is sent as the request's model field when set.
	Model string
	// EventBacklog is the per-subscriber channel size.
	EventBacklog int
	Logger       *zerolog.Logger
	Now          func() time.Time
}

// SessionDeps are the collaborators of a ChatSession. LLM and Settings are
// required.
type SessionDeps struct {
	LLM       Completer
	Cache     ResponseCache
	Settings  SettingsSource
	Notifier  Notifier
	Metrics   MetricsSink
	Persister Persister
}

type turn struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
}

type turnSpec struct {
	kind    string
	user    domain.Message
	history []domain.ChatMessage
}

// ChatSession orchestrates the turns of one conversation.
type ChatSession struct {
	ID string

	deps SessionDeps
	cfg  SessionConfig
	lg   zerolog.Logger
	conv *conversation.Log

	phase atomic.Int32
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	input   string
	buffers stream.Buffers
	pending *PendingError
	turn    *turn

	subsMu     sync.Mutex
	subs       map[chan Event]struct{}
	subsClosed bool
}

// NewChatSession returns an idle session with an empty log.
func NewChatSession(id string, deps SessionDeps, cfg SessionConfig) *ChatSession {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.WordDelay < 0 {
		cfg.WordDelay = 0
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultChatTTL
	}
	if cfg.EventBacklog <= 0 {
		cfg.EventBacklog = defaultEventBacklog
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Settings == nil {
		deps.Settings = StaticSettings(DefaultSettings())
	}
	lg := log.Logger
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	return &ChatSession{
		ID:   id,
		deps: deps,
		cfg:  cfg,
		lg:   lg.With().Str("session_id", id).Logger(),
		conv: conversation.New(),
		subs: make(map[chan Event]struct{}),
	}
}

// SendMessage appends text as a user message and runs a turn to completion.
// The returned error is only a guard failure (ErrEmptyPrompt, ErrBusy,
// ErrSessionClosed); turn failures are reported in the result and the log.
func (s *ChatSession) SendMessage(ctx context.Context, text string) (*TurnResult, error) {
	spec, err := s.prepareSend(ctx, "send", text)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, spec), nil
}

// SendMessageAsync validates and accepts the turn, then runs it in the
// background. The channel yields the result once.
func (s *ChatSession) SendMessageAsync(ctx context.Context, text string) (<-chan *TurnResult, error) {
	spec, err := s.prepareSend(ctx, "send", text)
	if err != nil {
		return nil, err
	}
	return s.runAsync(ctx, spec), nil
}

// SendInput sends the current input buffer.
func (s *ChatSession) SendInput(ctx context.Context) (*TurnResult, error) {
	s.mu.Lock()
	text := s.input
	s.mu.Unlock()
	return s.SendMessage(ctx, text)
}

// Regenerate drops the last assistant reply and re-runs the turn for the user
// message before it.
func (s *ChatSession) Regenerate(ctx context.Context) (*TurnResult, error) {
	spec, err := s.prepareRegenerate(ctx)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, spec), nil
}

// RegenerateAsync is Regenerate in the background.
func (s *ChatSession) RegenerateAsync(ctx context.Context) (<-chan *TurnResult, error) {
	spec, err := s.prepareRegenerate(ctx)
	if err != nil {
		return nil, err
	}
	return s.runAsync(ctx, spec), nil
}

// Retry removes the failed assistant message and sends the failed user text
// again as a new turn.
func (s *ChatSession) Retry(ctx context.Context) (*TurnResult, error) {
	spec, err := s.prepareRetry(ctx)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, spec), nil
}

// RetryAsync is Retry in the background.
func (s *ChatSession) RetryAsync(ctx context.Context) (<-chan *TurnResult, error) {
	spec, err := s.prepareRetry(ctx)
	if err != nil {
		return nil, err
	}
	return s.runAsync(ctx, spec), nil
}

// SaveEdit applies text to user message id, truncates the log after it and
// regenerates. Unchanged text only cancels the edit and yields a nil result.
func (s *ChatSession) SaveEdit(ctx context.Context, id, text string) (*TurnResult, error) {
	spec, err := s.prepareEdit(ctx, id, text)
	if err != nil || spec == nil {
		return nil, err
	}
	return s.run(ctx, spec), nil
}

// SaveEditAsync is SaveEdit with the regeneration in the background. The
// channel is nil when the edit was a no-op.
func (s *ChatSession) SaveEditAsync(ctx context.Context, id, text string) (<-chan *TurnResult, error) {
	spec, err := s.prepareEdit(ctx, id, text)
	if err != nil || spec == nil {
		return nil, err
	}
	return s.runAsync(ctx, spec), nil
}

// Stop aborts the in-flight turn, which then ends with StoppedMessage.
func (s *ChatSession) Stop() error {
	s.mu.Lock()
	t := s.turn
	s.mu.Unlock()
	if t == nil {
		return ErrNotGenerating
	}
	t.stopped.Store(true)
	t.cancel()
	return nil
}

// SetInput replaces the draft input message.
func (s *ChatSession) SetInput(text string) {
	s.mu.Lock()
	s.input = text
	s.mu.Unlock()
	s.emitState()
}

// StartEdit selects user message id for editing.
func (s *ChatSession) StartEdit(id string) error {
	if err := s.conv.StartEdit(id); err != nil {
		return err
	}
	s.emitState()
	return nil
}

// CancelEdit abandons the current edit.
func (s *ChatSession) CancelEdit() {
	s.conv.CancelEdit()
	s.emitState()
}

// SetEditContent replaces the edit draft.
func (s *ChatSession) SetEditContent(text string) {
	s.conv.SetDraft(text)
	s.emitState()
}

// DeleteMessage removes message id from the log.
func (s *ChatSession) DeleteMessage(ctx context.Context, id string) error {
	if !s.conv.DeleteByID(id) {
		return ErrMessageNotFound
	}
	s.persist(ctx)
	s.notify(toastDeleted, ToastInfo)
	s.emitState()
	return nil
}

// CopyMessage returns the content of message id for the clipboard.
func (s *ChatSession) CopyMessage(id string) (string, error) {
	m, ok := s.conv.Get(id)
	if !ok {
		return "", ErrMessageNotFound
	}
	s.notify(toastCopied, ToastSuccess)
	return m.Content, nil
}

// Reset replaces the whole log, e.g. when loading a saved conversation or
// clearing the current one. It fails with ErrBusy during a turn.
func (s *ChatSession) Reset(ctx context.Context, msgs []domain.Message) error {
	if err := s.acquire(); err != nil {
		return err
	}
	s.conv.Replace(msgs)
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.persist(ctx)
	s.abandon()
	return nil
}

// restore loads persisted messages without writing them back.
func (s *ChatSession) restore(msgs []domain.Message) {
	s.conv.Replace(msgs)
}

// Messages returns a snapshot of the log.
func (s *ChatSession) Messages() []domain.Message { return s.conv.Messages() }

// Phase returns the current orchestrator state.
func (s *ChatSession) Phase() Phase { return Phase(s.phase.Load()) }

// PendingError returns the retryable failure, if any.
func (s *ChatSession) PendingError() *PendingError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	p := *s.pending
	return &p
}

// State returns a consistent snapshot of the UI contract.
func (s *ChatSession) State() State {
	msgs := s.conv.Messages()
	editID, draft := s.conv.Editing()

	s.mu.Lock()
	input, b, p := s.input, s.buffers, s.pending
	s.mu.Unlock()

	ph := s.Phase()
	st := State{
		SessionID:        s.ID,
		Phase:            ph.String(),
		InputMessage:     input,
		IsLoading:        ph != PhaseIdle,
		IsThinking:       b.IsThinking,
		ThinkingContent:  b.Thinking,
		ResponseContent:  b.Response,
		EditingMessageID: editID,
		EditContent:      draft,
		Messages:         msgs,
	}
	if p != nil {
		st.LastError = &PendingErrorView{
			MessageID:   p.MessageID,
			UserMessage: p.UserMessage,
			Error:       p.Err.Error(),
			Kind:        p.Classification.Kind,
			Retryable:   p.Classification.Retryable,
		}
	}
	return st
}

// Subscribe returns a channel of session events and a cancel func. Slow
// subscribers miss events rather than stall the turn.
func (s *ChatSession) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, s.cfg.EventBacklog)
	s.subsMu.Lock()
	if s.subsClosed {
		s.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.subsMu.Unlock()
		})
	}
}

// Close stops any running turn, waits for it and closes all subscriptions.
// Further operations fail with ErrSessionClosed.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	t := s.turn
	s.mu.Unlock()

	if t != nil {
		t.stopped.Store(true)
		t.cancel()
	}
	s.wg.Wait()

	s.subsMu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subsClosed = true
	s.subsMu.Unlock()
}

// ---- turn preparation ----

// acquire moves the session from Idle to Sending. Every successful acquire is
// paired with exactly one run or abandon.
func (s *ChatSession) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseSending)) {
		return ErrBusy
	}
	s.wg.Add(1)
	return nil
}

// abandon releases a gate taken by acquire when no turn will run.
func (s *ChatSession) abandon() {
	s.phase.Store(int32(PhaseIdle))
	s.wg.Done()
	s.emitState()
}

func (s *ChatSession) prepareSend(ctx context.Context, kind, text string) (*turnSpec, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPrompt
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}
	return s.appendUser(ctx, kind, text), nil
}

func (s *ChatSession) appendUser(ctx context.Context, kind, text string) *turnSpec {
	user := s.conv.NewMessage(domain.RoleUser, text)
	if err := s.conv.Append(user); err != nil {
		s.lg.Error().Err(err).Msg("append user message")
	}
	s.mu.Lock()
	s.input = ""
	s.mu.Unlock()
	s.persist(ctx)
	return &turnSpec{kind: kind, user: user, history: s.conv.Wire()}
}

func (s *ChatSession) prepareRegenerate(ctx context.Context) (*turnSpec, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	ex, ok := s.conv.LastExchange()
	if !ok {
		s.abandon()
		s.notify(toastNoRegenerate, ToastError)
		return nil, ErrNothingToRegenerate
	}
	s.conv.TruncateAfter(ex.AssistantIndex)
	s.persist(ctx)
	return &turnSpec{kind: "regenerate", user: ex.User, history: s.conv.Wire()}, nil
}

func (s *ChatSession) prepareRetry(ctx context.Context) (*turnSpec, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p == nil {
		s.abandon()
		return nil, ErrNoPendingError
	}
	s.conv.DeleteByID(p.MessageID)
	return s.appendUser(ctx, "retry", p.UserMessage.Content), nil
}

func (s *ChatSession) prepareEdit(ctx context.Context, id, text string) (*turnSpec, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	changed, err := s.conv.SaveEdit(id, text)
	if err != nil || !changed {
		s.abandon()
		return nil, err
	}
	s.persist(ctx)
	s.notify(toastEdited, ToastSuccess)
	user, _ := s.conv.Get(id)
	return &turnSpec{kind: "edit", user: user, history: s.conv.Wire()}, nil
}

// ---- turn execution ----

func (s *ChatSession) runAsync(ctx context.Context, spec *turnSpec) <-chan *TurnResult {
	out := make(chan *TurnResult, 1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		out <- s.run(ctx, spec)
		close(out)
	}()
	return out
}

func (s *ChatSession) run(parent context.Context, spec *turnSpec) *TurnResult {
	turnCtx, cancel := context.WithCancel(parent)
	t := &turn{cancel: cancel}

	s.mu.Lock()
	s.turn = t
	s.buffers = stream.Buffers{}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		t.stopped.Store(true)
		cancel()
	}
	defer s.release(cancel)
	s.emitState()

	ctx, span := otel.Tracer("services/ChatSession").Start(turnCtx, "Turn",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("turn.kind", spec.kind),
			attribute.Int("turn.messages", len(spec.history)),
		),
	)
	defer span.End()

	settings := s.deps.Settings.Current(ctx)
	endpoint, params := settings.Endpoint(), settings.Params()
	start := s.cfg.Now()

	if v, ok := s.lookup(ctx, endpoint, spec.history, params); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return s.replay(ctx, t, spec, v.Content, start)
	}

	body, err := s.open(ctx, llm.ChatRequest{
		Endpoint: endpoint,
		APIKey:   settings.APIKey,
		Model:    s.cfg.Model,
		Messages: spec.history,
		Params:   params,
	})
	if err != nil {
		return s.fail(ctx, t, spec, err)
	}
	defer body.Close()

	s.setPhase(PhaseStreaming)
	res, err := stream.Run(ctx, body, stream.SinkFunc(s.onBuffers),
		stream.WithLogger(s.lg), stream.WithClock(s.cfg.Now))
	if err != nil {
		return s.fail(ctx, t, spec, err)
	}

	s.setPhase(PhaseFinalizing)
	final := res.Final()
	msg := s.appendAssistant(ctx, final)
	if res.Received && s.deps.Cache != nil {
		s.deps.Cache.Set(context.WithoutCancel(ctx), endpoint, spec.history, params, final, s.cfg.CacheTTL)
	}

	total := s.cfg.Now().Sub(start)
	var first time.Duration
	if !res.FirstDeltaAt.IsZero() {
		first = res.FirstDeltaAt.Sub(start)
	}
	s.deps.Metrics.RecordMetrics(runeLen(spec.user.Content), runeLen(final), total, first, tokensPerSecond(final, total))
	s.lg.Info().Str("kind", spec.kind).Dur("total", total).Dur("first_token", first).
		Int("response_len", runeLen(final)).Msg("turn completed")
	return &TurnResult{Outcome: OutcomeCompleted, Message: msg}
}

// open sends the request and waits for the response headers. RequestTimeout
// bounds only that wait; the body is read under ctx, so a long answer that
// keeps streaming is never cut off and Stop still ends it.
func (s *ChatSession) open(ctx context.Context, req llm.ChatRequest) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(s.cfg.RequestTimeout, func() { cancel(context.DeadlineExceeded) })

	body, err := s.deps.LLM.ChatStream(reqCtx, req)
	if !timer.Stop() {
		if body != nil {
			_ = body.Close()
		}
		cancel(nil)
		return nil, fmt.Errorf("waiting for response headers: %w", context.DeadlineExceeded)
	}
	if err != nil {
		cancel(nil)
		return nil, err
	}
	return &cancelOnClose{ReadCloser: body, cancel: cancel}, nil
}

// cancelOnClose releases the request context once the body is done with.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}

// replay reveals a cached answer word by word so it looks like a live stream.
func (s *ChatSession) replay(ctx context.Context, t *turn, spec *turnSpec, content string, start time.Time) *TurnResult {
	s.setPhase(PhaseStreaming)

	var tick <-chan time.Time
	if s.cfg.WordDelay > 0 {
		tk := time.NewTicker(s.cfg.WordDelay)
		defer tk.Stop()
		tick = tk.C
	}

	var b strings.Builder
	for i, w := range strings.Split(content, " ") {
		if tick != nil {
			select {
			case <-ctx.Done():
				return s.fail(ctx, t, spec, ctx.Err())
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return s.fail(ctx, t, spec, err)
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		s.onBuffers(stream.Buffers{Response: b.String()})
	}

	s.setPhase(PhaseFinalizing)
	msg := s.appendAssistant(ctx, content)
	total := s.cfg.Now().Sub(start)
	s.deps.Metrics.RecordMetrics(runeLen(spec.user.Content), runeLen(content), total, 0, tokensPerSecond(content, total))
	s.lg.Info().Str("kind", spec.kind).Dur("total", total).Msg("turn served from cache")
	return &TurnResult{Outcome: OutcomeCached, Message: msg}
}

func (s *ChatSession) fail(ctx context.Context, t *turn, spec *turnSpec, err error) *TurnResult {
	if t.stopped.Load() {
		s.setPhase(PhaseCancelled)
		msg := s.appendAssistant(ctx, StoppedMessage)
		s.notify(toastStopped, ToastInfo)
		s.lg.Info().Str("kind", spec.kind).Msg("turn stopped")
		return &TurnResult{Outcome: OutcomeStopped, Message: msg}
	}

	s.setPhase(PhaseFailed)
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, "turn failed")

	cls := llm.Classify(err)
	detail := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		detail = timedOutDetail
	}
	msg := s.appendAssistant(ctx, "Error: "+detail)
	s.notify(cls.Message, ToastError)

	s.mu.Lock()
	if cls.Retryable {
		s.pending = &PendingError{MessageID: msg.ID, UserMessage: spec.user, Err: err, Classification: cls}
	} else {
		s.pending = nil
	}
	s.mu.Unlock()

	s.deps.Metrics.RecordError()
	s.lg.Warn().Err(err).Str("kind", spec.kind).Str("error_kind", string(cls.Kind)).
		Bool("retryable", cls.Retryable).Msg("turn failed")
	return &TurnResult{Outcome: OutcomeFailed, Message: msg, Err: err, Classification: &cls}
}

// release returns the session to Idle and clears the live buffers whatever
// the outcome.
func (s *ChatSession) release(cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	s.turn = nil
	s.buffers = stream.Buffers{}
	s.mu.Unlock()
	s.phase.Store(int32(PhaseIdle))
	s.emitState()
	s.wg.Done()
}

func (s *ChatSession) lookup(ctx context.Context, endpoint string, msgs []domain.ChatMessage, p domain.GenerationParams) (cache.Value, bool) {
	if s.deps.Cache == nil {
		return cache.Value{}, false
	}
	v, ok := s.deps.Cache.Get(ctx, endpoint, msgs, p)
	ok = ok && v.Content != ""
	if r, isRec := s.deps.Metrics.(cacheLookupRecorder); isRec {
		r.RecordCacheLookup(ok)
	}
	return v, ok
}

func (s *ChatSession) appendAssistant(ctx context.Context, content string) domain.Message {
	m := s.conv.NewMessage(domain.RoleAssistant, content)
	if err := s.conv.Append(m); err != nil {
		s.lg.Error().Err(err).Msg("append assistant message")
	}
	s.persist(ctx)
	return m
}

func (s *ChatSession) persist(ctx context.Context) {
	if s.deps.Persister == nil {
		return
	}
	conv := domain.CurrentConversation{Messages: s.conv.Messages(), UpdatedAt: s.cfg.Now().UTC()}
	if err := s.deps.Persister.SaveCurrent(context.WithoutCancel(ctx), s.ID, conv); err != nil {
		s.lg.Warn().Err(err).Msg("persist current conversation")
	}
}

func (s *ChatSession) setPhase(p Phase) {
	s.phase.Store(int32(p))
	s.emitState()
}

func (s *ChatSession) onBuffers(b stream.Buffers) {
	s.mu.Lock()
	s.buffers = b
	s.mu.Unlock()
	s.emit(Event{Type: EventDelta, Buffers: &b})
}

func (s *ChatSession) notify(msg string, level ToastLevel) {
	s.emit(Event{Type: EventToast, Toast: &Toast{Message: msg, Level: level}})
	if s.deps.Notifier != nil {
		s.deps.Notifier.ShowToast(msg, level)
	}
}

func (s *ChatSession) emitState() {
	s.subsMu.Lock()
	n := len(s.subs)
	s.subsMu.Unlock()
	if n == 0 {
		return
	}
	st := s.State()
	s.emit(Event{Type: EventState, State: &st})
}

func (s *ChatSession) emit(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.lg.Debug().Str("event", string(ev.Type)).Msg("subscriber backlog full, dropping event")
		}
	}
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func tokensPerSecond(content string, total time.Duration) float64 {
	if total <= 0 || content == "" {
		return 0
	}
	return float64(runeLen(content)) / total.Seconds()
}
