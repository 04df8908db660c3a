// Package conversation holds the ordered, mutable message log of a chat
// session together with its single in-flight edit.
//
// Editing a user message truncates everything after it: later replies
// answered text that no longer exists. The pre-edit text survives only in the
// edited message's OriginalContent.
package conversation

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-llm-chat/internal/domain"
)

var (
	// ErrDuplicateID is returned by Append when the id is already in the log.
	ErrDuplicateID = errors.New("duplicate message id")
	// ErrEmptyID is returned by Append for a message without an id.
	ErrEmptyID = errors.New("message id is empty")
	// ErrMessageNotFound is returned when an id is not in the log.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotEditable is returned when editing a non-user message.
	ErrNotEditable = errors.New("only user messages can be edited")
	// ErrEmptyContent is returned when an edit would leave a blank message.
	ErrEmptyContent = errors.New("message content is empty")
)

// Exchange locates the most recent user/assistant pair.
type Exchange struct {
	UserIndex      int
	AssistantIndex int
	User           domain.Message
	Assistant      domain.Message
}

// Log is safe for concurrent use. Snapshots returned by its methods are
// copies and never alias the internal slice.
type Log struct {
	mu        sync.RWMutex
	msgs      []domain.Message
	ids       map[string]struct{}
	editingID string
	draft     string
	now       func() time.Time
}

// New returns an empty log.
func New() *Log {
	return &Log{ids: make(map[string]struct{}), now: time.Now}
}

// NewMessage builds a message with a fresh id.
func (l *Log) NewMessage(role, content string) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: l.now().UTC(),
	}
}

// Append pushes m to the end of the log.
func (l *Log) Append(m domain.Message) error {
	if m.ID == "" {
		return ErrEmptyID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.ids[m.ID]; dup {
		return ErrDuplicateID
	}
	l.ids[m.ID] = struct{}{}
	l.msgs = append(l.msgs, m.Clone())
	return nil
}

// DeleteByID removes the message with id. It reports whether one was removed.
func (l *Log) DeleteByID(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(id)
	if i < 0 {
		return false
	}
	l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
	delete(l.ids, id)
	if l.editingID == id {
		l.editingID, l.draft = "", ""
	}
	return true
}

// StartEdit makes id the edit target and seeds the draft with its content.
// Only user messages can be edited.
func (l *Log) StartEdit(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(id)
	if i < 0 {
		return ErrMessageNotFound
	}
	if l.msgs[i].Role != domain.RoleUser {
		return ErrNotEditable
	}
	l.editingID, l.draft = id, l.msgs[i].Content
	return nil
}

// CancelEdit clears the edit target and draft.
func (l *Log) CancelEdit() {
	l.mu.Lock()
	l.editingID, l.draft = "", ""
	l.mu.Unlock()
}

// SetDraft replaces the draft text of the current edit.
func (l *Log) SetDraft(text string) {
	l.mu.Lock()
	l.draft = text
	l.mu.Unlock()
}

// Editing returns the edit target id and draft; id is empty when no edit is
// in progress.
func (l *Log) Editing() (id, draft string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.editingID, l.draft
}

// SaveEdit replaces the content of user message id with text (trimmed) and
// drops every message after it. It returns changed=false, and only cancels the
// edit, when the text equals the current content.
func (l *Log) SaveEdit(id, text string) (changed bool, err error) {
	text = strings.TrimSpace(text)

	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(id)
	if i < 0 {
		return false, ErrMessageNotFound
	}
	m := &l.msgs[i]
	if m.Role != domain.RoleUser {
		return false, ErrNotEditable
	}
	l.editingID, l.draft = "", ""
	if text == m.Content {
		return false, nil
	}
	if text == "" {
		return false, ErrEmptyContent
	}

	if m.OriginalContent == nil {
		prev := m.Content
		m.OriginalContent = &prev
	}
	m.Content = text
	m.Edited = true
	l.truncateLocked(i + 1)
	return true, nil
}

// Messages returns a copy of the log.
func (l *Log) Messages() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Message, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Wire returns the log as role/content pairs for the completion request.
func (l *Log) Wire() []domain.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return toWire(l.msgs)
}

// Get returns the message with id.
func (l *Log) Get(id string) (domain.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexLocked(id); i >= 0 {
		return l.msgs[i].Clone(), true
	}
	return domain.Message{}, false
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// Replace swaps the whole log, e.g. when restoring persisted state. Messages
// without an id get a fresh one, later duplicates are re-keyed and missing
// timestamps default to now.
func (l *Log) Replace(msgs []domain.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = make([]domain.Message, 0, len(msgs))
	l.ids = make(map[string]struct{}, len(msgs))
	l.editingID, l.draft = "", ""
	for _, m := range msgs {
		m = m.Clone()
		if _, dup := l.ids[m.ID]; m.ID == "" || dup {
			m.ID = uuid.NewString()
		}
		if !m.Edited {
			m.OriginalContent = nil
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = l.now().UTC()
		}
		l.ids[m.ID] = struct{}{}
		l.msgs = append(l.msgs, m)
	}
}

// TruncateAfter keeps the first n messages.
func (l *Log) TruncateAfter(n int) {
	l.mu.Lock()
	l.truncateLocked(n)
	l.mu.Unlock()
}

// LastExchange scans from the end for the last assistant message and the
// nearest user message before it.
func (l *Log) LastExchange() (Exchange, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.msgs) < 2 {
		return Exchange{}, false
	}
	ai := -1
	for i := len(l.msgs) - 1; i >= 0; i-- {
		switch {
		case ai < 0 && l.msgs[i].Role == domain.RoleAssistant:
			ai = i
		case ai >= 0 && l.msgs[i].Role == domain.RoleUser:
			return Exchange{
				UserIndex:      i,
				AssistantIndex: ai,
				User:           l.msgs[i].Clone(),
				Assistant:      l.msgs[ai].Clone(),
			}, true
		}
	}
	return Exchange{}, false
}

// Clear empties the log.
func (l *Log) Clear() {
	l.Replace(nil)
}

func (l *Log) indexLocked(id string) int {
	if _, ok := l.ids[id]; !ok {
		return -1
	}
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *Log) truncateLocked(n int) {
	if n < 0 {
		n = 0
	}
	if n >= len(l.msgs) {
		return
	}
	for _, m := range l.msgs[n:] {
		delete(l.ids, m.ID)
		if m.ID == l.editingID {
			l.editingID, l.draft = "", ""
		}
	}
	l.msgs = l.msgs[:n:n]
}

// ToWire converts messages to role/content pairs.
func ToWire(msgs []domain.Message) []domain.ChatMessage {
	return toWire(msgs)
}

func toWire(msgs []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = domain.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
