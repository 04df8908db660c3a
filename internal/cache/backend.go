package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is a stored completion.
type Entry struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Backend is the storage behind one cache namespace. Load returns stale
// entries as-is; expiry policy lives in Cache.
type Backend interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	EvictOldest(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	// Bounds reports the oldest and newest CreatedAt; ok is false when empty.
	Bounds(ctx context.Context) (oldest, newest time.Time, ok bool, err error)
	Clear(ctx context.Context) error
}

// memoryBackend keeps entries in a map.
type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryBackend returns a process-local Backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{entries: make(map[string]Entry)}
}

func (m *memoryBackend) Load(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *memoryBackend) Store(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries[e.Key] = e
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if now.After(e.ExpiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryBackend) EvictOldest(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range m.entries {
		if oldestKey == "" || e.CreatedAt.Before(oldest) || (e.CreatedAt.Equal(oldest) && k < oldestKey) {
			oldestKey, oldest = k, e.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
	return nil
}

func (m *memoryBackend) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *memoryBackend) Bounds(_ context.Context) (oldest, newest time.Time, ok bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if !ok || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
		if !ok || e.CreatedAt.After(newest) {
			newest = e.CreatedAt
		}
		ok = true
	}
	return oldest, newest, ok, nil
}

func (m *memoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]Entry)
	m.mu.Unlock()
	return nil
}
