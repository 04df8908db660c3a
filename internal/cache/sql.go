package cache

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-llm-chat/internal/domain"
	"github.com/tbourn/go-llm-chat/internal/repo"
)

// sqlBackend persists one cache namespace in the cache_entries table.
type sqlBackend struct {
	db   *gorm.DB
	kind string
}

// NewSQLBackend returns a Backend over db for kind (domain.CacheKindFull or
// domain.CacheKindSimple).
func NewSQLBackend(db *gorm.DB, kind string) Backend {
	return &sqlBackend{db: db, kind: kind}
}

func (s *sqlBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	row, err := repo.GetCacheEntry(ctx, s.db, s.kind, key)
	if errors.Is(err, repo.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: row.Key, Content: row.Content, CreatedAt: row.CreatedAt, ExpiresAt: row.ExpiresAt}, true, nil
}

func (s *sqlBackend) Store(ctx context.Context, e Entry) error {
	return repo.PutCacheEntry(ctx, s.db, &domain.CacheEntry{
		Key:       e.Key,
		Kind:      s.kind,
		Content:   e.Content,
		CreatedAt: e.CreatedAt.UTC(),
		ExpiresAt: e.ExpiresAt.UTC(),
	})
}

func (s *sqlBackend) Delete(ctx context.Context, key string) error {
	return repo.DeleteCacheEntry(ctx, s.db, s.kind, key)
}

func (s *sqlBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := repo.DeleteExpiredCacheEntries(ctx, s.db, s.kind, now.UTC())
	return int(n), err
}

func (s *sqlBackend) EvictOldest(ctx context.Context) error {
	return repo.DeleteOldestCacheEntry(ctx, s.db, s.kind)
}

func (s *sqlBackend) Len(ctx context.Context) (int, error) {
	n, err := repo.CountCacheEntries(ctx, s.db, s.kind)
	return int(n), err
}

func (s *sqlBackend) Bounds(ctx context.Context) (oldest, newest time.Time, ok bool, err error) {
	lo, hi, err := repo.CacheEntryBounds(ctx, s.db, s.kind)
	if err != nil || lo == nil {
		return time.Time{}, time.Time{}, false, err
	}
	return *lo, *hi, true, nil
}

func (s *sqlBackend) Clear(ctx context.Context) error {
	return repo.ClearCacheEntries(ctx, s.db, s.kind)
}
