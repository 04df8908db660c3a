package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-llm-chat/internal/domain"
)

func seedCache(t *testing.T, db *gorm.DB, e domain.CacheEntry) {
	t.Helper()
	if err := PutCacheEntry(context.Background(), db, &e); err != nil {
		t.Fatalf("seed %s: %v", e.Key, err)
	}
}

func TestCacheEntries_PutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.CacheEntry{})
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	seedCache(t, db, domain.CacheEntry{Key: "a", Kind: domain.CacheKindFull, Content: "one", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
	seedCache(t, db, domain.CacheEntry{Key: "a", Kind: domain.CacheKindFull, Content: "two", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})

	e, err := GetCacheEntry(ctx, db, domain.CacheKindFull, "a")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if e.Content != "two" {
		t.Fatalf("expected overwritten content, got %q", e.Content)
	}
	if _, err := GetCacheEntry(ctx, db, domain.CacheKindSimple, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("kinds must not leak: got %v", err)
	}
}

func TestCacheEntries_DeleteExpired_OldestAndBounds(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.CacheEntry{})
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	seedCache(t, db, domain.CacheEntry{Key: "old", Kind: domain.CacheKindFull, Content: "x", CreatedAt: t0, ExpiresAt: t0.Add(time.Minute)})
	seedCache(t, db, domain.CacheEntry{Key: "mid", Kind: domain.CacheKindFull, Content: "x", CreatedAt: t0.Add(time.Second), ExpiresAt: t0.Add(time.Hour)})
	seedCache(t, db, domain.CacheEntry{Key: "new", Kind: domain.CacheKindFull, Content: "x", CreatedAt: t0.Add(2 * time.Second), ExpiresAt: t0.Add(time.Hour)})
	seedCache(t, db, domain.CacheEntry{Key: "s1", Kind: domain.CacheKindSimple, Content: "x", CreatedAt: t0, ExpiresAt: t0.Add(time.Minute)})

	lo, hi, err := CacheEntryBounds(ctx, db, domain.CacheKindFull)
	if err != nil {
		t.Fatalf("CacheEntryBounds: %v", err)
	}
	if lo == nil || hi == nil || !lo.Equal(t0) || !hi.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("unexpected bounds lo=%v hi=%v", lo, hi)
	}

	n, err := DeleteExpiredCacheEntries(ctx, db, domain.CacheKindFull, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpiredCacheEntries: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired row removed, got %d", n)
	}
	if cnt, _ := CountCacheEntries(ctx, db, domain.CacheKindSimple); cnt != 1 {
		t.Fatalf("simple kind must be untouched, got %d rows", cnt)
	}

	if err := DeleteOldestCacheEntry(ctx, db, domain.CacheKindFull); err != nil {
		t.Fatalf("DeleteOldestCacheEntry: %v", err)
	}
	if _, err := GetCacheEntry(ctx, db, domain.CacheKindFull, "mid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected mid evicted as oldest, got %v", err)
	}
	if cnt, _ := CountCacheEntries(ctx, db, domain.CacheKindFull); cnt != 1 {
		t.Fatalf("expected 1 full row left, got %d", cnt)
	}

	if err := ClearCacheEntries(ctx, db, domain.CacheKindFull); err != nil {
		t.Fatalf("ClearCacheEntries: %v", err)
	}
	lo, hi, err = CacheEntryBounds(ctx, db, domain.CacheKindFull)
	if err != nil || lo != nil || hi != nil {
		t.Fatalf("expected empty bounds, got lo=%v hi=%v err=%v", lo, hi, err)
	}
	if err := DeleteOldestCacheEntry(ctx, db, domain.CacheKindFull); err != nil {
		t.Fatalf("DeleteOldestCacheEntry on empty: %v", err)
	}
}
