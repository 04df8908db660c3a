// Package repo implements the data persistence layer backed by GORM. This file
// provides repository functions for persisted response cache entries. Every
// function is scoped to one cache kind ("full" or "simple").
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-llm-chat/internal/domain"
)

// GetCacheEntry returns the entry for (kind, key) or ErrNotFound. Expiry is
// not checked here; callers decide how to treat stale rows.
func GetCacheEntry(ctx context.Context, db *gorm.DB, kind, key string) (*domain.CacheEntry, error) {
	var e domain.CacheEntry
	err := db.WithContext(ctx).Where("kind = ? AND key = ?", kind, key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutCacheEntry inserts or overwrites a cache entry.
func PutCacheEntry(ctx context.Context, db *gorm.DB, e *domain.CacheEntry) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"kind", "content", "created_at", "expires_at"}),
		}).
		Create(e).Error
}

// DeleteCacheEntry removes a single entry.
func DeleteCacheEntry(ctx context.Context, db *gorm.DB, kind, key string) error {
	return db.WithContext(ctx).Where("kind = ? AND key = ?", kind, key).Delete(&domain.CacheEntry{}).Error
}

// DeleteExpiredCacheEntries removes every entry of kind whose expiry is before now
// and returns the number of rows removed.
func DeleteExpiredCacheEntries(ctx context.Context, db *gorm.DB, kind string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("kind = ? AND expires_at < ?", kind, now).Delete(&domain.CacheEntry{})
	return res.RowsAffected, res.Error
}

// DeleteOldestCacheEntry removes the entry of kind with the smallest CreatedAt.
// It is a no-op when the kind has no rows.
func DeleteOldestCacheEntry(ctx context.Context, db *gorm.DB, kind string) error {
	var e domain.CacheEntry
	err := db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("created_at ASC, key ASC").
		Limit(1).
		Find(&e).Error
	if err != nil || e.Key == "" {
		return err
	}
	return DeleteCacheEntry(ctx, db, kind, e.Key)
}

// CountCacheEntries returns the number of rows of kind.
func CountCacheEntries(ctx context.Context, db *gorm.DB, kind string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.CacheEntry{}).Where("kind = ?", kind).Count(&n).Error
	return n, err
}

// CacheEntryBounds returns the oldest and newest CreatedAt among rows of kind.
// Both are nil when the kind has no rows.
func CacheEntryBounds(ctx context.Context, db *gorm.DB, kind string) (oldest, newest *time.Time, err error) {
	q := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.CacheEntry{}).Where("kind = ?", kind).Select("created_at")
	}

	// Avoid MIN()/MAX() -> TEXT in SQLite.
	var lo, hi struct{ CreatedAt time.Time }
	res := q().Order("created_at ASC").Limit(1).Scan(&lo)
	if res.Error != nil {
		return nil, nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil, nil
	}
	if err = q().Order("created_at DESC").Limit(1).Scan(&hi).Error; err != nil {
		return nil, nil, err
	}
	return &lo.CreatedAt, &hi.CreatedAt, nil
}

// ClearCacheEntries removes every row of kind.
func ClearCacheEntries(ctx context.Context, db *gorm.DB, kind string) error {
	return db.WithContext(ctx).Where("kind = ?", kind).Delete(&domain.CacheEntry{}).Error
}
