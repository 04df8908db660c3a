// Package domain defines the persistence models and the value types shared by
// the chat pipeline. The GORM-mapped models back the SQLite key-value store and
// the response cache; the plain structs describe conversation messages, saved
// conversations and user settings as they are persisted and sent on the wire.
package domain

import "time"

// KVEntry is a single row of the generic key-value store used to persist the
// current conversation, the saved conversation list and the settings document.
//
// Fields:
//   - Key: store key (e.g. "settings", "current-conversation:<session>").
//   - Value: opaque JSON document.
//   - UpdatedAt: last write time, managed by GORM.
type KVEntry struct {
	Key       string    `gorm:"type:varchar(191);primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"index"`
}

// TableName returns the database table name for KVEntry.
func (KVEntry) TableName() string { return "kv_entries" }

// Cache entry namespaces.
const (
	CacheKindFull   = "full"
	CacheKindSimple = "simple"
)

// CacheEntry is a persisted response cache slot. Entries past ExpiresAt are
// treated as absent on read and are removed by the background sweep.
//
// Fields:
//   - Key: request fingerprint.
//   - Kind: "full" (whole conversation) or "simple" (last user message only).
//   - Content: cached assistant reply.
//   - CreatedAt: insertion time, used for oldest-first eviction.
//   - ExpiresAt: absolute expiry.
type CacheEntry struct {
	Key       string    `gorm:"type:varchar(96);primaryKey"`
	Kind      string    `gorm:"type:varchar(16);not null;index:idx_cache_kind_created,priority:1;check:kind IN ('full','simple')"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_cache_kind_created,priority:2"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName returns the database table name for CacheEntry.
func (CacheEntry) TableName() string { return "cache_entries" }
