package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-llm-chat/internal/repo"
)

// SQL stores values in the kv_entries table.
type SQL struct {
	DB *gorm.DB
}

// NewSQL returns a Store backed by db. The kv_entries table must exist
// (see repo.AutoMigrate).
func NewSQL(db *gorm.DB) *SQL { return &SQL{DB: db} }

// Get implements Store.
func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := repo.GetKV(ctx, s.DB, key)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(e.Value), nil
}

// Set implements Store.
func (s *SQL) Set(ctx context.Context, key string, value []byte) error {
	return repo.PutKV(ctx, s.DB, key, string(value))
}

// Remove implements Store.
func (s *SQL) Remove(ctx context.Context, key string) error {
	return repo.DeleteKV(ctx, s.DB, key)
}
