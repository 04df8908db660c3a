package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-llm-chat/internal/cache"
	"github.com/tbourn/go-llm-chat/internal/config"
	"github.com/tbourn/go-llm-chat/internal/domain"
	"github.com/tbourn/go-llm-chat/internal/llm"
	"github.com/tbourn/go-llm-chat/internal/observability"
	"github.com/tbourn/go-llm-chat/internal/repo"
	"github.com/tbourn/go-llm-chat/internal/services"
	"github.com/tbourn/go-llm-chat/internal/store"
)

// app is the wired service graph shared by serve and chat.
type app struct {
	cfg config.Config

	db  *gorm.DB
	rdb redis.UniversalClient

	store         store.Store
	cache         *cache.Cache
	settings      *services.SettingsService
	conversations *services.ConversationService
	sessions      *services.SessionManager
	metrics       *observability.LLMMetrics
}

// newApp opens storage and builds the services. reg receives the LLM
// metrics; notifier may be nil.
func newApp(ctx context.Context, cfg config.Config, reg prometheus.Registerer, notifier services.Notifier) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.StoreBackend == "sql" || cfg.Cache.Backend == "sql" {
		db, err := repo.OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", cfg.DBPath, err)
		}
		if err := repo.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.db = db
	}
	if cfg.StoreBackend == "redis" || cfg.Cache.Backend == "redis" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
	}

	switch cfg.StoreBackend {
	case "redis":
		a.store = store.NewRedis(a.rdb, cfg.Redis.Prefix)
	default:
		a.store = store.NewSQL(a.db)
	}

	opts := cache.Options{
		DefaultTTL:   cfg.Cache.TTL,
		MaxEntries:   cfg.Cache.MaxEntries,
		SimpleLookup: cfg.Cache.SimpleLookup,
	}
	switch cfg.Cache.Backend {
	case "sql":
		a.cache = cache.New(cache.NewSQLBackend(a.db, domain.CacheKindFull), cache.NewSQLBackend(a.db, domain.CacheKindSimple), opts)
	case "redis":
		a.cache = cache.New(
			cache.NewRedisBackend(a.rdb, cfg.Redis.Prefix+"cache:"+domain.CacheKindFull+":"),
			cache.NewRedisBackend(a.rdb, cfg.Redis.Prefix+"cache:"+domain.CacheKindSimple+":"),
			opts,
		)
	default:
		a.cache = cache.NewMemory(opts)
	}
	a.cache.StartSweeper(ctx, cfg.Cache.SweepInterval)

	a.settings = services.NewSettingsService(a.store, defaultSettings(cfg.LLM))
	a.conversations = services.NewConversationService(a.store)
	a.conversations.Limit = cfg.SavedConversationsLimit
	a.metrics = observability.NewLLMMetrics(reg)

	a.sessions = services.NewSessionManager(services.SessionDeps{
		LLM:      llm.NewClient(&http.Client{}),
		Cache:    a.cache,
		Settings: a.settings,
		Notifier: notifier,
		Metrics:  a.metrics,
	}, services.SessionConfig{
		RequestTimeout: cfg.LLM.RequestTimeout,
		WordDelay:      cfg.LLM.WordDelay,
		CacheTTL:       cfg.Cache.ChatTTL,
		Model:          cfg.LLM.Model,
	}, a.conversations)

	log.Info().
		Str("store", cfg.StoreBackend).
		Str("cache", cfg.Cache.Backend).
		Str("llm_endpoint", cfg.LLM.Endpoint).
		Msg("services ready")
	return a, nil
}

// defaultSettings seeds the settings document from LLM_* configuration.
func defaultSettings(c config.LLMConfig) domain.Settings {
	s := services.DefaultSettings()
	if c.Endpoint != "" {
		s.CustomEndpoint = c.Endpoint
	}
	s.APIKey = c.APIKey
	s.Temperature = c.Temperature
	s.MaxTokens = c.MaxTokens
	s.TopP = c.TopP
	return s
}

// close stops sessions, the cache sweeper and storage connections.
func (a *app) close() error {
	if a.sessions != nil {
		a.sessions.CloseAll()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	var errs []error
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
