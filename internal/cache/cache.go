// Package cache implements the response cache that lets the chat pipeline
// short-circuit repeated identical completion requests.
//
// Entries are addressed by a fingerprint of (endpoint, ordered role/content
// pairs, normalized sampling parameters) and expire after a TTL. Expired
// entries are treated as absent on read and are removed by a periodic sweep.
// Cache failures never surface to callers: they are logged and reported as a
// miss, because the cache is purely an optimization.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-llm-chat/internal/domain"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultChatTTL    = 10 * time.Minute
	DefaultMaxEntries = 100
	DefaultSweepEvery = time.Minute
)

// Options configures a Cache.
type Options struct {
	DefaultTTL time.Duration
	// MaxEntries bounds each namespace; the oldest entry is evicted at capacity.
	// Negative disables the bound.
	MaxEntries int
	// SimpleLookup enables the secondary last-user-message namespace.
	SimpleLookup bool
	Logger       *zerolog.Logger
	Now          func() time.Time
}

// Value is a cached completion.
type Value struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Size        int        `json:"size"`
	SimpleSize  int        `json:"simple_size"`
	Hits        int64      `json:"hits"`
	SimpleHits  int64      `json:"simple_hits"`
	Misses      int64      `json:"misses"`
	HitRate     float64    `json:"hit_rate"`
	OldestEntry *time.Time `json:"oldest_entry"`
	NewestEntry *time.Time `json:"newest_entry"`
}

// Cache is safe for concurrent use.
type Cache struct {
	full   Backend
	simple Backend
	opts   Options
	lg     zerolog.Logger

	mu sync.Mutex // serializes writes so capacity checks and inserts are atomic

	hits       atomic.Int64
	simpleHits atomic.Int64
	misses     atomic.Int64

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New builds a Cache over the given backends. simple may be nil when
// SimpleLookup is off.
func New(full, simple Backend, opts Options) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if simple == nil {
		simple = NewMemoryBackend()
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	return &Cache{
		full:   full,
		simple: simple,
		opts:   opts,
		lg:     lg.With().Str("component", "cache").Logger(),
	}
}

// NewMemory builds a Cache over two in-memory backends.
func NewMemory(opts Options) *Cache {
	return New(NewMemoryBackend(), NewMemoryBackend(), opts)
}

// Get returns the cached completion for the request, if present and fresh.
func (c *Cache) Get(ctx context.Context, endpoint string, msgs []domain.ChatMessage, p domain.GenerationParams) (Value, bool) {
	if c.opts.SimpleLookup {
		if last, ok := lastUser(msgs); ok {
			if key, err := SimpleFingerprint(endpoint, last, p); err == nil {
				if v, ok := c.lookup(ctx, c.simple, key); ok {
					c.simpleHits.Add(1)
					c.lg.Debug().Str("key", key).Msg("simple cache hit")
					return v, true
				}
			}
		}
	}

	key, err := Fingerprint(endpoint, msgs, p)
	if err != nil {
		c.lg.Warn().Err(err).Msg("fingerprint failed, treating as miss")
		c.misses.Add(1)
		return Value{}, false
	}
	v, ok := c.lookup(ctx, c.full, key)
	if !ok {
		c.misses.Add(1)
		return Value{}, false
	}
	c.hits.Add(1)
	c.lg.Debug().Str("key", key).Int("messages", len(msgs)).Msg("cache hit")
	return v, true
}

// Set stores content for the request. ttl <= 0 uses the default TTL.
func (c *Cache) Set(ctx context.Context, endpoint string, msgs []domain.ChatMessage, p domain.GenerationParams, content string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.SimpleLookup {
		if last, ok := lastUser(msgs); ok {
			if key, err := SimpleFingerprint(endpoint, last, p); err == nil {
				c.put(ctx, c.simple, key, content, ttl)
			}
		}
	}

	key, err := Fingerprint(endpoint, msgs, p)
	if err != nil {
		c.lg.Warn().Err(err).Msg("fingerprint failed, skipping store")
		return
	}
	c.put(ctx, c.full, key, content, ttl)
}

// ClearExpired removes expired entries from both namespaces and returns how
// many were dropped.
func (c *Cache) ClearExpired(ctx context.Context) int {
	now := c.opts.Now()
	total := 0
	for _, b := range []Backend{c.full, c.simple} {
		n, err := b.DeleteExpired(ctx, now)
		if err != nil {
			c.lg.Warn().Err(err).Msg("sweep failed")
			continue
		}
		total += n
	}
	return total
}

// Clear drops every entry and resets the counters.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range []Backend{c.full, c.simple} {
		if err := b.Clear(ctx); err != nil {
			c.lg.Warn().Err(err).Msg("clear failed")
		}
	}
	c.ResetStats()
}

// ResetStats zeroes hit and miss counters, keeping entries.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.simpleHits.Store(0)
	c.misses.Store(0)
}

// Size returns the number of full-context entries.
func (c *Cache) Size(ctx context.Context) int {
	n, err := c.full.Len(ctx)
	if err != nil {
		c.lg.Warn().Err(err).Msg("size failed")
		return 0
	}
	return n
}

// Stats returns counters, sizes and the oldest/newest entry times across
// both namespaces.
func (c *Cache) Stats(ctx context.Context) Stats {
	st := Stats{
		Size:       c.Size(ctx),
		Hits:       c.hits.Load(),
		SimpleHits: c.simpleHits.Load(),
		Misses:     c.misses.Load(),
	}
	if n, err := c.simple.Len(ctx); err == nil {
		st.SimpleSize = n
	}
	if total := st.Hits + st.SimpleHits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits+st.SimpleHits) / float64(total)
	}
	for _, b := range []Backend{c.full, c.simple} {
		lo, hi, ok, err := b.Bounds(ctx)
		if err != nil || !ok {
			continue
		}
		if st.OldestEntry == nil || lo.Before(*st.OldestEntry) {
			l := lo
			st.OldestEntry = &l
		}
		if st.NewestEntry == nil || hi.After(*st.NewestEntry) {
			h := hi
			st.NewestEntry = &h
		}
	}
	return st
}

// StartSweeper runs ClearExpired every interval until ctx is done or Close is
// called. Calling it again replaces the running sweeper.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepEvery
	}
	c.Close()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.sweepMu.Lock()
	c.sweepCancel, c.sweepDone = cancel, done
	c.sweepMu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.ClearExpired(ctx); n > 0 {
					c.lg.Debug().Int("cleared", n).Msg("expired cache entries swept")
				}
			}
		}
	}()
}

// Close stops the background sweeper, if any, and waits for it to exit.
func (c *Cache) Close() {
	c.sweepMu.Lock()
	cancel, done := c.sweepCancel, c.sweepDone
	c.sweepCancel, c.sweepDone = nil, nil
	c.sweepMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Cache) lookup(ctx context.Context, b Backend, key string) (Value, bool) {
	e, ok, err := b.Load(ctx, key)
	if err != nil {
		c.lg.Warn().Err(err).Msg("cache load failed, treating as miss")
		return Value{}, false
	}
	if !ok {
		return Value{}, false
	}
	if c.opts.Now().After(e.ExpiresAt) {
		if err := b.Delete(ctx, key); err != nil {
			c.lg.Warn().Err(err).Msg("lazy expiry delete failed")
		}
		return Value{}, false
	}
	return Value{Content: e.Content, Timestamp: e.CreatedAt}, true
}

func (c *Cache) put(ctx context.Context, b Backend, key, content string, ttl time.Duration) {
	if c.opts.MaxEntries > 0 {
		if _, exists, _ := b.Load(ctx, key); !exists {
			if n, err := b.Len(ctx); err == nil && n >= c.opts.MaxEntries {
				if err := b.EvictOldest(ctx); err != nil {
					c.lg.Warn().Err(err).Msg("eviction failed")
				}
			}
		}
	}
	now := c.opts.Now()
	err := b.Store(ctx, Entry{Key: key, Content: content, CreatedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		c.lg.Warn().Err(err).Msg("cache store failed")
	}
}

func lastUser(msgs []domain.ChatMessage) (string, bool) {
	if len(msgs) == 0 {
		return "", false
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleUser || last.Content == "" {
		return "", false
	}
	return last.Content, true
}
