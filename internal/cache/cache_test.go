package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-llm-chat/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func quietLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func userMsgs(texts ...string) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(texts))
	for i, s := range texts {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		out = append(out, domain.ChatMessage{Role: role, Content: s})
	}
	return out
}

func TestCache_SetGet_RoundTripAndMissCounting(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := NewMemory(Options{Now: clk.Now, Logger: quietLogger()})

	msgs := userMsgs("Hello")
	if _, ok := c.Get(ctx, "e", msgs, testParams); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set(ctx, "e", msgs, testParams, "Hi there", 0)

	v, ok := c.Get(ctx, "E ", userMsgs(" hello "), testParams)
	if !ok || v.Content != "Hi there" {
		t.Fatalf("expected normalized hit, got ok=%v v=%+v", ok, v)
	}
	if !v.Timestamp.Equal(clk.Now()) {
		t.Fatalf("expected timestamp %v, got %v", clk.Now(), v.Timestamp)
	}

	st := c.Stats(ctx)
	if st.Hits != 1 || st.Misses != 1 || st.Size != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.HitRate != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", st.HitRate)
	}
}

func TestCache_ExpiredEntriesAreMissesAndSwept(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := NewMemory(Options{Now: clk.Now, Logger: quietLogger()})

	c.Set(ctx, "e", userMsgs("a"), testParams, "A", time.Minute)
	c.Set(ctx, "e", userMsgs("b"), testParams, "B", time.Hour)
	clk.Advance(2 * time.Minute)

	if _, ok := c.Get(ctx, "e", userMsgs("a"), testParams); ok {
		t.Fatal("expected expired entry to be a miss")
	}
	if c.Size(ctx) != 1 {
		t.Fatalf("expected lazy delete to drop expired entry, size=%d", c.Size(ctx))
	}

	c.Set(ctx, "e", userMsgs("c"), testParams, "C", time.Second)
	clk.Advance(time.Minute)
	if n := c.ClearExpired(ctx); n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}
	if _, ok := c.Get(ctx, "e", userMsgs("b"), testParams); !ok {
		t.Fatal("fresh entry must survive the sweep")
	}
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := NewMemory(Options{Now: clk.Now, MaxEntries: 3, Logger: quietLogger()})

	for i := 0; i < 4; i++ {
		c.Set(ctx, "e", userMsgs(fmt.Sprintf("q%d", i)), testParams, "r", 0)
		clk.Advance(time.Second)
	}
	if n := c.Size(ctx); n != 3 {
		t.Fatalf("expected size capped at 3, got %d", n)
	}
	if _, ok := c.Get(ctx, "e", userMsgs("q0"), testParams); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := c.Get(ctx, "e", userMsgs("q3"), testParams); !ok {
		t.Fatal("expected newest entry present")
	}

	// Overwriting an existing key does not evict.
	c.Set(ctx, "e", userMsgs("q3"), testParams, "r2", 0)
	if n := c.Size(ctx); n != 3 {
		t.Fatalf("overwrite changed size to %d", n)
	}
}

func TestCache_ClearResetsStatsAndBounds(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := NewMemory(Options{Now: clk.Now, Logger: quietLogger()})

	t0 := clk.Now()
	c.Set(ctx, "e", userMsgs("a"), testParams, "A", 0)
	clk.Advance(time.Second)
	c.Set(ctx, "e", userMsgs("b"), testParams, "B", 0)
	c.Get(ctx, "e", userMsgs("a"), testParams)
	c.Get(ctx, "e", userMsgs("zzz"), testParams)

	st := c.Stats(ctx)
	if st.OldestEntry == nil || !st.OldestEntry.Equal(t0) {
		t.Fatalf("unexpected oldest %v", st.OldestEntry)
	}
	if st.NewestEntry == nil || !st.NewestEntry.Equal(t0.Add(time.Second)) {
		t.Fatalf("unexpected newest %v", st.NewestEntry)
	}

	c.ResetStats()
	if st := c.Stats(ctx); st.Hits != 0 || st.Misses != 0 || st.Size != 2 || st.HitRate != 0 {
		t.Fatalf("ResetStats must keep entries and zero counters: %+v", st)
	}

	c.Get(ctx, "e", userMsgs("a"), testParams)
	c.Clear(ctx)
	st = c.Stats(ctx)
	if st.Size != 0 || st.Hits != 0 || st.OldestEntry != nil || st.NewestEntry != nil {
		t.Fatalf("expected empty cache after Clear, got %+v", st)
	}
}

func TestCache_SimpleLookup(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()

	off := NewMemory(Options{Now: clk.Now, Logger: quietLogger()})
	off.Set(ctx, "e", userMsgs("first", "answer", "What is Go?"), testParams, "A language", 0)
	if _, ok := off.Get(ctx, "e", userMsgs("What is Go?"), testParams); ok {
		t.Fatal("simple lookup must be off by default")
	}

	on := NewMemory(Options{Now: clk.Now, SimpleLookup: true, Logger: quietLogger()})
	on.Set(ctx, "e", userMsgs("first", "answer", "What is Go?"), testParams, "A language", 0)
	v, ok := on.Get(ctx, "e", userMsgs("what is go?"), testParams)
	if !ok || v.Content != "A language" {
		t.Fatalf("expected simple hit, got ok=%v v=%+v", ok, v)
	}
	st := on.Stats(ctx)
	if st.SimpleHits != 1 || st.Hits != 0 || st.SimpleSize != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	// Assistant-terminated histories never populate the simple namespace.
	on.Set(ctx, "e", userMsgs("q", "a"), testParams, "x", 0)
	if st := on.Stats(ctx); st.SimpleSize != 1 {
		t.Fatalf("expected simple size unchanged, got %d", st.SimpleSize)
	}
}

func TestCache_Sweeper_StopsOnClose(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(Options{Logger: quietLogger()})
	c.Set(ctx, "e", userMsgs("a"), testParams, "A", time.Millisecond)

	c.StartSweeper(ctx, 5*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for c.Size(ctx) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not remove expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Close()
	c.Close() // idempotent
}

func TestCache_SQLBackend(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.CacheEntry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	clk := newFakeClock()
	c := New(
		NewSQLBackend(db, domain.CacheKindFull),
		NewSQLBackend(db, domain.CacheKindSimple),
		Options{Now: clk.Now, MaxEntries: 2, SimpleLookup: true, Logger: quietLogger()},
	)

	c.Set(ctx, "e", userMsgs("a"), testParams, "A", time.Minute)
	clk.Advance(time.Second)
	c.Set(ctx, "e", userMsgs("b"), testParams, "B", time.Minute)
	clk.Advance(time.Second)
	c.Set(ctx, "e", userMsgs("c"), testParams, "C", time.Minute)

	if n := c.Size(ctx); n != 2 {
		t.Fatalf("expected 2 rows after eviction, got %d", n)
	}
	if v, ok := c.Get(ctx, "e", userMsgs("b", "x", "c"), testParams); !ok || v.Content != "C" {
		t.Fatalf("expected simple hit for c, got ok=%v v=%+v", ok, v)
	}

	clk.Advance(2 * time.Minute)
	if n := c.ClearExpired(ctx); n != 4 {
		t.Fatalf("expected 4 expired rows across both kinds, got %d", n)
	}
}
