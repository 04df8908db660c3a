package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend stores entries as JSON strings with native expiry, plus a
// sorted set (score = CreatedAt) used for eviction order and bounds. Members
// whose string expired are dropped from the index by DeleteExpired.
type redisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend returns a Backend over client namespaced by prefix
// (e.g. "llmchat:cache:full:").
func NewRedisBackend(client redis.UniversalClient, prefix string) Backend {
	return &redisBackend{client: client, prefix: prefix}
}

func (r *redisBackend) key(k string) string { return r.prefix + k }
func (r *redisBackend) index() string       { return r.prefix + "__index" }

func (r *redisBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *redisBackend) Store(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(e.Key), raw, ttl)
		p.ZAdd(ctx, r.index(), redis.Z{Score: float64(e.CreatedAt.UnixNano()), Member: e.Key})
		return nil
	})
	return err
}

func (r *redisBackend) Delete(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key(key))
		p.ZRem(ctx, r.index(), key)
		return nil
	})
	return err
}

// DeleteExpired only reconciles the index; Redis has already dropped the values.
func (r *redisBackend) DeleteExpired(ctx context.Context, _ time.Time) (int, error) {
	members, err := r.client.ZRange(ctx, r.index(), 0, -1).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}
	cmds := make([]*redis.IntCmd, len(members))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = p.Exists(ctx, r.key(m))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var gone []any
	for i, c := range cmds {
		if c.Val() == 0 {
			gone = append(gone, members[i])
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	if err := r.client.ZRem(ctx, r.index(), gone...).Err(); err != nil {
		return 0, err
	}
	return len(gone), nil
}

func (r *redisBackend) EvictOldest(ctx context.Context) error {
	popped, err := r.client.ZPopMin(ctx, r.index(), 1).Result()
	if err != nil || len(popped) == 0 {
		return err
	}
	member, _ := popped[0].Member.(string)
	return r.client.Del(ctx, r.key(member)).Err()
}

func (r *redisBackend) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.index()).Result()
	return int(n), err
}

func (r *redisBackend) Bounds(ctx context.Context) (oldest, newest time.Time, ok bool, err error) {
	lo, err := r.client.ZRangeWithScores(ctx, r.index(), 0, 0).Result()
	if err != nil || len(lo) == 0 {
		return time.Time{}, time.Time{}, false, err
	}
	hi, err := r.client.ZRangeWithScores(ctx, r.index(), -1, -1).Result()
	if err != nil || len(hi) == 0 {
		return time.Time{}, time.Time{}, false, err
	}
	return time.Unix(0, int64(lo[0].Score)), time.Unix(0, int64(hi[0].Score)), true, nil
}

func (r *redisBackend) Clear(ctx context.Context) error {
	members, err := r.client.ZRange(ctx, r.index(), 0, -1).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, r.key(m))
	}
	keys = append(keys, r.index())
	return r.client.Del(ctx, keys...).Err()
}
