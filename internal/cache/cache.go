// Package cache stores serialized responses that are expensive to rebuild.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// New returns a Redis cache when redisURL is set and reachable, else an
// in-process one.
func New(ctx context.Context, redisURL string, log *zap.Logger) Cache {
	if redisURL == "" {
		return NewMemory()
	}
	r, err := NewRedis(ctx, redisURL, log)
	if err != nil {
		log.Warn("redis unavailable, using in-process cache", zap.Error(err))
		return NewMemory()
	}
	return r
}

type entry struct {
	value   []byte
	expires time.Time
}

type Memory struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]entry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expires) {
		delete(m.items, key)
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = entry{value: value, expires: m.now().Add(ttl)}
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// Redis shares the cache between server instances. Redis failures are
// logged and treated as misses.
type Redis struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedis(ctx context.Context, url string, log *zap.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb, log: log}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return b, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		r.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		r.log.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *Redis) Close() error { return r.rdb.Close() }
