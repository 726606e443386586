// Package lease hands out time-bounded, first-caller-wins claims on string
// keys. Refresh-token rotation and staff notification cooldowns use it so a
// token is rotated once and a chat is mailed once, in one process or across
// replicas sharing Redis.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store claims keys until their TTL runs out.
type Store interface {
	// Acquire claims key for ttl. It reports false when key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim early.
	Release(ctx context.Context, key string) error
	// Held reports whether key is claimed right now.
	Held(ctx context.Context, key string) (bool, error)
}

// minTTL keeps a claim alive for at least a second; Redis rejects a zero
// expiry on SET NX.
const minTTL = time.Second

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minTTL {
		return minTTL
	}
	return ttl
}

// pruneEvery is how many acquires pass between sweeps of expired claims.
const pruneEvery = 256

// Memory is a process-local Store.
type Memory struct {
	now func() time.Time

	mu       sync.Mutex
	until    map[string]time.Time
	acquires int
}

// NewMemory returns an empty Memory store reading time from now (time.Now
// when nil).
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, until: make(map[string]time.Time)}
}

// Acquire implements Store.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	m.acquires++
	if m.acquires%pruneEvery == 0 {
		for k, exp := range m.until {
			if !now.Before(exp) {
				delete(m.until, k)
			}
		}
	}

	if exp, ok := m.until[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.until[key] = now.Add(clampTTL(ttl))
	return true, nil
}

// Release implements Store.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.until, key)
	m.mu.Unlock()
	return nil
}

// Held implements Store.
func (m *Memory) Held(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.until[key]
	return ok && m.now().Before(exp), nil
}

// Len returns the number of tracked claims, expired ones included until the
// next sweep.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.until)
}

// Redis is a Store shared by every replica on the same Redis.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis claims keys under prefix on rdb.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

// Acquire implements Store with SET NX PX.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+key, 1, clampTTL(ttl)).Result()
}

// Release implements Store.
func (r *Redis) Release(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}

// Held implements Store.
func (r *Redis) Held(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.prefix+key).Result()
	return n > 0, err
}
