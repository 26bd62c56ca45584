package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeStore remembers which trigger keys were already fired.
type DedupeStore interface {
	// Claim records key for ttl. It returns false when key is already held.
	// ttl <= 0 holds the key until Forget.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget releases key so the trigger can fire again.
	Forget(ctx context.Context, key string) error
}

// ============================================================================
// In-memory store
// ============================================================================

// MemoryDedupe is a DedupeStore for a single process.
type MemoryDedupe struct {
	mu   sync.Mutex
	keys map[string]time.Time // zero time: no expiry
	now  func() time.Time
}

// NewMemoryDedupe creates an empty store. now may be nil.
func NewMemoryDedupe(now func() time.Time) *MemoryDedupe {
	if now == nil {
		now = time.Now
	}
	return &MemoryDedupe{keys: make(map[string]time.Time), now: now}
}

func (m *MemoryDedupe) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.keys[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.keys[key] = exp
	m.prune(now)
	return true, nil
}

func (m *MemoryDedupe) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of held keys.
func (m *MemoryDedupe) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())
	return len(m.keys)
}

func (m *MemoryDedupe) prune(now time.Time) {
	for k, exp := range m.keys {
		if !exp.IsZero() && !now.Before(exp) {
			delete(m.keys, k)
		}
	}
}

// ============================================================================
// Redis store
// ============================================================================

// RedisDedupe shares claimed keys between processes with SET NX.
type RedisDedupe struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDedupe creates a store writing keys under prefix.
func NewRedisDedupe(client redis.UniversalClient, prefix string) *RedisDedupe {
	if prefix == "" {
		prefix = "greenrack:dedupe:"
	}
	return &RedisDedupe{client: client, prefix: prefix}
}

func (r *RedisDedupe) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, r.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisDedupe) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
