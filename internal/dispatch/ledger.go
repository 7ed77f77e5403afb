package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger guards at-most-once dispatch of compensation commands. Reserve
// claims an idempotency key before publishing; a key that is already claimed
// means the command left this process (or a peer) earlier and must not be
// sent again. Release returns a claim after a failed publish so a retry can
// reclaim it.
type Ledger interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryLedger is an in-process Ledger for tests and single-node runs.
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]struct{})}
}

func (l *MemoryLedger) Reserve(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.keys[key]; exists {
		return false, nil
	}
	l.keys[key] = struct{}{}
	return true, nil
}

func (l *MemoryLedger) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.keys, key)
	return nil
}

// RedisLedger claims keys with SET NX so claims are visible across engine
// replicas. Claims expire after the TTL; by then the saga either completed
// or was flagged stuck, and an expired claim no longer guards anything.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a ledger on the given Redis client. Keys are stored
// under the prefix and expire after ttl.
func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(key string) string {
	return l.prefix + ":" + key
}

func (l *RedisLedger) Reserve(ctx context.Context, key string) (bool, error) {
	claimed, err := l.client.SetNX(ctx, l.key(key), "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", key, err)
	}
	return claimed, nil
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*RedisLedger)(nil)
)
