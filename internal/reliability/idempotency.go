package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockline/eventcore/internal/clock"
)

// IdempotencyStore remembers which (handler, event) pairs were processed
// successfully so redelivered events are skipped
type IdempotencyStore interface {
	Processed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
}

// IdempotencyKey builds the store key for a handler and event
func IdempotencyKey(handlerID, eventID string) string {
	return handlerID + ":" + eventID
}

// InMemoryIdempotencyStore expires keys after a TTL
type InMemoryIdempotencyStore struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	seen  map[string]time.Time
}

// NewInMemoryIdempotencyStore creates a store. A zero ttl keeps keys forever.
func NewInMemoryIdempotencyStore(clk clock.Clock, ttl time.Duration) *InMemoryIdempotencyStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &InMemoryIdempotencyStore{
		clock: clk,
		ttl:   ttl,
		seen:  make(map[string]time.Time),
	}
}

// Processed implements IdempotencyStore
func (s *InMemoryIdempotencyStore) Processed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.seen[key]
	if !ok {
		return false, nil
	}
	if s.ttl > 0 && s.clock.Now().Sub(at) >= s.ttl {
		delete(s.seen, key)
		return false, nil
	}
	return true, nil
}

// MarkProcessed implements IdempotencyStore
func (s *InMemoryIdempotencyStore) MarkProcessed(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[key] = s.clock.Now()
	return nil
}

// KeyValueClient is the part of the go-redis client used for idempotency
type KeyValueClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisIdempotencyStore keeps processed markers in Redis with a TTL
type RedisIdempotencyStore struct {
	client KeyValueClient
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a store namespaced by prefix
func NewRedisIdempotencyStore(client KeyValueClient, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "eventcore:processed:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

// Processed implements IdempotencyStore
func (s *RedisIdempotencyStore) Processed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, &StoreError{Op: "exists", Key: key, Err: err}
	}
	return n > 0, nil
}

// MarkProcessed implements IdempotencyStore
func (s *RedisIdempotencyStore) MarkProcessed(ctx context.Context, key string) error {
	if err := s.client.Set(ctx, s.prefix+key, 1, s.ttl).Err(); err != nil {
		return &StoreError{Op: "set", Key: key, Err: err}
	}
	return nil
}
