package qc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowStore remembers which request windows were already processed.
type WindowStore interface {
	// MarkSeen records key and reports whether it was new.
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// MemoryWindowStore keeps keys in process memory until they expire.
type MemoryWindowStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryWindowStore creates a store. A non-positive ttl keeps keys forever.
func NewMemoryWindowStore(ttl time.Duration) *MemoryWindowStore {
	return &MemoryWindowStore{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryWindowStore) MarkSeen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.seen[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if s.ttl > 0 {
		exp = now.Add(s.ttl)
	}
	s.seen[key] = exp
	return true, nil
}

// RedisWindowStore shares seen keys between workers with SETNX.
type RedisWindowStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisWindowStore creates a Redis-backed store. A non-positive ttl keeps keys forever.
func NewRedisWindowStore(client *redis.Client, ttl time.Duration) *RedisWindowStore {
	return &RedisWindowStore{client: client, ttl: ttl, prefix: "sod:qc:window:"}
}

func (s *RedisWindowStore) MarkSeen(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark window seen: %w", err)
	}
	return ok, nil
}
