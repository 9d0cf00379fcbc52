package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soltixdb/searchcoord/internal/config"
)

// DedupStore holds short-lived markers for in-flight events
type DedupStore interface {
	// Acquire sets key unless it is already set. It reports whether this caller set it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// NewDedupStore creates the configured dedup store
func NewDedupStore(cfg config.DedupConfig) (DedupStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		return NewRedisDedupStore(cfg.RedisURL, "")
	case "memory", "":
		return NewMemoryDedupStore(), nil
	default:
		return nil, fmt.Errorf("unsupported dedup backend: %s", cfg.Backend)
	}
}

// RedisDedupStore keeps markers in Redis so every coordinator shares them
type RedisDedupStore struct {
	client *redis.Client
	prefix string
}

// NewRedisDedupStore connects to url
func NewRedisDedupStore(url, prefix string) (*RedisDedupStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisDedupStoreWithClient(client, prefix), nil
}

// NewRedisDedupStoreWithClient wraps an existing client
func NewRedisDedupStoreWithClient(client *redis.Client, prefix string) *RedisDedupStore {
	if prefix == "" {
		prefix = "searchcoord:dedup:"
	}
	return &RedisDedupStore{client: client, prefix: prefix}
}

func (s *RedisDedupStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set dedup marker: %w", err)
	}
	return ok, nil
}

func (s *RedisDedupStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// MemoryDedupStore keeps markers in process
type MemoryDedupStore struct {
	mu      sync.Mutex
	markers map[string]time.Time
	now     func() time.Time
}

// NewMemoryDedupStore creates an empty store
func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{markers: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryDedupStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expires, ok := s.markers[key]; ok && now.Before(expires) {
		return false, nil
	}
	s.markers[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryDedupStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.markers, key)
	s.mu.Unlock()
	return nil
}
