package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in any tier.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a cache entry is invalid or corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultMemorySize is the default capacity of the in-process LRU tier.
const DefaultMemorySize = 1024

// Manager handles page cache operations across both tiers. The Redis client
// is optional; with a nil client the cache is memory-only.
type Manager struct {
	memory *lru.Cache[string, *Entry]
	redis  *redis.Client
}

// NewManager creates a cache manager. memorySize <= 0 uses DefaultMemorySize.
func NewManager(memorySize int, redisClient *redis.Client) (*Manager, error) {
	if memorySize <= 0 {
		memorySize = DefaultMemorySize
	}

	memory, err := lru.New[string, *Entry](memorySize)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}

	return &Manager{
		memory: memory,
		redis:  redisClient,
	}, nil
}

// Get retrieves an entry, trying the memory tier first.
// Returns ErrCacheMiss if no tier holds a live entry.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	cacheKey := key.String()

	if entry, ok := m.memory.Get(cacheKey); ok {
		if entry.IsExpired() {
			m.memory.Remove(cacheKey)
		} else {
			CacheHits.WithLabelValues("memory").Inc()
			return entry, nil
		}
	}

	if m.redis == nil {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	data, err := m.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	// Promote to the memory tier.
	m.memory.Add(cacheKey, &entry)

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, nil
}

// Set stores an entry in both tiers. Entries that are already expired are
// silently dropped.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	cacheKey := key.String()
	m.memory.Add(cacheKey, entry)

	if m.redis == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, cacheKey, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes an entry from both tiers.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	cacheKey := key.String()
	m.memory.Remove(cacheKey)

	if m.redis == nil {
		return nil
	}

	if err := m.redis.Del(ctx, cacheKey).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}
