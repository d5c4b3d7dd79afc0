package cache

import (
	"context"
	"sync"
	"time"
)

// TokenCache stores short-lived gateway credentials keyed by consumer key.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, token string, ttl time.Duration) error
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryTokenCache keeps tokens in process. Used when no redis is configured.
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.token, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, key string, token string, ttl time.Duration) error {
	if token == "" || ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{token: token, expiresAt: c.now().Add(ttl)}
	return nil
}
