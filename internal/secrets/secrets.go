// Package secrets implements the SecretsProvider capability (spec §2
// item 2): fetch(name) -> bytes with a TTL cache, so credential lookups
// against a slow backing store (env, vault, parameter store) are cheap
// on the hot path.
package secrets

import (
	"context"
	"sync"
	"time"

	"github.com/adverant/docuflow/internal/capability"
)

// FetchFunc performs the actual uncached lookup, e.g. os.Getenv, a Vault
// client call, or an AWS Secrets Manager GetSecretValue.
type FetchFunc func(ctx context.Context, name string) ([]byte, error)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// TTLCache wraps a FetchFunc with an in-memory TTL cache, implementing
// capability.SecretsProvider.
type TTLCache struct {
	fetch FetchFunc
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

var _ capability.SecretsProvider = (*TTLCache)(nil)

// New creates a TTLCache. ttl <= 0 disables caching (every Fetch hits
// the backing FetchFunc).
func New(fetch FetchFunc, ttl time.Duration) *TTLCache {
	return &TTLCache{fetch: fetch, ttl: ttl, entries: map[string]entry{}}
}

func (c *TTLCache) Fetch(ctx context.Context, name string) ([]byte, error) {
	if c.ttl > 0 {
		c.mu.Lock()
		if e, ok := c.entries[name]; ok && time.Now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.value, nil
		}
		c.mu.Unlock()
	}

	value, err := c.fetch(ctx, name)
	if err != nil {
		return nil, err
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[name] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
	}
	return value, nil
}

// Invalidate drops a cached entry, forcing the next Fetch to hit the
// backing store.
func (c *TTLCache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}
