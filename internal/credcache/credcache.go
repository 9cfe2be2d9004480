// Package credcache caches per-cluster CloudProvider credentials
// behind an LRU, since cluster tokens are short-lived and single-use
// per spec §6 but a batch run resolves providers repeatedly for the
// same cluster across retries. Generalizes the teacher's hand-rolled,
// mutex-guarded TTL cache (pkg/history/cache/l1_cache.go) onto
// hashicorp/golang-lru/v2, which gives bounded-size eviction for free
// instead of a manual "evict oldest" loop.
package credcache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openguard/guard/internal/ports"
)

// Cache memoizes GenerateClusterToken results per cluster ID until
// they are within expireSkew of expiry, per §6's "treat as single-use"
// caveat: a token close to expiry is always refreshed rather than
// handed out again.
type Cache struct {
	mu         sync.Mutex
	lru        *lru.Cache[string, ports.ClusterToken]
	provider   ports.CloudProvider
	expireSkew time.Duration
	now        func() time.Time
}

// New constructs a Cache wrapping provider, holding up to size
// entries.
func New(provider ports.CloudProvider, size int, expireSkew time.Duration) (*Cache, error) {
	if size <= 0 {
		size = 256
	}
	l, err := lru.New[string, ports.ClusterToken](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, provider: provider, expireSkew: expireSkew, now: time.Now}, nil
}

// Token returns a cached, still-fresh token for clusterName, or mints
// one via the wrapped CloudProvider and caches it.
func (c *Cache) Token(ctx context.Context, clusterName string) (ports.ClusterToken, error) {
	c.mu.Lock()
	if tok, ok := c.lru.Get(clusterName); ok && c.now().Add(c.expireSkew).Before(tok.ExpiresAt) {
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	tok, err := c.provider.GenerateClusterToken(ctx, clusterName)
	if err != nil {
		return ports.ClusterToken{}, err
	}

	c.mu.Lock()
	c.lru.Add(clusterName, tok)
	c.mu.Unlock()
	return tok, nil
}

// Invalidate drops any cached token for clusterName, e.g. after a
// provider call reports an authentication failure.
func (c *Cache) Invalidate(clusterName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(clusterName)
}
