// Package cache provides the read-side quota snapshot cache. The cache only
// ever serves the quota read model; admission decisions never consult it,
// so a stale entry can mislead a dashboard but never over-admit.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"pipegate.io/pipegate/internal/domain"
)

// DefaultTTL bounds snapshot staleness between counter mutations. Writers
// invalidate eagerly, so the TTL only matters for mutations this process
// never saw.
const DefaultTTL = 5 * time.Second

// DefaultSize caps the number of orgs held at once.
const DefaultSize = 4096

// QuotaCache is a TTL-bounded LRU of per-org quota snapshots.
type QuotaCache struct {
	entries *expirable.LRU[string, domain.QuotaSnapshot]
}

// New creates a QuotaCache. Non-positive size or ttl fall back to the
// defaults.
func New(size int, ttl time.Duration) *QuotaCache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &QuotaCache{
		entries: expirable.NewLRU[string, domain.QuotaSnapshot](size, nil, ttl),
	}
}

// Get returns the cached snapshot for org, if fresh.
func (c *QuotaCache) Get(org string) (domain.QuotaSnapshot, bool) {
	return c.entries.Get(org)
}

// Set stores the snapshot for org.
func (c *QuotaCache) Set(org string, snap domain.QuotaSnapshot) {
	c.entries.Add(org, snap)
}

// Invalidate drops the entry for org. Called after every counter mutation
// so the next read refetches.
func (c *QuotaCache) Invalidate(org string) {
	c.entries.Remove(org)
}
