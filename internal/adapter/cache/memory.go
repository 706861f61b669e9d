package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/tenancy/internal/domain"
)

type entry struct {
	value     domain.CacheEntry
	expiresAt time.Time
}

// MemoryCache is an in-process domain.ResolutionCache.
//
// Each invalidation stamps the key with a fresh generation number. A populate
// only lands if the key's stamp is unchanged since the caller read it, so a
// lookup that started before an invalidation cannot write its result back.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	stamps  map[string]uint64
	gen     uint64
	floor   uint64

	logger *slog.Logger
	now    func() time.Time
}

var _ domain.ResolutionCache = (*MemoryCache)(nil)

func NewMemoryCache(logger *slog.Logger) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]entry),
		stamps:  make(map[string]uint64),
		logger:  logger.With("component", "resolution_cache"),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (domain.CacheEntry, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return domain.CacheEntry{}, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Epoch(_ context.Context, key string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epochLocked(key), nil
}

func (c *MemoryCache) SetIfEpoch(_ context.Context, key string, value domain.CacheEntry, ttl time.Duration, epoch uint64) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochLocked(key) != epoch {
		return false, nil
	}
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	return true, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.gen++
		c.stamps[key] = c.gen
		delete(c.entries, key)
	}
	return nil
}

// Purge drops expired entries and forgets stamps for keys with no entry.
// Keys whose stamp is forgotten report the highest stamp issued so far,
// which no earlier reader can hold.
func (c *MemoryCache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	for key := range c.stamps {
		if _, live := c.entries[key]; !live {
			delete(c.stamps, key)
		}
	}
	c.floor = c.gen
	return removed
}

// StartJanitor runs Purge on every tick until ctx is done.
func (c *MemoryCache) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				c.logger.Debug("purged expired resolution entries", "count", n)
			}
		}
	}
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) epochLocked(key string) uint64 {
	if s, ok := c.stamps[key]; ok {
		return s
	}
	return c.floor
}
