package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/tenancy/internal/domain"
)

const (
	entryNamespace = "res:"
	epochNamespace = "epoch:"
	negativeValue  = "-"
	positivePrefix = "t:"

	// epochTTL outlives any in-flight lookup by a wide margin.
	epochTTL = 24 * time.Hour

	purgeBatch = 500
)

// ErrUnavailable is returned by writes while Redis cannot be reached.
var ErrUnavailable = errors.New("resolution cache unavailable")

var errStaleEpoch = errors.New("stale epoch")

// ResolutionCache is a domain.ResolutionCache shared by every tenancyd replica.
//
// Entries live under <prefix>res:<key>; each key's invalidation counter lives
// under <prefix>epoch:<key>. Populates WATCH the counter so a lookup that
// raced an invalidation is discarded. While Redis is unreachable reads are
// treated as misses and writes fail; on recovery every entry under the prefix
// is purged before the cache serves again, since invalidations may have been
// missed in between.
type ResolutionCache struct {
	client      redis.UniversalClient
	prefix      string
	logger      *slog.Logger
	isAvailable atomic.Bool
}

var _ domain.ResolutionCache = (*ResolutionCache)(nil)

func NewResolutionCache(client redis.UniversalClient, prefix string, logger *slog.Logger) *ResolutionCache {
	c := &ResolutionCache{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis_resolution_cache"),
	}
	c.isAvailable.Store(true)
	return c
}

func (c *ResolutionCache) Get(ctx context.Context, key string) (domain.CacheEntry, bool, error) {
	if !c.isAvailable.Load() {
		return domain.CacheEntry{}, false, nil
	}
	val, err := c.client.Get(ctx, c.entryKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		c.markDown(err)
		return domain.CacheEntry{}, false, fmt.Errorf("get resolution entry %q: %w", key, err)
	}
	entry, ok := decodeEntry(val)
	if !ok {
		c.logger.Warn("dropping malformed resolution entry", "key", key)
		return domain.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *ResolutionCache) Epoch(ctx context.Context, key string) (uint64, error) {
	if !c.isAvailable.Load() {
		return 0, ErrUnavailable
	}
	n, err := c.client.Get(ctx, c.epochKey(key)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		c.markDown(err)
		return 0, fmt.Errorf("read epoch for %q: %w", key, err)
	}
	return n, nil
}

func (c *ResolutionCache) SetIfEpoch(ctx context.Context, key string, entry domain.CacheEntry, ttl time.Duration, epoch uint64) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	if !c.isAvailable.Load() {
		return false, ErrUnavailable
	}
	epochKey := c.epochKey(key)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, epochKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != epoch {
			return errStaleEpoch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.entryKey(key), encodeEntry(entry), ttl)
			return nil
		})
		return err
	}, epochKey)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errStaleEpoch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		c.markDown(err)
		return false, fmt.Errorf("populate resolution entry %q: %w", key, err)
	}
}

// Invalidate bumps each key's epoch and deletes its entry in one transaction.
func (c *ResolutionCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if !c.isAvailable.Load() {
		return ErrUnavailable
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			epochKey := c.epochKey(key)
			pipe.Incr(ctx, epochKey)
			pipe.Expire(ctx, epochKey, epochTTL)
			pipe.Del(ctx, c.entryKey(key))
		}
		return nil
	})
	if err != nil {
		c.markDown(err)
		return fmt.Errorf("invalidate %d resolution key(s): %w", len(keys), err)
	}
	return nil
}

// StartHealthCheck pings Redis on every tick. A recovered connection is
// purged before the cache is marked available again.
func (c *ResolutionCache) StartHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("starting redis health check", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping redis health check")
			return
		case <-ticker.C:
			if err := c.client.Ping(ctx).Err(); err != nil {
				if c.isAvailable.CompareAndSwap(true, false) {
					c.logger.Error("redis connection lost", "error", err)
				}
				continue
			}
			if c.isAvailable.Load() {
				continue
			}
			n, err := c.Purge(ctx)
			if err != nil {
				c.logger.Error("failed to purge resolution cache after recovery", "error", err)
				continue
			}
			c.isAvailable.Store(true)
			c.logger.Info("redis connection recovered", "purged", n)
		}
	}
}

// Purge deletes every resolution entry under the prefix. Epoch counters are kept.
func (c *ResolutionCache) Purge(ctx context.Context) (int, error) {
	var cursor uint64
	purged := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+entryNamespace+"*", purgeBatch).Result()
		if err != nil {
			return purged, fmt.Errorf("scan resolution entries: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return purged, fmt.Errorf("delete resolution entries: %w", err)
			}
			purged += int(n)
		}
		if next == 0 {
			return purged, nil
		}
		cursor = next
	}
}

func (c *ResolutionCache) Available() bool { return c.isAvailable.Load() }

func (c *ResolutionCache) markDown(err error) {
	if isNetworkError(err) && c.isAvailable.CompareAndSwap(true, false) {
		c.logger.Error("redis connection lost during cache operation", "error", err)
	}
}

func (c *ResolutionCache) entryKey(key string) string { return c.prefix + entryNamespace + key }
func (c *ResolutionCache) epochKey(key string) string { return c.prefix + epochNamespace + key }

func encodeEntry(e domain.CacheEntry) string {
	if e.Negative {
		return negativeValue
	}
	return positivePrefix + e.TenantID
}

func decodeEntry(val string) (domain.CacheEntry, bool) {
	if val == negativeValue {
		return domain.CacheEntry{Negative: true}, true
	}
	id, ok := strings.CutPrefix(val, positivePrefix)
	if !ok || id == "" {
		return domain.CacheEntry{}, false
	}
	return domain.CacheEntry{TenantID: id}, true
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed)
}
