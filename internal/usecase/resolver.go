package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/V4T54L/tenancy/internal/adapter/metrics"
	"github.com/V4T54L/tenancy/internal/domain"
)

// ResolverConfig selects the one strategy active for the deployment.
type ResolverConfig struct {
	Strategy       domain.ResolutionStrategy
	CentralDomains []string
	BaseDomain     string
	CacheTTL       time.Duration
	NegativeTTL    time.Duration
}

// TenantResolver maps a request signature to a tenant id.
type TenantResolver struct {
	cfg     ResolverConfig
	central map[string]struct{}
	base    string
	tenants domain.TenantRepository
	cache   domain.ResolutionCache
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.TenancyMetrics
	now     func() time.Time
}

// NewTenantResolver builds a resolver. A nil cache disables caching.
func NewTenantResolver(cfg ResolverConfig, tenants domain.TenantRepository, cache domain.ResolutionCache, logger *slog.Logger, m *metrics.TenancyMetrics) *TenantResolver {
	central := make(map[string]struct{}, len(cfg.CentralDomains))
	for _, d := range cfg.CentralDomains {
		if d = domain.NormalizeHost(d); d != "" {
			central[d] = struct{}{}
		}
	}
	return &TenantResolver{
		cfg:     cfg,
		central: central,
		base:    domain.NormalizeHost(cfg.BaseDomain),
		tenants: tenants,
		cache:   cache,
		logger:  logger.With("component", "tenant_resolver"),
		metrics: m,
		now:     time.Now,
	}
}

// IsCentral reports whether host is a landlord domain.
func (r *TenantResolver) IsCentral(host string) bool {
	_, ok := r.central[domain.NormalizeHost(host)]
	return ok
}

// Key extracts the resolution key for the active strategy. It reports false
// for central hosts and for requests that carry no key.
func (r *TenantResolver) Key(sig domain.RequestSignature) (string, bool) {
	host := domain.NormalizeHost(sig.Host)
	if r.IsCentral(host) {
		return "", false
	}

	switch r.cfg.Strategy {
	case domain.StrategyDomain:
		if host == "" {
			return "", false
		}
		return host, true

	case domain.StrategySubdomain:
		if r.base == "" {
			return "", false
		}
		label, ok := strings.CutSuffix(host, "."+r.base)
		// Nested subdomains are not tenant subdomains.
		if !ok || label == "" || strings.Contains(label, ".") {
			return "", false
		}
		return label, true

	case domain.StrategyPath:
		segment := strings.TrimLeft(sig.Path, "/")
		if i := strings.IndexByte(segment, '/'); i >= 0 {
			segment = segment[:i]
		}
		segment = domain.NormalizeKey(segment)
		if segment == "" {
			return "", false
		}
		return segment, true
	}
	return "", false
}

// Resolve returns the tenant id owning the request, or ErrTenantNotFound.
func (r *TenantResolver) Resolve(ctx context.Context, sig domain.RequestSignature) (string, error) {
	key, ok := r.Key(sig)
	if !ok {
		r.count("central")
		return "", domain.ErrTenantNotFound
	}
	return r.ResolveKey(ctx, key)
}

// ResolveKey resolves an already extracted resolution key.
func (r *TenantResolver) ResolveKey(ctx context.Context, key string) (string, error) {
	key = domain.NormalizeKey(key)
	if key == "" {
		return "", domain.ErrTenantNotFound
	}

	if r.cache != nil {
		entry, hit, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn("resolution cache read failed, falling back to store", "key", key, "error", err)
		} else if hit {
			if entry.Negative {
				r.count("negative_hit")
				return "", domain.ErrTenantNotFound
			}
			r.count("hit")
			return entry.TenantID, nil
		}
	}

	epoch, guarded := r.epoch(ctx, key)
	var id string
	var err error
	if guarded {
		// Concurrent misses share one store lookup per epoch, so a caller
		// arriving after an invalidation never joins a lookup started before it.
		var v any
		v, err, _ = r.group.Do(key+"#"+strconv.FormatUint(epoch, 10), func() (any, error) {
			return r.lookup(ctx, key, epoch, true)
		})
		if err == nil {
			id = v.(string)
		}
	} else {
		id, err = r.lookup(ctx, key, 0, false)
	}
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			r.count("not_found")
		} else {
			r.count("error")
		}
		return "", err
	}
	r.count("miss")
	return id, nil
}

func (r *TenantResolver) epoch(ctx context.Context, key string) (uint64, bool) {
	if r.cache == nil {
		return 0, false
	}
	e, err := r.cache.Epoch(ctx, key)
	if err != nil {
		r.logger.Warn("resolution cache epoch unavailable, lookup not cached", "key", key, "error", err)
		return 0, false
	}
	return e, true
}

// lookup reads the store and, when guarded, populates the cache only if no
// invalidation happened since epoch was read.
func (r *TenantResolver) lookup(ctx context.Context, key string, epoch uint64, guarded bool) (string, error) {
	t, err := r.tenants.FindByResolutionKey(ctx, key)
	switch {
	case errors.Is(err, domain.ErrTenantNotFound):
		r.populate(ctx, guarded, key, domain.CacheEntry{Negative: true}, r.cfg.NegativeTTL, epoch)
		return "", domain.ErrTenantNotFound
	case err != nil:
		return "", fmt.Errorf("resolve %q: %w", key, err)
	}

	if !t.Routable(r.now()) {
		r.logger.Debug("resolution key owned by a tenant that is not routable", "key", key, "tenant_id", t.ID)
		r.populate(ctx, guarded, key, domain.CacheEntry{Negative: true}, r.cfg.NegativeTTL, epoch)
		return "", domain.ErrTenantNotFound
	}

	r.populate(ctx, guarded, key, domain.CacheEntry{TenantID: t.ID}, r.positiveTTLFor(t), epoch)
	return t.ID, nil
}

func (r *TenantResolver) populate(ctx context.Context, ok bool, key string, entry domain.CacheEntry, ttl time.Duration, epoch uint64) {
	if !ok || ttl <= 0 {
		return
	}
	stored, err := r.cache.SetIfEpoch(ctx, key, entry, ttl, epoch)
	if err != nil {
		r.logger.Warn("failed to populate resolution cache", "key", key, "error", err)
		return
	}
	if !stored {
		r.logger.Debug("resolution key changed during lookup, result not cached", "key", key)
	}
}

// positiveTTLFor keeps a cached entry from outliving the tenant's expiry.
func (r *TenantResolver) positiveTTLFor(t *domain.Tenant) time.Duration {
	ttl := r.cfg.CacheTTL
	if t.ExpiresAt != nil {
		if left := t.ExpiresAt.Sub(r.now()); left < ttl {
			ttl = left
		}
	}
	return ttl
}

func (r *TenantResolver) count(result string) {
	if r.metrics != nil {
		r.metrics.ResolverLookups.WithLabelValues(result).Inc()
	}
}
