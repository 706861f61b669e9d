package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/tenancy/internal/adapter/metrics"
	"github.com/V4T54L/tenancy/internal/domain"
)

const (
	defaultMaxSize       = 10
	defaultProbeAttempts = 3
	defaultProbeTimeout  = 2 * time.Second
)

var errRetired = errors.New("bucket retired")

// Config bounds every tenant bucket.
type Config struct {
	MaxSize             int
	MinSize             int
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ProbeTimeout        time.Duration
	ProbeAttempts       int
}

// Pool keeps a lazily grown bucket of connections per tenant.
// The buckets map has its own lock; each bucket has another, so traffic for
// one tenant never waits on another tenant's bucket.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.TenancyMetrics
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
}

var _ domain.ConnectionPool = (*Pool)(nil)

// New creates an empty pool.
func New(cfg Config, logger *slog.Logger, m *metrics.TenancyMetrics) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.MinSize < 0 || cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = 0
	}
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = defaultProbeAttempts
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger.With("component", "connection_pool"),
		metrics: m,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Checkout returns a connection for tenantID, dialing a new one when the
// bucket has room and nothing idle. A saturated bucket queues the caller in
// FIFO order until a connection is released, the acquire timeout passes, or
// ctx is done.
func (p *Pool) Checkout(ctx context.Context, tenantID string, dial domain.DialFunc) (*domain.PooledConnection, error) {
	if tenantID == "" {
		return nil, errors.New("checkout: empty tenant id")
	}
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	start := p.now()
	for {
		b, err := p.bucketFor(tenantID)
		if err != nil {
			return nil, err
		}
		conn, outcome, err := p.checkout(ctx, b, dial)
		if errors.Is(err, errRetired) {
			continue
		}
		p.observeCheckout(outcome, start)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (p *Pool) checkout(ctx context.Context, b *bucket, dial domain.DialFunc) (*domain.PooledConnection, string, error) {
	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		return nil, "", errRetired
	}
	if b.closed {
		b.mu.Unlock()
		return nil, "error", unavailable(b.tenantID, domain.ErrPoolClosed)
	}

	var conn *domain.PooledConnection
	switch {
	case b.waiters.Len() == 0 && len(b.idle) > 0:
		conn = b.popIdle()
		b.inUse[conn] = struct{}{}
		b.mu.Unlock()
	case b.waiters.Len() == 0 && b.open < p.cfg.MaxSize:
		b.open++
		b.mu.Unlock()
	default:
		w := &waiter{ch: make(chan grant, 1)}
		elem := b.waiters.PushBack(w)
		b.mu.Unlock()

		g, err := p.wait(ctx, b, elem, w)
		if err != nil {
			if errors.Is(err, domain.ErrPoolClosed) {
				return nil, "error", err
			}
			return nil, "timeout", err
		}
		conn = g.conn
	}

	if conn == nil {
		conn, err := p.dialInto(ctx, b, dial)
		if err != nil {
			return nil, "error", unavailable(b.tenantID, err)
		}
		return conn, "dialed", nil
	}

	if !p.needsProbe(conn) {
		return conn, "reused", nil
	}
	probeErr := p.probe(ctx, conn)
	if probeErr == nil {
		conn.SetHealth(domain.HealthHealthy)
		return conn, "reused", nil
	}
	p.logger.Warn("pooled connection failed liveness probe, replacing",
		"tenant_id", b.tenantID, "idle_for", p.now().Sub(conn.LastUsed()).String(), "error", probeErr)
	conn, err := p.replace(ctx, b, conn, dial)
	if err != nil {
		return nil, "error", unavailable(b.tenantID, err)
	}
	return conn, "replaced", nil
}

// wait blocks until a grant arrives or ctx ends. A grant that races the
// cancellation is passed on so no connection or slot leaks.
func (p *Pool) wait(ctx context.Context, b *bucket, elem *list.Element, w *waiter) (grant, error) {
	select {
	case g := <-w.ch:
		return g, g.err
	case <-ctx.Done():
	}

	b.mu.Lock()
	select {
	case g := <-w.ch:
		if g.err != nil {
			b.mu.Unlock()
			return grant{}, g.err
		}
		if g.conn == nil {
			b.freeSlot()
			b.mu.Unlock()
			break
		}
		b.mu.Unlock()
		p.releaseTo(b, g.conn)
	default:
		b.waiters.Remove(elem)
		b.mu.Unlock()
	}
	return grant{}, unavailable(b.tenantID, fmt.Errorf("waited for a free connection: %w", ctx.Err()))
}

// dialInto fills a reserved slot. The slot is freed if the dial fails.
func (p *Pool) dialInto(ctx context.Context, b *bucket, dial domain.DialFunc) (*domain.PooledConnection, error) {
	h, err := dial(ctx)
	if err != nil {
		b.mu.Lock()
		b.freeSlot()
		b.mu.Unlock()
		return nil, err
	}

	conn := domain.NewPooledConnection(b.tenantID, h, p.now())
	b.mu.Lock()
	if b.closed {
		b.open--
		b.mu.Unlock()
		p.closeHandle(conn)
		return nil, domain.ErrPoolClosed
	}
	b.inUse[conn] = struct{}{}
	b.mu.Unlock()
	return conn, nil
}

// replace discards a dead connection and dials into its slot, up to ProbeAttempts times.
func (p *Pool) replace(ctx context.Context, b *bucket, dead *domain.PooledConnection, dial domain.DialFunc) (*domain.PooledConnection, error) {
	dead.SetHealth(domain.HealthDead)
	if p.metrics != nil {
		p.metrics.PoolProbeFailures.Inc()
	}
	b.mu.Lock()
	delete(b.inUse, dead)
	b.mu.Unlock()
	p.closeHandle(dead)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.ProbeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		h, err := dial(ctx)
		if err != nil {
			lastErr = err
			p.logger.Warn("replacement dial failed", "tenant_id", b.tenantID, "attempt", attempt, "error", err)
			continue
		}
		conn := domain.NewPooledConnection(b.tenantID, h, p.now())
		b.mu.Lock()
		if b.closed {
			b.open--
			b.mu.Unlock()
			p.closeHandle(conn)
			return nil, domain.ErrPoolClosed
		}
		b.inUse[conn] = struct{}{}
		b.mu.Unlock()
		return conn, nil
	}

	b.mu.Lock()
	b.freeSlot()
	b.mu.Unlock()
	return nil, fmt.Errorf("replacement failed after %d attempt(s): %w", p.cfg.ProbeAttempts, lastErr)
}

func (p *Pool) needsProbe(conn *domain.PooledConnection) bool {
	if conn.Health() != domain.HealthHealthy {
		return true
	}
	return p.cfg.HealthCheckInterval > 0 && p.now().Sub(conn.LastUsed()) > p.cfg.HealthCheckInterval
}

func (p *Pool) probe(ctx context.Context, conn *domain.PooledConnection) error {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	return conn.Handle.PingContext(pctx)
}

// Release returns a connection to its tenant's bucket. Suspect connections
// are probed first; dead ones are closed and their slot handed on.
func (p *Pool) Release(conn *domain.PooledConnection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	b := p.buckets[conn.TenantID]
	p.mu.Unlock()
	if b == nil {
		p.closeHandle(conn)
		return
	}

	if conn.Health() == domain.HealthSuspect {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
		err := conn.Handle.PingContext(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("suspect connection failed probe on release", "tenant_id", conn.TenantID, "error", err)
			conn.SetHealth(domain.HealthDead)
			if p.metrics != nil {
				p.metrics.PoolProbeFailures.Inc()
			}
		} else {
			conn.SetHealth(domain.HealthHealthy)
		}
	}
	p.releaseTo(b, conn)
}

func (p *Pool) releaseTo(b *bucket, conn *domain.PooledConnection) {
	b.mu.Lock()
	if _, ok := b.inUse[conn]; !ok {
		// Not ours: the bucket was closed and replaced while the connection was out.
		b.mu.Unlock()
		p.closeHandle(conn)
		return
	}
	delete(b.inUse, conn)

	if b.closed || conn.Health() == domain.HealthDead {
		b.freeSlot()
		b.mu.Unlock()
		p.closeHandle(conn)
		return
	}

	conn.Touch(p.now())
	if w := b.frontWaiter(); w != nil {
		b.inUse[conn] = struct{}{}
		w.ch <- grant{conn: conn}
		b.mu.Unlock()
		return
	}
	b.idle = append(b.idle, conn)
	b.mu.Unlock()
}

// EvictIdle closes connections idle past IdleTimeout, keeping MinSize per
// bucket, and drops buckets left with nothing open.
func (p *Pool) EvictIdle() int {
	now := p.now()
	evicted := 0
	for _, b := range p.snapshot() {
		b.mu.Lock()
		victims := b.expired(now, p.cfg.IdleTimeout, p.cfg.MinSize)
		b.mu.Unlock()

		for _, conn := range victims {
			p.closeHandle(conn)
		}
		evicted += len(victims)
		p.retireIfEmpty(b)
	}
	if evicted > 0 {
		p.logger.Debug("evicted idle connections", "count", evicted)
		if p.metrics != nil {
			p.metrics.PoolEvictions.Add(float64(evicted))
		}
	}
	return evicted
}

// StartEvictor runs EvictIdle on every tick until ctx is done.
func (p *Pool) StartEvictor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("starting idle connection evictor", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("stopping idle connection evictor")
			return
		case <-ticker.C:
			p.EvictIdle()
			p.recordGauges()
		}
	}
}

// CloseAll drops a tenant's bucket: idle handles close now, checked-out
// handles close on release, and queued waiters fail.
func (p *Pool) CloseAll(tenantID string) {
	p.mu.Lock()
	b := p.buckets[tenantID]
	delete(p.buckets, tenantID)
	p.mu.Unlock()
	if b == nil {
		return
	}
	p.closeBucket(b)
	if p.metrics != nil {
		p.metrics.PoolOpen.DeleteLabelValues(tenantID)
		p.metrics.PoolIdle.DeleteLabelValues(tenantID)
		p.metrics.PoolWaiters.DeleteLabelValues(tenantID)
	}
	p.logger.Info("closed tenant bucket", "tenant_id", tenantID)
}

// Close shuts every bucket and rejects further checkouts.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	buckets := make([]*bucket, 0, len(p.buckets))
	for id, b := range p.buckets {
		buckets = append(buckets, b)
		delete(p.buckets, id)
	}
	p.mu.Unlock()

	for _, b := range buckets {
		p.closeBucket(b)
	}
}

// Stats reports a tenant's bucket; an unknown tenant has an all-zero view.
func (p *Pool) Stats(tenantID string) domain.PoolStats {
	p.mu.Lock()
	b := p.buckets[tenantID]
	p.mu.Unlock()
	if b == nil {
		return domain.PoolStats{TenantID: tenantID}
	}
	return b.stats()
}

// AllStats reports every live bucket ordered by tenant id.
func (p *Pool) AllStats() []domain.PoolStats {
	buckets := p.snapshot()
	out := make([]domain.PoolStats, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (p *Pool) bucketFor(tenantID string) (*bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, unavailable(tenantID, domain.ErrPoolClosed)
	}
	b, ok := p.buckets[tenantID]
	if !ok {
		b = newBucket(tenantID)
		p.buckets[tenantID] = b
	}
	return b, nil
}

func (p *Pool) snapshot() []*bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		out = append(out, b)
	}
	return out
}

func (p *Pool) retireIfEmpty(b *bucket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == 0 && b.waiters.Len() == 0 && p.buckets[b.tenantID] == b {
		delete(p.buckets, b.tenantID)
		b.retired = true
		if p.metrics != nil {
			p.metrics.PoolOpen.DeleteLabelValues(b.tenantID)
			p.metrics.PoolIdle.DeleteLabelValues(b.tenantID)
			p.metrics.PoolWaiters.DeleteLabelValues(b.tenantID)
		}
	}
}

func (p *Pool) closeBucket(b *bucket) {
	b.mu.Lock()
	b.closed = true
	idle := b.idle
	b.idle = nil
	b.open -= len(idle)
	for w := b.frontWaiter(); w != nil; w = b.frontWaiter() {
		w.ch <- grant{err: unavailable(b.tenantID, domain.ErrPoolClosed)}
	}
	b.mu.Unlock()

	for _, conn := range idle {
		p.closeHandle(conn)
	}
}

func (p *Pool) closeHandle(conn *domain.PooledConnection) {
	conn.SetHealth(domain.HealthDead)
	if err := conn.Handle.Close(); err != nil {
		p.logger.Warn("failed to close connection handle", "tenant_id", conn.TenantID, "error", err)
	}
}

func (p *Pool) recordGauges() {
	if p.metrics == nil {
		return
	}
	for _, s := range p.AllStats() {
		p.metrics.PoolOpen.WithLabelValues(s.TenantID).Set(float64(s.Open))
		p.metrics.PoolIdle.WithLabelValues(s.TenantID).Set(float64(s.Idle))
		p.metrics.PoolWaiters.WithLabelValues(s.TenantID).Set(float64(s.Waiters))
	}
}

func (p *Pool) observeCheckout(outcome string, start time.Time) {
	if p.metrics == nil || outcome == "" {
		return
	}
	p.metrics.PoolCheckouts.WithLabelValues(outcome).Inc()
	p.metrics.PoolCheckoutDuration.WithLabelValues(outcome).Observe(p.now().Sub(start).Seconds())
}

func unavailable(tenantID string, err error) error {
	if errors.Is(err, domain.ErrConnectionUnavailable) {
		return err
	}
	return fmt.Errorf("%w: tenant %s: %w", domain.ErrConnectionUnavailable, tenantID, err)
}
