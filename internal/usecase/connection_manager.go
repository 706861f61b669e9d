package usecase

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/V4T54L/tenancy/internal/adapter/metrics"
	"github.com/V4T54L/tenancy/internal/adapter/redact"
	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/internal/pkg/logger"
)

const tracerName = "github.com/V4T54L/tenancy/usecase"

// ManagerConfig is the retry policy and database naming for tenant connections.
type ManagerConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DatabasePrefix string
}

// ConnectionManagerDeps are the collaborators of a ConnectionManager.
// Monitor, Metrics and TenancyLog may be nil.
type ConnectionManagerDeps struct {
	Pool        domain.ConnectionPool
	Connector   domain.Connector
	Store       *CredentialStore
	Tenants     domain.TenantRepository
	Credentials domain.CredentialRepository
	Catalog     *ProfileCatalog
	Monitor     *TenancyMonitor
	TenancyLog  *logger.TenancyLogger
	Logger      *slog.Logger
	Metrics     *metrics.TenancyMetrics
}

type cachedCredentials struct {
	profile domain.CredentialProfile
	source  string
}

// ConnectionManager hands out tenant connections. It loads and decrypts a
// tenant's credentials only when the pool must dial, retries unavailable
// connections with bounded exponential backoff, and reports every outcome to
// the monitor.
type ConnectionManager struct {
	cfg         ManagerConfig
	pool        domain.ConnectionPool
	connector   domain.Connector
	store       *CredentialStore
	tenants     domain.TenantRepository
	credentials domain.CredentialRepository
	catalog     *ProfileCatalog
	monitor     *TenancyMonitor
	tlog        *logger.TenancyLogger
	logger      *slog.Logger
	metrics     *metrics.TenancyMetrics
	tracer      trace.Tracer
	now         func() time.Time

	mu    sync.RWMutex
	creds map[string]cachedCredentials
	gen   uint64
	loads singleflight.Group

	leases sync.Map // *domain.PooledConnection -> checkout time
}

func NewConnectionManager(cfg ManagerConfig, deps ConnectionManagerDeps) *ConnectionManager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	tlog := deps.TenancyLog
	if tlog == nil {
		tlog = logger.NewTenancyLogger(deps.Logger, redact.NewRedactor(redact.DefaultFields, deps.Logger))
	}
	return &ConnectionManager{
		cfg:         cfg,
		pool:        deps.Pool,
		connector:   deps.Connector,
		store:       deps.Store,
		tenants:     deps.Tenants,
		credentials: deps.Credentials,
		catalog:     deps.Catalog,
		monitor:     deps.Monitor,
		tlog:        tlog,
		logger:      deps.Logger.With("component", "connection_manager"),
		metrics:     deps.Metrics,
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		creds:       make(map[string]cachedCredentials),
	}
}

// Acquire checks out a connection for tenantID. The caller must Release it.
// ErrConnectionUnavailable is retried up to MaxAttempts; anything else, or
// the last failure, is returned as a *domain.ConnectionError.
func (m *ConnectionManager) Acquire(ctx context.Context, tenantID string) (*domain.PooledConnection, error) {
	start := m.now()
	dial := m.dialer(tenantID)

	var lastErr error
	attempts := 0
	for attempts < m.cfg.MaxAttempts {
		attempts++
		conn, err := m.pool.Checkout(ctx, tenantID, dial)
		if err == nil {
			took := m.now().Sub(start)
			m.leases.Store(conn, m.now())
			if m.monitor != nil {
				m.monitor.RecordConnection(tenantID, took, domain.OutcomeSuccess)
			}
			m.tlog.Acquired(ctx, tenantID, took, attempts)
			m.count(domain.OutcomeSuccess)
			return conn, nil
		}
		lastErr = err
		if !retryable(ctx, err) || attempts == m.cfg.MaxAttempts {
			break
		}

		backoff := m.backoff(attempts)
		m.tlog.Retrying(ctx, tenantID, attempts, backoff, err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = fmt.Errorf("%w: %w", err, ctx.Err())
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	took := m.now().Sub(start)
	outcome, kind := classify(lastErr)
	if m.monitor != nil && !errors.Is(lastErr, domain.ErrTenantNotFound) {
		m.monitor.RecordConnection(tenantID, took, outcome)
		m.monitor.RecordFailure(tenantID, kind)
	}
	m.tlog.Failed(ctx, tenantID, "acquire", took, attempts, lastErr)
	m.count(outcome)
	return nil, &domain.ConnectionError{TenantID: tenantID, Attempts: attempts, Err: lastErr}
}

// Release returns a connection to its pool.
func (m *ConnectionManager) Release(conn *domain.PooledConnection) {
	if conn == nil {
		return
	}
	var held time.Duration
	if v, ok := m.leases.LoadAndDelete(conn); ok {
		held = m.now().Sub(v.(time.Time))
	}
	m.pool.Release(conn)
	m.tlog.Released(context.Background(), conn.TenantID, held, conn.Health().String())
}

// WithTenant runs fn with a connection for tenantID and releases it on every
// exit path, including a panic, which is re-raised after the release. When
// fn fails with a bad-connection error the connection is marked suspect so
// the pool probes it on release. Cancelling ctx does not interrupt fn.
func (m *ConnectionManager) WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, h domain.Handle) error) (err error) {
	ctx, span := m.tracer.Start(ctx, "tenancy.WithTenant", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	conn, err := m.Acquire(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
		return err
	}

	defer func() {
		r := recover()
		if r != nil {
			span.SetStatus(codes.Error, "panic")
		}
		if err != nil && IsBadConnection(err) {
			conn.MarkSuspect()
			m.tlog.Degraded(ctx, tenantID, err)
			if m.monitor != nil {
				m.monitor.RecordFailure(tenantID, domain.FailureProbe)
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "tenant function failed")
		}
		m.Release(conn)
		if r != nil {
			panic(r)
		}
	}()

	return fn(ctx, conn.Handle)
}

// Warm opens up to n connections for a tenant and returns them to the pool idle.
func (m *ConnectionManager) Warm(ctx context.Context, tenantID string, n int) error {
	conns := make([]*domain.PooledConnection, 0, n)
	defer func() {
		for _, c := range conns {
			m.Release(c)
		}
	}()
	for i := 0; i < n; i++ {
		c, err := m.Acquire(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("warm pool for %s: %w", tenantID, err)
		}
		conns = append(conns, c)
	}
	return nil
}

// Stats reports the tenant's pool bucket.
func (m *ConnectionManager) Stats(tenantID string) domain.PoolStats {
	return m.pool.Stats(tenantID)
}

// InvalidateCredentials forgets a tenant's cached credentials and drains its
// pool so the next acquisition dials with freshly loaded credentials.
func (m *ConnectionManager) InvalidateCredentials(tenantID string) {
	m.mu.Lock()
	delete(m.creds, tenantID)
	m.gen++
	m.mu.Unlock()
	m.pool.CloseAll(tenantID)
	m.logger.Info("tenant credentials invalidated", "tenant_id", tenantID)
}

// InvalidateProfiles invalidates every tenant whose cached credentials came
// from one of the named profiles. It returns the affected tenant ids.
func (m *ConnectionManager) InvalidateProfiles(names ...string) []string {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	m.mu.RLock()
	var affected []string
	for id, c := range m.creds {
		if _, ok := wanted[c.source]; ok {
			affected = append(affected, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range affected {
		m.InvalidateCredentials(id)
	}
	return affected
}

// ResolveProfile returns the decrypted profile used to reach a tenant's
// database: its dedicated profile, else its named shared profile, else the
// default. The result must not be persisted or logged.
func (m *ConnectionManager) ResolveProfile(ctx context.Context, tenantID string) (domain.CredentialProfile, error) {
	p, _, err := m.loadProfile(ctx, tenantID)
	return p, err
}

func (m *ConnectionManager) dialer(tenantID string) domain.DialFunc {
	return func(ctx context.Context) (domain.Handle, error) {
		profile, err := m.credentialsFor(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		h, err := m.connector.Open(ctx, profile)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", profile, err)
		}
		return h, nil
	}
}

func (m *ConnectionManager) credentialsFor(ctx context.Context, tenantID string) (domain.CredentialProfile, error) {
	m.mu.RLock()
	c, ok := m.creds[tenantID]
	gen := m.gen
	m.mu.RUnlock()
	if ok {
		return c.profile, nil
	}

	// Keyed by generation so a load begun before an invalidation is never
	// shared with callers that arrive after it.
	v, err, _ := m.loads.Do(tenantID+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		p, source, err := m.loadProfile(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		// An invalidation during the load means p may already be stale.
		if m.gen == gen {
			m.creds[tenantID] = cachedCredentials{profile: p, source: source}
		}
		m.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return domain.CredentialProfile{}, err
	}
	return v.(domain.CredentialProfile), nil
}

func (m *ConnectionManager) loadProfile(ctx context.Context, tenantID string) (domain.CredentialProfile, string, error) {
	t, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return domain.CredentialProfile{}, "", fmt.Errorf("load tenant %s: %w", tenantID, err)
	}

	var stored domain.CredentialProfile
	source := "tenant"
	dedicated, err := m.credentials.ForTenant(ctx, tenantID)
	switch {
	case err == nil:
		stored = dedicated.WithDefaults(m.catalog.Default())
	case errors.Is(err, domain.ErrProfileNotFound) && t.ProfileName != "":
		named, ok := m.catalog.Named(t.ProfileName)
		if !ok {
			return domain.CredentialProfile{}, "", fmt.Errorf("tenant %s: profile %q: %w", tenantID, t.ProfileName, domain.ErrProfileNotFound)
		}
		stored, source = named, t.ProfileName
	case errors.Is(err, domain.ErrProfileNotFound):
		stored, source = m.catalog.Default(), "default"
	default:
		return domain.CredentialProfile{}, "", fmt.Errorf("load credentials for %s: %w", tenantID, err)
	}

	stored.TenantID = tenantID
	if stored.Database == "" || source != "tenant" {
		stored.Database = t.DatabaseFor(m.cfg.DatabasePrefix)
	}
	p, err := m.store.DecryptProfile(stored)
	if err != nil {
		return domain.CredentialProfile{}, "", err
	}
	return p, source, nil
}

func (m *ConnectionManager) backoff(attempt int) time.Duration {
	d := m.cfg.InitialBackoff
	for i := 1; i < attempt && d < m.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > m.cfg.MaxBackoff {
		d = m.cfg.MaxBackoff
	}
	return d
}

func (m *ConnectionManager) count(outcome domain.Outcome) {
	if m.metrics != nil {
		m.metrics.ConnectionAttempts.WithLabelValues(string(outcome)).Inc()
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, domain.ErrCredentialCorrupt) ||
		errors.Is(err, domain.ErrTenantNotFound) ||
		errors.Is(err, domain.ErrProfileNotFound) {
		return false
	}
	return errors.Is(err, domain.ErrConnectionUnavailable)
}

func classify(err error) (domain.Outcome, domain.FailureKind) {
	switch {
	case errors.Is(err, domain.ErrCredentialCorrupt):
		return domain.OutcomeCredentials, domain.FailureCredentialCorrupt
	case errors.Is(err, context.DeadlineExceeded):
		return domain.OutcomeTimeout, domain.FailureTimeout
	case errors.Is(err, domain.ErrConnectionUnavailable):
		return domain.OutcomeFailure, domain.FailureUnavailable
	}
	return domain.OutcomeFailure, domain.FailureDial
}

// IsBadConnection reports whether err means the underlying handle is no
// longer usable, as opposed to a failed statement.
func IsBadConnection(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception.
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}
	return pgconn.SafeToRetry(err)
}
