package domain

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// HealthState is the liveness verdict for a pooled connection.
type HealthState int32

const (
	HealthHealthy HealthState = iota
	HealthSuspect
	HealthDead
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthSuspect:
		return "suspect"
	case HealthDead:
		return "dead"
	}
	return "unknown"
}

// Handle is a live driver-level database handle. *sql.DB satisfies it.
type Handle interface {
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

// PooledConnection is a handle owned by exactly one tenant's pool bucket.
type PooledConnection struct {
	TenantID  string
	Handle    Handle
	CreatedAt time.Time

	mu       sync.Mutex
	lastUsed time.Time
	health   HealthState
}

// NewPooledConnection wraps a freshly dialed handle.
func NewPooledConnection(tenantID string, h Handle, now time.Time) *PooledConnection {
	return &PooledConnection{
		TenantID:  tenantID,
		Handle:    h,
		CreatedAt: now,
		lastUsed:  now,
		health:    HealthHealthy,
	}
}

func (c *PooledConnection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *PooledConnection) Touch(now time.Time) {
	c.mu.Lock()
	c.lastUsed = now
	c.mu.Unlock()
}

func (c *PooledConnection) Health() HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// SetHealth records a new verdict. A dead connection never becomes healthy again.
func (c *PooledConnection) SetHealth(h HealthState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == HealthDead {
		return
	}
	c.health = h
}

// MarkSuspect flags the connection for a probe on release.
func (c *PooledConnection) MarkSuspect() { c.SetHealth(HealthSuspect) }

// DialFunc opens a new handle for a tenant. Pools call it only when a bucket must grow.
type DialFunc func(ctx context.Context) (Handle, error)

// PoolStats is a point-in-time view of one tenant bucket.
type PoolStats struct {
	TenantID string `json:"tenant_id"`
	Open     int    `json:"open"`
	Idle     int    `json:"idle"`
	InUse    int    `json:"in_use"`
	Waiters  int    `json:"waiters"`
}

// ConnectionPool keeps bounded per-tenant sets of live handles.
type ConnectionPool interface {
	Checkout(ctx context.Context, tenantID string, dial DialFunc) (*PooledConnection, error)
	Release(conn *PooledConnection)
	CloseAll(tenantID string)
	Stats(tenantID string) PoolStats
}

// Connector opens driver handles from a decrypted credential profile.
type Connector interface {
	Open(ctx context.Context, profile CredentialProfile) (Handle, error)
}

// Outcome classifies a connection attempt for monitoring.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCredentials Outcome = "credentials"
)

// FailureKind names why a connection attempt failed.
type FailureKind string

const (
	FailureUnavailable       FailureKind = "unavailable"
	FailureCredentialCorrupt FailureKind = "credential_corrupt"
	FailureProbe             FailureKind = "probe"
	FailureDial              FailureKind = "dial"
	FailureTimeout           FailureKind = "timeout"
)
