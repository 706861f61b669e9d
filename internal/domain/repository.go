package domain

import (
	"context"
	"time"
)

// TenantRepository is the landlord store for tenants.
// Implementations return ErrTenantNotFound for unknown or soft-deleted ids.
type TenantRepository interface {
	// Create inserts a tenant and its resolution keys. ErrDuplicateKey if a key is taken.
	Create(ctx context.Context, t *Tenant) error

	// Get returns a tenant by id, active or not.
	Get(ctx context.Context, id string) (*Tenant, error)

	// FindByResolutionKey returns the tenant currently owning a key.
	FindByResolutionKey(ctx context.Context, key string) (*Tenant, error)

	// Update replaces name, metadata, expiry, profile name and resolution keys.
	Update(ctx context.Context, t *Tenant) error

	// Activate flips the tenant to active. Activating an active tenant is a no-op.
	Activate(ctx context.Context, id string) error

	// SoftDelete marks the tenant deleted and releases its resolution keys.
	SoftDelete(ctx context.Context, id string) error

	// List returns tenants ordered by creation time.
	List(ctx context.Context, filter TenantFilter) ([]Tenant, error)
}

// CredentialRepository stores per-tenant credential profiles with secrets encrypted.
type CredentialRepository interface {
	// ForTenant returns the tenant's dedicated profile or ErrProfileNotFound.
	ForTenant(ctx context.Context, tenantID string) (*CredentialProfile, error)

	// Save inserts or replaces the tenant's profile. Secret fields must already be encrypted.
	Save(ctx context.Context, p *CredentialProfile) error

	// ListAfter pages through profiles ordered by id, starting after the given id.
	ListAfter(ctx context.Context, afterID string, limit int) ([]CredentialProfile, error)

	// SwapPassword replaces the stored password only if it still equals old.
	// It reports false when the row changed underneath the caller.
	SwapPassword(ctx context.Context, id, old, updated string) (bool, error)
}

// ProvisioningRepository persists provisioning checkpoints.
type ProvisioningRepository interface {
	Get(ctx context.Context, tenantID string) (*ProvisioningRecord, error)
	Save(ctx context.Context, r *ProvisioningRecord) error
	Delete(ctx context.Context, tenantID string) error

	// Claim takes the pipeline lease for a tenant. It reports false while another owner holds an unexpired lease.
	Claim(ctx context.Context, tenantID, owner string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, tenantID, owner string) error
}

// CacheEntry is a resolution cache value. Negative entries record a confirmed miss.
type CacheEntry struct {
	TenantID string
	Negative bool
}

// ResolutionCache maps resolution keys to tenant ids with a TTL.
// Populates are guarded by a per-key epoch so a lookup that raced an
// invalidation cannot write its stale result back.
type ResolutionCache interface {
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	Epoch(ctx context.Context, key string) (uint64, error)
	SetIfEpoch(ctx context.Context, key string, entry CacheEntry, ttl time.Duration, epoch uint64) (bool, error)
	Invalidate(ctx context.Context, keys ...string) error
}

// DatabaseAdmin creates physical tenant databases. ErrDatabaseExists when the name is taken.
type DatabaseAdmin interface {
	CreateDatabase(ctx context.Context, profile CredentialProfile) error
}

// MigrationRunner applies pending tenant schema migrations through a handle.
type MigrationRunner interface {
	Migrate(ctx context.Context, h Handle) error
}

// SeedRunner runs one named seeder through a handle.
type SeedRunner interface {
	Seed(ctx context.Context, h Handle, seeder string) error
}

// RotationJournal records key rotation progress so an interrupted rotation can resume.
type RotationJournal interface {
	// Checkpoint returns the last profile id rotated for the rotation and whether it completed.
	Checkpoint(ctx context.Context, rotationID string) (lastID string, done bool, err error)
	Record(ctx context.Context, rotationID, lastID string) error
	Complete(ctx context.Context, rotationID string) error
}
