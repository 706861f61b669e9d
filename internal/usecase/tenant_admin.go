package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/V4T54L/tenancy/internal/domain"
)

// TenantAdmin applies administrative changes to tenants. Every change that
// can alter how a key resolves purges the affected cache entries after the
// landlord write and before returning, so once a call returns no request can
// resolve the old mapping.
type TenantAdmin struct {
	tenants     domain.TenantRepository
	credentials domain.CredentialRepository
	records     domain.ProvisioningRepository
	store       *CredentialStore
	catalog     *ProfileCatalog
	cache       domain.ResolutionCache
	manager     *ConnectionManager
	coordinator *ProvisioningCoordinator
	logger      *slog.Logger
}

func NewTenantAdmin(
	tenants domain.TenantRepository,
	credentials domain.CredentialRepository,
	records domain.ProvisioningRepository,
	store *CredentialStore,
	catalog *ProfileCatalog,
	cache domain.ResolutionCache,
	manager *ConnectionManager,
	coordinator *ProvisioningCoordinator,
	logger *slog.Logger,
) *TenantAdmin {
	return &TenantAdmin{
		tenants:     tenants,
		credentials: credentials,
		records:     records,
		store:       store,
		catalog:     catalog,
		cache:       cache,
		manager:     manager,
		coordinator: coordinator,
		logger:      logger.With("component", "tenant_admin"),
	}
}

// Create registers and provisions a tenant.
func (a *TenantAdmin) Create(ctx context.Context, req domain.CreateTenantRequest) (*domain.Tenant, *domain.ProvisioningRecord, error) {
	return a.coordinator.Create(ctx, req)
}

// Get returns a tenant, active or not.
func (a *TenantAdmin) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	return a.tenants.Get(ctx, id)
}

// List returns tenants matching filter.
func (a *TenantAdmin) List(ctx context.Context, filter domain.TenantFilter) ([]domain.Tenant, error) {
	return a.tenants.List(ctx, filter)
}

// Rename changes a tenant's display name.
func (a *TenantAdmin) Rename(ctx context.Context, id, name string) (*domain.Tenant, error) {
	return a.Update(ctx, id, domain.UpdateTenantRequest{Name: &name})
}

// SetKeys replaces a tenant's resolution keys. Keys removed from the tenant
// stop resolving to it before SetKeys returns.
func (a *TenantAdmin) SetKeys(ctx context.Context, id string, keys []string) (*domain.Tenant, error) {
	return a.Update(ctx, id, domain.UpdateTenantRequest{ResolutionKeys: keys})
}

// Update patches a tenant.
func (a *TenantAdmin) Update(ctx context.Context, id string, req domain.UpdateTenantRequest) (*domain.Tenant, error) {
	t, err := a.tenants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	oldKeys := t.ResolutionKeys
	profileChanged := false

	if req.Name != nil {
		if *req.Name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", domain.ErrInvalidTenant)
		}
		t.Name = *req.Name
	}
	if req.ResolutionKeys != nil {
		keys := domain.NormalizeKeys(req.ResolutionKeys)
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: at least one resolution key is required", domain.ErrInvalidTenant)
		}
		t.ResolutionKeys = keys
	}
	if req.ProfileName != nil && *req.ProfileName != t.ProfileName {
		if *req.ProfileName != "" {
			if _, ok := a.catalog.Named(*req.ProfileName); !ok {
				return nil, fmt.Errorf("%w: profile %q: %w", domain.ErrInvalidTenant, *req.ProfileName, domain.ErrProfileNotFound)
			}
		}
		t.ProfileName = *req.ProfileName
		profileChanged = true
	}
	if req.Metadata != nil {
		t.Metadata = req.Metadata
	}
	switch {
	case req.ClearExpiry:
		t.ExpiresAt = nil
	case req.ExpiresAt != nil:
		t.ExpiresAt = req.ExpiresAt
	}

	if err := a.tenants.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("update tenant %s: %w", id, err)
	}
	// Name, expiry and key changes all change what a cached entry should say.
	if err := a.purge(ctx, id, oldKeys, t.ResolutionKeys); err != nil {
		return nil, err
	}
	if profileChanged {
		a.manager.InvalidateCredentials(id)
	}
	a.logger.Info("tenant updated", "tenant_id", id, "keys", t.ResolutionKeys, "profile_changed", profileChanged)
	return t, nil
}

// ReplaceProfile stores a new dedicated credential profile for a tenant and
// drains its pool so new connections use it.
func (a *TenantAdmin) ReplaceProfile(ctx context.Context, id string, p domain.CredentialProfile) error {
	if _, err := a.tenants.Get(ctx, id); err != nil {
		return err
	}
	existing, err := a.credentials.ForTenant(ctx, id)
	switch {
	case err == nil:
		p.ID = existing.ID
	case errors.Is(err, domain.ErrProfileNotFound):
		p.ID = ""
	default:
		return fmt.Errorf("load credentials for %s: %w", id, err)
	}

	p.TenantID = id
	if p.Name == "" {
		p.Name = id
	}
	if err := p.WithDefaults(a.catalog.Default()).Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidTenant, err)
	}
	if err := a.store.EncryptProfile(&p); err != nil {
		return err
	}
	if err := a.credentials.Save(ctx, &p); err != nil {
		return fmt.Errorf("save credentials for %s: %w", id, err)
	}
	a.manager.InvalidateCredentials(id)
	a.logger.Info("tenant credential profile replaced", "tenant_id", id, "profile", p)
	return nil
}

// Delete soft-deletes a tenant. Its keys stop resolving, its pool is drained
// and its cached credentials are dropped before Delete returns.
func (a *TenantAdmin) Delete(ctx context.Context, id string) error {
	t, err := a.tenants.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := a.tenants.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("delete tenant %s: %w", id, err)
	}
	if err := a.purge(ctx, id, t.ResolutionKeys, nil); err != nil {
		return err
	}
	a.manager.InvalidateCredentials(id)
	if err := a.records.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		a.logger.Warn("failed to drop provisioning record of deleted tenant", "tenant_id", id, "error", err)
	}
	a.logger.Info("tenant deleted", "tenant_id", id)
	return nil
}

// Retry resumes a tenant's failed provisioning.
func (a *TenantAdmin) Retry(ctx context.Context, id string) (*domain.ProvisioningRecord, error) {
	return a.coordinator.Retry(ctx, id)
}

// Status reports a tenant's provisioning state.
func (a *TenantAdmin) Status(ctx context.Context, id string) (*domain.ProvisioningRecord, error) {
	return a.coordinator.Status(ctx, id)
}

func (a *TenantAdmin) purge(ctx context.Context, id string, oldKeys, newKeys []string) error {
	if a.cache == nil {
		return nil
	}
	keys := domain.NormalizeKeys(append(append([]string(nil), oldKeys...), newKeys...))
	if len(keys) == 0 {
		return nil
	}
	if err := a.cache.Invalidate(ctx, keys...); err != nil {
		a.logger.Error("resolution cache purge failed after tenant write", "tenant_id", id, "keys", keys, "error", err)
		return fmt.Errorf("tenant %s written but resolution cache purge failed: %w", id, err)
	}
	return nil
}
