package mocks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/tenancy/internal/domain"
)

// MockTenantRepository is an in-memory domain.TenantRepository.
type MockTenantRepository struct {
	mu      sync.Mutex
	tenants map[string]domain.Tenant
	keys    map[string]string // resolution key -> tenant id

	Lookups   int
	LookupErr error
	UpdateErr error
}

func NewMockTenantRepository() *MockTenantRepository {
	return &MockTenantRepository{
		tenants: make(map[string]domain.Tenant),
		keys:    make(map[string]string),
	}
}

func (m *MockTenantRepository) Create(ctx context.Context, t *domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range t.ResolutionKeys {
		if owner, taken := m.keys[k]; taken && owner != t.ID {
			return domain.ErrDuplicateKey
		}
	}
	for _, k := range t.ResolutionKeys {
		m.keys[k] = t.ID
	}
	m.tenants[t.ID] = cloneTenant(*t)
	return nil
}

func (m *MockTenantRepository) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok || t.DeletedAt != nil {
		return nil, domain.ErrTenantNotFound
	}
	out := cloneTenant(t)
	return &out, nil
}

func (m *MockTenantRepository) FindByResolutionKey(ctx context.Context, key string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Lookups++
	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	id, ok := m.keys[key]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	t := cloneTenant(m.tenants[id])
	return &t, nil
}

func (m *MockTenantRepository) Update(ctx context.Context, t *domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	if _, ok := m.tenants[t.ID]; !ok {
		return domain.ErrTenantNotFound
	}
	for _, k := range t.ResolutionKeys {
		if owner, taken := m.keys[k]; taken && owner != t.ID {
			return domain.ErrDuplicateKey
		}
	}
	for k, owner := range m.keys {
		if owner == t.ID {
			delete(m.keys, k)
		}
	}
	for _, k := range t.ResolutionKeys {
		m.keys[k] = t.ID
	}
	m.tenants[t.ID] = cloneTenant(*t)
	return nil
}

func (m *MockTenantRepository) Activate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return domain.ErrTenantNotFound
	}
	t.Active = true
	m.tenants[id] = t
	return nil
}

func (m *MockTenantRepository) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok || t.DeletedAt != nil {
		return domain.ErrTenantNotFound
	}
	now := time.Now()
	t.DeletedAt = &now
	t.Active = false
	m.tenants[id] = t
	for k, owner := range m.keys {
		if owner == id {
			delete(m.keys, k)
		}
	}
	return nil
}

func (m *MockTenantRepository) List(ctx context.Context, filter domain.TenantFilter) ([]domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Tenant
	for _, t := range m.tenants {
		if !filter.IncludeDeleted && t.DeletedAt != nil {
			continue
		}
		if !filter.IncludeInactive && !t.Active {
			continue
		}
		out = append(out, cloneTenant(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneTenant(t domain.Tenant) domain.Tenant {
	t.ResolutionKeys = append([]string(nil), t.ResolutionKeys...)
	if t.Metadata != nil {
		md := make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			md[k] = v
		}
		t.Metadata = md
	}
	return t
}

// MockCredentialRepository is an in-memory domain.CredentialRepository.
type MockCredentialRepository struct {
	mu       sync.Mutex
	profiles map[string]domain.CredentialProfile // by id

	Loads int
	Swaps int
	// BeforeLoad, when set, runs at the start of every ForTenant call.
	BeforeLoad func(tenantID string)
	// SwapErrOn fails the Nth SwapPassword call (1-based) once.
	SwapErrOn int
	SwapErr   error
}

func NewMockCredentialRepository() *MockCredentialRepository {
	return &MockCredentialRepository{profiles: make(map[string]domain.CredentialProfile)}
}

func (m *MockCredentialRepository) ForTenant(ctx context.Context, tenantID string) (*domain.CredentialProfile, error) {
	if m.BeforeLoad != nil {
		m.BeforeLoad(tenantID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Loads++
	for _, p := range m.profiles {
		if p.TenantID == tenantID {
			out := p
			return &out, nil
		}
	}
	return nil, domain.ErrProfileNotFound
}

func (m *MockCredentialRepository) Save(ctx context.Context, p *domain.CredentialProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = "profile-" + p.TenantID
	}
	m.profiles[p.ID] = *p
	return nil
}

func (m *MockCredentialRepository) ListAfter(ctx context.Context, afterID string, limit int) ([]domain.CredentialProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.CredentialProfile, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.profiles[id])
	}
	return out, nil
}

func (m *MockCredentialRepository) SwapPassword(ctx context.Context, id, old, updated string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Swaps++
	if m.SwapErrOn > 0 && m.Swaps == m.SwapErrOn {
		m.SwapErrOn = 0
		m.Swaps--
		if m.SwapErr == nil {
			return false, errors.New("injected swap failure")
		}
		return false, m.SwapErr
	}
	p, ok := m.profiles[id]
	if !ok || p.Password != old {
		return false, nil
	}
	p.Password = updated
	m.profiles[id] = p
	return true, nil
}

// Profile returns the stored profile by id.
func (m *MockCredentialRepository) Profile(id string) (domain.CredentialProfile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	return p, ok
}

// MockProvisioningRepository is an in-memory domain.ProvisioningRepository.
type MockProvisioningRepository struct {
	mu      sync.Mutex
	records map[string]domain.ProvisioningRecord
	leases  map[string]string

	Saves  int
	Claims int
	// FailSaveOn fails the Nth Save call (1-based) once, simulating a crash
	// after a step ran but before its checkpoint was written.
	FailSaveOn int
}

func NewMockProvisioningRepository() *MockProvisioningRepository {
	return &MockProvisioningRepository{
		records: make(map[string]domain.ProvisioningRecord),
		leases:  make(map[string]string),
	}
}

var ErrInjectedCrash = errors.New("injected crash")

func (m *MockProvisioningRepository) Get(ctx context.Context, tenantID string) (*domain.ProvisioningRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[tenantID]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	r.SeedersDone = append([]string(nil), r.SeedersDone...)
	return &r, nil
}

func (m *MockProvisioningRepository) Save(ctx context.Context, r *domain.ProvisioningRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Saves++
	if m.FailSaveOn > 0 && m.Saves == m.FailSaveOn {
		m.FailSaveOn = 0
		return ErrInjectedCrash
	}
	stored := *r
	stored.SeedersDone = append([]string(nil), r.SeedersDone...)
	m.records[r.TenantID] = stored
	return nil
}

func (m *MockProvisioningRepository) Delete(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tenantID)
	return nil
}

func (m *MockProvisioningRepository) Claim(ctx context.Context, tenantID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Claims++
	if holder, ok := m.leases[tenantID]; ok && holder != owner {
		return false, nil
	}
	m.leases[tenantID] = owner
	return true, nil
}

// TakeOver hands the lease to owner as if the current holder's lease had expired.
func (m *MockProvisioningRepository) TakeOver(tenantID, owner string) {
	m.mu.Lock()
	m.leases[tenantID] = owner
	m.mu.Unlock()
}

func (m *MockProvisioningRepository) ReleaseClaim(ctx context.Context, tenantID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[tenantID] == owner {
		delete(m.leases, tenantID)
	}
	return nil
}

// MockRotationJournal is an in-memory domain.RotationJournal.
type MockRotationJournal struct {
	mu      sync.Mutex
	last    map[string]string
	done    map[string]bool
	Records int
}

func NewMockRotationJournal() *MockRotationJournal {
	return &MockRotationJournal{last: make(map[string]string), done: make(map[string]bool)}
}

func (m *MockRotationJournal) Checkpoint(ctx context.Context, rotationID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[rotationID], m.done[rotationID], nil
}

func (m *MockRotationJournal) Record(ctx context.Context, rotationID, lastID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records++
	m.last[rotationID] = lastID
	return nil
}

func (m *MockRotationJournal) Complete(ctx context.Context, rotationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[rotationID] = true
	return nil
}
