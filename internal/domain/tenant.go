package domain

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Tenant is a customer organization owned by the landlord database.
type Tenant struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Database       string            `json:"database"`
	ProfileName    string            `json:"profile_name,omitempty"`
	ResolutionKeys []string          `json:"resolution_keys"`
	Active         bool              `json:"active"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
}

// Routable reports whether requests may be resolved to the tenant at the given time.
func (t *Tenant) Routable(now time.Time) bool {
	if t == nil || !t.Active || t.DeletedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

// ResolutionStrategy selects how a request is mapped to a tenant.
// Exactly one strategy is active per deployment.
type ResolutionStrategy string

const (
	StrategyDomain    ResolutionStrategy = "domain"
	StrategySubdomain ResolutionStrategy = "subdomain"
	StrategyPath      ResolutionStrategy = "path"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyDomain:
		return StrategyDomain, nil
	case StrategySubdomain:
		return StrategySubdomain, nil
	case StrategyPath:
		return StrategyPath, nil
	}
	return "", fmt.Errorf("unknown resolution strategy %q", s)
}

// RequestSignature is the part of an inbound request used for tenant resolution.
type RequestSignature struct {
	Host string
	Path string
}

// NormalizeHost lowercases a host and strips any port and trailing dot.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

// NormalizeKey canonicalizes a resolution key the same way for storage and lookup.
func NormalizeKey(key string) string {
	return strings.Trim(NormalizeHost(key), "/")
}

// NormalizeKeys canonicalizes and de-duplicates a key list, preserving order.
func NormalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = NormalizeKey(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// TenantFilter narrows a tenant listing.
type TenantFilter struct {
	IncludeInactive bool
	IncludeDeleted  bool
	Limit           int
}

// DatabaseName derives a tenant's physical database name from its id.
func DatabaseName(prefix, tenantID string) string {
	return prefix + strings.ReplaceAll(strings.ToLower(tenantID), "-", "_")
}

// DatabaseFor returns the tenant's database, derived from its id when unset.
func (t *Tenant) DatabaseFor(prefix string) string {
	if t.Database != "" {
		return t.Database
	}
	return DatabaseName(prefix, t.ID)
}

// UpdateTenantRequest patches a tenant. Nil fields are left unchanged.
type UpdateTenantRequest struct {
	Name           *string           `json:"name,omitempty"`
	ResolutionKeys []string          `json:"resolution_keys,omitempty"`
	ProfileName    *string           `json:"profile_name,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	ClearExpiry    bool              `json:"clear_expiry,omitempty"`
}
