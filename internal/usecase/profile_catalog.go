package usecase

import (
	"reflect"
	"sort"
	"sync"

	"github.com/V4T54L/tenancy/internal/domain"
)

// ProfileCatalog holds the shared default profile and the named profiles
// loaded from the profiles file. Secrets stay encrypted in the catalog.
type ProfileCatalog struct {
	mu       sync.RWMutex
	fallback domain.CredentialProfile
	named    map[string]domain.CredentialProfile
}

func NewProfileCatalog(fallback domain.CredentialProfile, named map[string]domain.CredentialProfile) *ProfileCatalog {
	if named == nil {
		named = make(map[string]domain.CredentialProfile)
	}
	return &ProfileCatalog{fallback: fallback, named: named}
}

// Default returns the shared profile.
func (c *ProfileCatalog) Default() domain.CredentialProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}

// Named returns a named profile.
func (c *ProfileCatalog) Named(name string) (domain.CredentialProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.named[name]
	return p, ok
}

// Names lists the named profiles.
func (c *ProfileCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.named))
	for n := range c.named {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Replace swaps in a new set of named profiles and returns the names that
// were added, removed, or changed.
func (c *ProfileCatalog) Replace(named map[string]domain.CredentialProfile) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changed []string
	for name, p := range named {
		if old, ok := c.named[name]; !ok || !reflect.DeepEqual(old, p) {
			changed = append(changed, name)
		}
	}
	for name := range c.named {
		if _, ok := named[name]; !ok {
			changed = append(changed, name)
		}
	}
	c.named = named
	sort.Strings(changed)
	return changed
}
