// Package profile implements the capability profile registry.
//
// Profiles are registered once, before any dispatch, and then frozen.
// Lookups read an immutable snapshot through an atomic pointer and never
// take a lock.
package profile

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Registry maps profile types to capability profiles.
type Registry struct {
	// snapshot holds a copy-on-write map; readers never lock.
	snapshot atomic.Pointer[map[string]models.CapabilityProfile]
	// frozen rejects registrations once orchestration starts.
	frozen atomic.Bool
	// mu serializes writers.
	mu sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]models.CapabilityProfile)
	r.snapshot.Store(&empty)
	return r
}

// Register adds a profile. It fails with ErrDuplicateProfile if the type
// already exists and ErrRegistryFrozen after Freeze.
func (r *Registry) Register(p models.CapabilityProfile) error {
	p.Type = strings.TrimSpace(p.Type)
	if p.Type == "" {
		return fmt.Errorf("register profile: type is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("register profile %q: %w", p.Type, models.ErrRegistryFrozen)
	}

	current := *r.snapshot.Load()
	if _, exists := current[p.Type]; exists {
		return fmt.Errorf("register profile %q: %w", p.Type, models.ErrDuplicateProfile)
	}

	next := make(map[string]models.CapabilityProfile, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[p.Type] = p.Clone()
	r.snapshot.Store(&next)
	return nil
}

// MustRegister registers p and panics on error. Intended for static setup.
func (r *Registry) MustRegister(p models.CapabilityProfile) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Lookup returns the profile for typ or ErrUnknownProfile.
func (r *Registry) Lookup(typ string) (models.CapabilityProfile, error) {
	p, ok := (*r.snapshot.Load())[typ]
	if !ok {
		return models.CapabilityProfile{}, fmt.Errorf("lookup %q: %w", typ, models.ErrUnknownProfile)
	}
	return p.Clone(), nil
}

// Freeze ends the registration phase.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Types returns the registered profile types in sorted order.
func (r *Registry) Types() []string {
	m := *r.snapshot.Load()
	types := make([]string, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// All returns every registered profile sorted by type.
func (r *Registry) All() []models.CapabilityProfile {
	types := r.Types()
	m := *r.snapshot.Load()
	out := make([]models.CapabilityProfile, 0, len(types))
	for _, t := range types {
		out = append(out, m[t].Clone())
	}
	return out
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}
