package execnode

import (
	"fmt"
	"slices"
	"sync"
)

// Registry holds the known client profiles. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]*Profile
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Kind]*Profile),
	}
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *Profile) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Kind] = p
}

// Get returns the profile for kind.
func (r *Registry) Get(kind Kind) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// HasChainData reports whether any registered client has written chain data in dataDir.
// A data dir initialized by geth must not be re-initialized for reth and vice versa.
func (r *Registry) HasChainData(dataDir string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.entries {
		if p.HasChainData(dataDir) {
			return true
		}
	}
	return false
}

// DefaultRegistry returns a registry with the geth and reth profiles.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(GethProfile())
	r.Register(RethProfile())
	return r
}
