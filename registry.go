package capsule

import (
	"sort"
	"sync"
)

// Registry tracks the live capsules of a process by soname.
type Registry struct {
	mu       sync.RWMutex
	capsules map[string]*Capsule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{capsules: make(map[string]*Capsule)}
}

// Register adds c, replacing any capsule with the same soname.
func (r *Registry) Register(c *Capsule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capsules == nil {
		r.capsules = make(map[string]*Capsule)
	}
	r.capsules[c.Soname] = c
}

// Lookup returns the capsule for soname.
func (r *Registry) Lookup(soname string) (*Capsule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capsules[soname]
	return c, ok
}

// Capsules returns every registered capsule ordered by soname.
func (r *Registry) Capsules() []*Capsule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Capsule, 0, len(r.capsules))
	for _, c := range r.capsules {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Soname < out[j].Soname })
	return out
}

// RelocateAll relocates every registered capsule and sums the results.
func (r *Registry) RelocateAll() (Result, error) {
	var total Result
	for _, c := range r.Capsules() {
		res, err := c.Relocate()
		total.Add(res)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
