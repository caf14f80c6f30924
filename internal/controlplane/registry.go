package controlplane

import (
	"sort"
	"sync"

	"github.com/agentcore/runtime/internal/agenthost"
)

// Registry is the control plane's read-only snapshot handle plus enqueue
// handle into every hosted agent (spec §3.3): it never owns a Host's
// inbox or state, only holds a reference to it.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*agenthost.Host
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]*agenthost.Host)}
}

// Register adds or replaces the Host for its own agent id.
func (r *Registry) Register(h *agenthost.Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[h.ID()] = h
	agentsRegistered.Set(float64(len(r.hosts)))
}

// Deregister removes a Host by id.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hosts, id)
	agentsRegistered.Set(float64(len(r.hosts)))
}

// List returns every registered agent id, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.hosts))
	for id := range r.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get looks up a Host by agent id.
func (r *Registry) Get(id string) (*agenthost.Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[id]
	return h, ok
}
