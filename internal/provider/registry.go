// internal/provider/registry.go
package provider

import (
	"fmt"
	"sort"
	"sync"
)

// AgentInfo describes one backend for the wire
type AgentInfo struct {
	Agent     string `json:"agent"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	Available bool   `json:"available"`
}

// Registry holds the configured providers and caches availability checks.
// Binary discovery runs once per backend; installing a CLI mid-run needs a
// server restart to be picked up.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
	order     []string
	checked   map[string]error
}

// NewRegistry creates a registry with the standard backends
func NewRegistry() *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
		checked:   make(map[string]error),
	}
	r.Register(NewClaudeProvider(""))
	r.Register(NewCodexProvider(""))
	r.Register(NewGeminiProvider(""))
	return r
}

// Register adds a provider to the registry
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.ID()]; !exists {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = p
}

// Get returns an available provider by id. Unknown and uninstalled
// backends both report ErrAgentUnavailable.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown agent %q", ErrAgentUnavailable, id)
	}

	if err := r.availability(p); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns every registered backend with cached availability
func (r *Registry) List() []AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]AgentInfo, 0, len(r.providers))
	for _, id := range r.order {
		p := r.providers[id]
		infos = append(infos, AgentInfo{
			Agent:     p.ID(),
			Name:      p.Name(),
			Model:     p.DefaultModel(),
			Available: r.availability(p) == nil,
		})
	}

	sort.SliceStable(infos, func(i, j int) bool {
		// Available backends list first
		return infos[i].Available && !infos[j].Available
	})
	return infos
}

// availability runs the provider's check once and caches the result.
// Callers must hold r.mu.
func (r *Registry) availability(p Provider) error {
	if err, done := r.checked[p.ID()]; done {
		return err
	}
	err := p.Available()
	r.checked[p.ID()] = err
	return err
}
