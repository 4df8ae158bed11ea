package tenant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rae-project/rae/pkg/models"
)

// Registry holds the per-tenant configuration map. Lookups for unknown
// tenants return defaults, so a missing config never blocks a request; it
// just yields the conservative operating mode.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*models.TenantConfig
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*models.TenantConfig)}
}

// Get returns the tenant's configuration, registering defaults on first
// sight.
func (r *Registry) Get(tenantID string) *models.TenantConfig {
	r.mu.RLock()
	cfg, ok := r.configs[tenantID]
	r.mu.RUnlock()
	if ok {
		return cfg
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.configs[tenantID]; ok {
		return cfg
	}
	cfg = models.DefaultTenantConfig(tenantID)
	r.configs[tenantID] = cfg
	return cfg
}

// Put stores or replaces a tenant's configuration.
func (r *Registry) Put(cfg *models.TenantConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.UpdatedAt = time.Now().UTC()
	r.configs[cfg.TenantID] = cfg
}

// SetBudget replaces one tenant's budget section.
func (r *Registry) SetBudget(tenantID string, budget models.BudgetConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[tenantID]
	if !ok {
		cfg = models.DefaultTenantConfig(tenantID)
		r.configs[tenantID] = cfg
	}
	cfg.Budget = budget
	cfg.UpdatedAt = time.Now().UTC()
}

// List returns every registered tenant's configuration in stable order.
func (r *Registry) List(ctx context.Context) ([]*models.TenantConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.TenantConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
