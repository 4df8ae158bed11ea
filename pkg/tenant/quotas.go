package tenant

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/rae-project/rae/pkg/models"
)

// QuotaKind selects which per-tenant concurrency cap a limiter enforces.
type QuotaKind string

const (
	QuotaRequests QuotaKind = "requests"
	QuotaLLM      QuotaKind = "llm"
)

// Limiter enforces per-tenant concurrency quotas with weighted semaphores
// keyed on (tenant, kind). Acquisition never blocks: a full semaphore means
// the tenant is throttled.
type Limiter struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{sems: make(map[string]*semaphore.Weighted)}
}

func (l *Limiter) sem(tenantID string, kind QuotaKind, cap int64) *semaphore.Weighted {
	key := tenantID + ":" + string(kind)
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[key]
	if !ok {
		s = semaphore.NewWeighted(cap)
		l.sems[key] = s
	}
	return s
}

// Acquire takes one slot of the tenant's quota, returning a release func.
// Returns ErrTenantThrottled when the in-flight cap is reached.
func (l *Limiter) Acquire(ctx context.Context, tc *Context, kind QuotaKind) (func(), error) {
	capacity := tc.Config.Quotas.MaxConcurrentRequests
	if kind == QuotaLLM {
		capacity = tc.Config.Quotas.MaxInFlightLLM
	}
	if capacity <= 0 {
		capacity = 1
	}
	s := l.sem(tc.TenantID, kind, capacity)
	if !s.TryAcquire(1) {
		return nil, models.ErrTenantThrottled
	}
	return func() { s.Release(1) }, nil
}
