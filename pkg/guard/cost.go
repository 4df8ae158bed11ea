// Package guard implements the two gatekeepers every priced or sensitive
// operation must traverse: the cost guard (budget admission and accounting)
// and the policy guard (information-class classification and scrubbing).
package guard

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
)

// AlertFunc receives budget threshold crossings (0.5, 0.8, 0.95 of a limit).
type AlertFunc func(tenantID string, window string, fraction float64)

// tenantUsage tracks running spend for one tenant. Day and month roll over
// lazily on access.
type tenantUsage struct {
	day          time.Time
	month        time.Time
	dailyCents   int64
	monthlyCents int64
	alerted      map[string]float64 // window -> highest threshold already fired
}

// Admission is the token returned by a successful budget check. The caller
// must reconcile it with the actual cost after the priced call completes;
// no retroactive accounting is allowed.
type Admission struct {
	ID             string
	TenantID       string
	EstimatedCents int64
	GrantedAt      time.Time
}

// CostGuard enforces per-tenant daily and monthly spend caps. Amounts are
// whole cents so the documented boundary (exactly-equal admits, one cent
// over denies) is exact.
type CostGuard struct {
	mu     sync.Mutex
	usage  map[string]*tenantUsage
	logger observability.Logger
	alert  AlertFunc
	now    func() time.Time
}

// NewCostGuard creates a CostGuard. alert may be nil.
func NewCostGuard(logger observability.Logger, alert AlertFunc) *CostGuard {
	return &CostGuard{
		usage:  make(map[string]*tenantUsage),
		logger: logger.WithPrefix("cost_guard"),
		alert:  alert,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (g *CostGuard) tenant(tenantID string) *tenantUsage {
	u, ok := g.usage[tenantID]
	if !ok {
		u = &tenantUsage{alerted: make(map[string]float64)}
		g.usage[tenantID] = u
	}
	now := g.now()
	day := now.Truncate(24 * time.Hour)
	if !u.day.Equal(day) {
		u.day = day
		u.dailyCents = 0
		delete(u.alerted, "daily")
	}
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if !u.month.Equal(month) {
		u.month = month
		u.monthlyCents = 0
		delete(u.alerted, "monthly")
	}
	return u
}

// Admit checks whether an estimated spend fits the tenant's remaining daily
// and monthly budget. On success it reserves the estimate and returns an
// admission token; on failure it returns ErrBudgetExceeded.
func (g *CostGuard) Admit(tc *models.TenantConfig, estimatedCents int64) (*Admission, error) {
	if estimatedCents < 0 {
		return nil, models.ErrInvalidRecord
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.tenant(tc.TenantID)
	budget := tc.Budget
	if u.dailyCents+estimatedCents > budget.DailyLimitCents ||
		u.monthlyCents+estimatedCents > budget.MonthlyLimitCents {
		g.logger.Warn("budget admission denied", map[string]interface{}{
			"tenant_id": tc.TenantID,
			"estimated": estimatedCents,
			"daily":     u.dailyCents,
			"monthly":   u.monthlyCents,
		})
		return nil, models.ErrBudgetExceeded
	}
	u.dailyCents += estimatedCents
	u.monthlyCents += estimatedCents
	g.checkAlerts(tc, u)
	return &Admission{
		ID:             uuid.New().String(),
		TenantID:       tc.TenantID,
		EstimatedCents: estimatedCents,
		GrantedAt:      g.now(),
	}, nil
}

// Reconcile adjusts the reserved estimate to the actual cost reported after
// the call.
func (g *CostGuard) Reconcile(tc *models.TenantConfig, adm *Admission, actualCents int64) {
	if adm == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.tenant(adm.TenantID)
	delta := actualCents - adm.EstimatedCents
	u.dailyCents += delta
	u.monthlyCents += delta
	if u.dailyCents < 0 {
		u.dailyCents = 0
	}
	if u.monthlyCents < 0 {
		u.monthlyCents = 0
	}
	g.checkAlerts(tc, u)
}

// Release returns an unused reservation, e.g. when the provider call never
// happened.
func (g *CostGuard) Release(adm *Admission) {
	if adm == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.tenant(adm.TenantID)
	u.dailyCents -= adm.EstimatedCents
	u.monthlyCents -= adm.EstimatedCents
	if u.dailyCents < 0 {
		u.dailyCents = 0
	}
	if u.monthlyCents < 0 {
		u.monthlyCents = 0
	}
}

// Usage returns the tenant's current daily and monthly spend in cents.
func (g *CostGuard) Usage(tenantID string) (dailyCents, monthlyCents int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.tenant(tenantID)
	return u.dailyCents, u.monthlyCents
}

func (g *CostGuard) checkAlerts(tc *models.TenantConfig, u *tenantUsage) {
	if g.alert == nil {
		return
	}
	thresholds := tc.Budget.AlertThresholds
	if len(thresholds) == 0 {
		thresholds = []float64{0.5, 0.8, 0.95}
	}
	check := func(window string, spent, limit int64) {
		if limit <= 0 {
			return
		}
		frac := float64(spent) / float64(limit)
		for _, t := range thresholds {
			if frac >= t && u.alerted[window] < t {
				u.alerted[window] = t
				g.alert(tc.TenantID, window, t)
			}
		}
	}
	check("daily", u.dailyCents, tc.Budget.DailyLimitCents)
	check("monthly", u.monthlyCents, tc.Budget.MonthlyLimitCents)
}
