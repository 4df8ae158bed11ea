// Package workers runs the background maintenance cycles: decay,
// summarization, dreaming, and embedding reconciliation. The scheduler
// iterates tenants under per-tenant advisory locks; one tenant's failure
// never blocks another, and cycles needing LLM spend defer when the
// tenant's daily budget is gone.
package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rae-project/rae/pkg/audit"
	"github.com/rae-project/rae/pkg/guard"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/tenant"
)

// maxConcurrentTenants bounds the worker pool so background cycles cannot
// starve the request path.
const maxConcurrentTenants = 4

// CycleStats summarizes one tenant-scoped cycle run.
type CycleStats struct {
	Scanned  int
	Mutated  int
	Pruned   int
	Deferred bool
}

// Cycle is one tenant-scoped maintenance job.
type Cycle interface {
	Name() string
	// NeedsLLM marks cycles whose work is priced; they are deferred when the
	// tenant's daily budget is exhausted.
	NeedsLLM() bool
	Run(ctx context.Context, tc *tenant.Context) (CycleStats, error)
}

// Scheduler drives the cycles across tenants.
type Scheduler struct {
	registry *tenant.Registry
	cost     *guard.CostGuard
	auditor  *audit.Pipeline
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu    sync.Mutex
	locks map[string]*tenantLock

	stop chan struct{}
	wg   sync.WaitGroup
}

type tenantLock struct{ busy sync.Mutex }

// NewScheduler creates a Scheduler.
func NewScheduler(
	registry *tenant.Registry,
	cost *guard.CostGuard,
	auditor *audit.Pipeline,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Scheduler {
	return &Scheduler{
		registry: registry,
		cost:     cost,
		auditor:  auditor,
		logger:   logger.WithPrefix("workers"),
		metrics:  metrics,
		locks:    make(map[string]*tenantLock),
		stop:     make(chan struct{}),
	}
}

func (s *Scheduler) lock(tenantID string) *tenantLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[tenantID]
	if !ok {
		l = &tenantLock{}
		s.locks[tenantID] = l
	}
	return l
}

// RunCycle runs one cycle across every registered tenant. Per-tenant errors
// are logged and audited but never abort the sweep.
func (s *Scheduler) RunCycle(ctx context.Context, cycle Cycle) error {
	configs, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTenants)
	for _, cfg := range configs {
		cfg := cfg
		g.Go(func() error {
			s.runTenant(gctx, cycle, cfg)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runTenant(ctx context.Context, cycle Cycle, cfg *models.TenantConfig) {
	l := s.lock(cfg.TenantID)
	if !l.busy.TryLock() {
		// Another run of some cycle holds this tenant; skip rather than
		// queue so sweeps stay bounded.
		return
	}
	defer l.busy.Unlock()

	tc := tenant.New(cfg.TenantID, "worker:"+cycle.Name(), cfg)
	tctx := tenant.WithContext(ctx, tc)
	started := time.Now()

	if cycle.NeedsLLM() && s.budgetExhausted(cfg) {
		s.emitCycle(tc, cycle.Name(), models.OutcomeDeferred, started, CycleStats{Deferred: true},
			map[string]interface{}{"cycle_deferred": "budget"})
		return
	}

	stats, err := cycle.Run(tctx, tc)
	switch {
	case errors.Is(err, models.ErrBudgetExceeded):
		// Budget ran out mid-cycle; whatever was done stays done, the rest
		// waits for the next window.
		stats.Deferred = true
		s.emitCycle(tc, cycle.Name(), models.OutcomeDeferred, started, stats,
			map[string]interface{}{"cycle_deferred": "budget"})
	case err != nil:
		s.logger.Error("cycle failed", map[string]interface{}{
			"cycle":  cycle.Name(),
			"tenant": cfg.TenantID,
			"error":  err.Error(),
		})
		s.emitCycle(tc, cycle.Name(), models.OutcomeError, started, stats,
			map[string]interface{}{"error": err.Error()})
	default:
		s.emitCycle(tc, cycle.Name(), models.OutcomeSuccess, started, stats, nil)
	}
	s.metrics.IncrementCounter("rae_worker_cycles_total", map[string]string{"cycle": cycle.Name()})
}

func (s *Scheduler) budgetExhausted(cfg *models.TenantConfig) bool {
	daily, _ := s.cost.Usage(cfg.TenantID)
	return daily >= cfg.Budget.DailyLimitCents
}

func (s *Scheduler) emitCycle(tc *tenant.Context, name string, outcome models.AuditOutcome, started time.Time, stats CycleStats, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["scanned"] = stats.Scanned
	fields["mutated"] = stats.Mutated
	fields["pruned"] = stats.Pruned
	crit := models.CriticalityOperation
	if stats.Deferred {
		crit = models.CriticalityPolicy
	}
	s.auditor.Emit(models.AuditEvent{
		TenantID:    tc.TenantID,
		Actor:       tc.Actor,
		RequestID:   tc.RequestID,
		Operation:   "worker." + name,
		Outcome:     outcome,
		LatencyMS:   time.Since(started).Milliseconds(),
		Criticality: crit,
		Fields:      fields,
	})
}

// Schedule is one cycle with its interval.
type Schedule struct {
	Cycle    Cycle
	Interval time.Duration
}

// Start runs the schedules on tickers until Stop. The first run of each
// cycle happens after its first interval, not immediately.
func (s *Scheduler) Start(ctx context.Context, schedules []Schedule) {
	for _, sched := range schedules {
		sched := sched
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(sched.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := s.RunCycle(ctx, sched.Cycle); err != nil {
						s.logger.Error("cycle sweep failed", map[string]interface{}{
							"cycle": sched.Cycle.Name(),
							"error": err.Error(),
						})
					}
				case <-s.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop halts the tickers and waits for in-flight sweeps to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}
