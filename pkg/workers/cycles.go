package workers

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rae-project/rae/pkg/memory"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/pipeline"
	"github.com/rae-project/rae/pkg/reflection"
	"github.com/rae-project/rae/pkg/storage"
	"github.com/rae-project/rae/pkg/tenant"
)

// summarizeBatchSize bounds how many working records fold into one longterm
// summary.
const summarizeBatchSize = 5

// DecayCycle applies exponential importance decay, prunes dead records with
// full cascades, and drops graph edges below the confidence floor. It runs
// without LLM spend, so it is never budget-deferred.
type DecayCycle struct {
	records storage.RecordStore
	graph   storage.GraphStore
	memory  *memory.Service
	logger  observability.Logger
	now     func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// NewDecayCycle creates a DecayCycle.
func NewDecayCycle(records storage.RecordStore, graph storage.GraphStore, mem *memory.Service, logger observability.Logger) *DecayCycle {
	return &DecayCycle{
		records: records,
		graph:   graph,
		memory:  mem,
		logger:  logger.WithPrefix("decay"),
		now:     func() time.Time { return time.Now().UTC() },
		lastRun: make(map[string]time.Time),
	}
}

// Name implements Cycle.
func (c *DecayCycle) Name() string { return "decay" }

// NeedsLLM implements Cycle.
func (c *DecayCycle) NeedsLLM() bool { return false }

// Run implements Cycle. Decay is measured from the later of the record's
// last access and the previous run, so a second sweep at the same instant is
// a no-op.
func (c *DecayCycle) Run(ctx context.Context, tc *tenant.Context) (CycleStats, error) {
	var stats CycleStats
	now := c.now()
	c.mu.Lock()
	last := c.lastRun[tc.TenantID]
	c.lastRun[tc.TenantID] = now
	c.mu.Unlock()

	halfLife := time.Duration(tc.Config.Decay.HalfLifeDays * 24 * float64(time.Hour))
	if halfLife <= 0 {
		halfLife = 14 * 24 * time.Hour
	}
	page, err := c.records.Query(ctx, tc.TenantID, storage.RecordFilter{})
	if err != nil {
		return stats, err
	}
	for _, r := range page.Records {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++

		since := r.LastAccessedAt
		if last.After(since) {
			since = last
		}
		dt := now.Sub(since)
		if dt > 0 {
			r.Importance *= math.Exp(-dt.Seconds() / halfLife.Seconds())
			if err := c.records.Put(ctx, r); err != nil {
				c.logger.Warn("decay write failed", map[string]interface{}{"memory_id": r.ID, "error": err.Error()})
				continue
			}
			stats.Mutated++
		}

		if c.prunable(tc.Config, r, now) {
			if err := c.memory.Delete(ctx, r.ID); err != nil {
				c.logger.Warn("prune failed", map[string]interface{}{"memory_id": r.ID, "error": err.Error()})
				continue
			}
			stats.Pruned++
		}
	}

	pruned, err := c.graph.PruneEdgesBelow(ctx, tc.TenantID, tc.Config.Decay.EdgeConfidenceFloor)
	if err != nil {
		return stats, err
	}
	stats.Pruned += pruned
	return stats, nil
}

func (c *DecayCycle) prunable(cfg *models.TenantConfig, r *models.MemoryRecord, now time.Time) bool {
	age := now.Sub(r.CreatedAt)
	// Sensory records that never earned admission expire on retention alone.
	if r.Layer == models.LayerSensory && age > cfg.Layers.SensoryRetention {
		return true
	}
	if r.Importance >= cfg.Decay.ImportanceFloor || r.UsageCounter != 0 {
		return false
	}
	if age <= cfg.Decay.MinAgeForPrune {
		return false
	}
	return age > retentionFor(cfg, r.Layer)
}

func retentionFor(cfg *models.TenantConfig, layer models.Layer) time.Duration {
	switch layer {
	case models.LayerSensory:
		return cfg.Layers.SensoryRetention
	case models.LayerWorking:
		return cfg.Layers.WorkingRetention
	case models.LayerLongterm:
		return cfg.Layers.LongtermRetention
	case models.LayerReflective:
		return cfg.Layers.ReflectiveRetention
	}
	return cfg.Layers.LongtermRetention
}

// SummarizationCycle folds eligible working records into longterm summaries.
type SummarizationCycle struct {
	records      storage.RecordStore
	consolidator *pipeline.Consolidator
	logger       observability.Logger
	now          func() time.Time
}

// NewSummarizationCycle creates a SummarizationCycle.
func NewSummarizationCycle(records storage.RecordStore, cons *pipeline.Consolidator, logger observability.Logger) *SummarizationCycle {
	return &SummarizationCycle{
		records:      records,
		consolidator: cons,
		logger:       logger.WithPrefix("summarization"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Name implements Cycle.
func (c *SummarizationCycle) Name() string { return "summarization" }

// NeedsLLM implements Cycle.
func (c *SummarizationCycle) NeedsLLM() bool { return true }

// Run implements Cycle.
func (c *SummarizationCycle) Run(ctx context.Context, tc *tenant.Context) (CycleStats, error) {
	var stats CycleStats
	now := c.now()
	page, err := c.records.Query(ctx, tc.TenantID, storage.RecordFilter{
		Layers: []models.Layer{models.LayerWorking},
	})
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(page.Records)

	var eligible []*models.MemoryRecord
	for _, r := range page.Records {
		if c.consolidator.WorkingEligible(tc.Config, r, now) {
			eligible = append(eligible, r)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })

	for len(eligible) > 0 {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		n := summarizeBatchSize
		if n > len(eligible) {
			n = len(eligible)
		}
		batch := eligible[:n]
		eligible = eligible[n:]
		if _, err := c.consolidator.PromoteWorkingBatch(ctx, batch); err != nil {
			if errors.Is(err, models.ErrBudgetExceeded) {
				return stats, err
			}
			c.logger.Warn("batch promotion failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		stats.Mutated += n
	}
	return stats, nil
}

// DreamingCycle clusters longterm records and asks the reflection engine for
// a meta-memory per eligible cluster.
type DreamingCycle struct {
	records      storage.RecordStore
	consolidator *pipeline.Consolidator
	reflector    *reflection.Engine
	logger       observability.Logger
}

// NewDreamingCycle creates a DreamingCycle.
func NewDreamingCycle(records storage.RecordStore, cons *pipeline.Consolidator, refl *reflection.Engine, logger observability.Logger) *DreamingCycle {
	return &DreamingCycle{
		records:      records,
		consolidator: cons,
		reflector:    refl,
		logger:       logger.WithPrefix("dreaming"),
	}
}

// Name implements Cycle.
func (c *DreamingCycle) Name() string { return "dreaming" }

// NeedsLLM implements Cycle.
func (c *DreamingCycle) NeedsLLM() bool { return true }

// Run implements Cycle. Rejected or abandoned reflections are routine and do
// not fail the cycle; budget exhaustion defers the rest.
func (c *DreamingCycle) Run(ctx context.Context, tc *tenant.Context) (CycleStats, error) {
	var stats CycleStats
	page, err := c.records.Query(ctx, tc.TenantID, storage.RecordFilter{
		Layers: []models.Layer{models.LayerLongterm},
	})
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(page.Records)

	mode := dreamMode(tc.Config)
	for _, cluster := range c.consolidator.ClusterLongterm(tc.Config, page.Records) {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if !c.consolidator.ClusterEligible(tc.Config, cluster) {
			continue
		}
		if _, err := c.reflector.Generate(ctx, cluster, mode); err != nil {
			if errors.Is(err, models.ErrBudgetExceeded) {
				return stats, err
			}
			continue
		}
		stats.Mutated++
	}
	return stats, nil
}

func dreamMode(cfg *models.TenantConfig) models.ReflectionType {
	if cfg.ReflectionModeEnabled(models.ReflectionStrategy) {
		return models.ReflectionStrategy
	}
	if len(cfg.Reflection.EnabledModes) > 0 {
		return cfg.Reflection.EnabledModes[0]
	}
	return models.ReflectionObservation
}

// ReconciliationCycle recomputes missing and stale embeddings so records
// written during provider outages become searchable again.
type ReconciliationCycle struct {
	memory *memory.Service
}

// NewReconciliationCycle creates a ReconciliationCycle.
func NewReconciliationCycle(mem *memory.Service) *ReconciliationCycle {
	return &ReconciliationCycle{memory: mem}
}

// Name implements Cycle.
func (c *ReconciliationCycle) Name() string { return "reconciliation" }

// NeedsLLM implements Cycle.
func (c *ReconciliationCycle) NeedsLLM() bool { return true }

// Run implements Cycle.
func (c *ReconciliationCycle) Run(ctx context.Context, tc *tenant.Context) (CycleStats, error) {
	fixed, err := c.memory.ReconcileEmbeddings(ctx, tc)
	return CycleStats{Mutated: fixed}, err
}
