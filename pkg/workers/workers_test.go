package workers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rae-project/rae/pkg/audit"
	"github.com/rae-project/rae/pkg/cache"
	"github.com/rae-project/rae/pkg/gateway"
	"github.com/rae-project/rae/pkg/guard"
	"github.com/rae-project/rae/pkg/memory"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/pipeline"
	"github.com/rae-project/rae/pkg/reflection"
	"github.com/rae-project/rae/pkg/storage"
	"github.com/rae-project/rae/pkg/storage/memstore"
	"github.com/rae-project/rae/pkg/tenant"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	scheduler    *Scheduler
	registry     *tenant.Registry
	records      *memstore.RecordStore
	graph        *memstore.GraphStore
	memory       *memory.Service
	consolidator *pipeline.Consolidator
	reflector    *reflection.Engine
	cost         *guard.CostGuard
	sink         *audit.MemorySink
	auditor      *audit.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoopMetrics()
	sink := audit.NewMemorySink()
	auditor := audit.NewPipeline(sink, 256, logger, metrics)
	t.Cleanup(func() { _ = auditor.Close() })

	policy := guard.NewPolicyGuard()
	cost := guard.NewCostGuard(logger, nil)
	gw, err := gateway.New(
		gateway.DefaultConfig(),
		[]gateway.Provider{gateway.NewMockProvider(nil)},
		cache.NewMemoryCache(),
		cost, policy, auditor, tenant.NewLimiter(), logger, metrics,
	)
	require.NoError(t, err)

	records := memstore.NewRecordStore()
	vectors := memstore.NewVectorIndex()
	graph := memstore.NewGraphStore()
	mem := memory.NewService(records, vectors, graph, cache.NewMemoryCache(), gw, policy, auditor, logger, metrics)
	mem.SyncEmbeddings = true
	cons := pipeline.NewConsolidator(records, mem, gw, policy, auditor, logger, metrics)
	refl := reflection.NewEngine(records, vectors, mem, gw, auditor, logger, metrics)

	registry := tenant.NewRegistry()
	return &fixture{
		scheduler:    NewScheduler(registry, cost, auditor, logger, metrics),
		registry:     registry,
		records:      records,
		graph:        graph,
		memory:       mem,
		consolidator: cons,
		reflector:    refl,
		cost:         cost,
		sink:         sink,
		auditor:      auditor,
	}
}

func seedRecord(t *testing.T, f *fixture, r *models.MemoryRecord) {
	t.Helper()
	if r.ContentHash == "" {
		r.ContentHash = models.HashContent(r.Content)
	}
	require.NoError(t, f.records.Put(context.Background(), r))
}

func record(id string, layer models.Layer, importance float64, usage int64, age time.Duration) *models.MemoryRecord {
	now := time.Now().UTC()
	return &models.MemoryRecord{
		ID:             id,
		TenantID:       "t1",
		Layer:          layer,
		Content:        "observed throttling on the ingest path " + id,
		Importance:     importance,
		UsageCounter:   usage,
		InfoClass:      models.InfoClassInternal,
		CreatedAt:      now.Add(-age),
		LastAccessedAt: now.Add(-age),
	}
}

// clusterRecords seeds a tag-linked longterm cluster whose shared vocabulary
// lets the mock provider draft an acceptable lesson.
func clusterRecords(t *testing.T, f *fixture) {
	t.Helper()
	contents := []string{
		"deploys during backup windows caused replication pressure",
		"replication pressure spiked when deploys ran during backups",
		"backup windows and deploys should never overlap under replication load",
	}
	for i, content := range contents {
		r := record(fmt.Sprintf("lt%d", i), models.LayerLongterm, 0.8, 6, 24*time.Hour)
		r.Content = content
		r.Tags = []string{"deploys"}
		seedRecord(t, f, r)
	}
}

func TestDecayCycleDecaysAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	cfg := f.registry.Get("t1")
	tc := tenant.New("t1", "worker:decay", cfg)
	ctx := tenant.WithContext(context.Background(), tc)

	cycle := NewDecayCycle(f.records, f.graph, f.memory, observability.NewNoopLogger())
	now := time.Now().UTC()
	cycle.now = func() time.Time { return now }

	// 14 days since last access at a 14 day half-life: importance scales by
	// exp(-1).
	seedRecord(t, f, record("r1", models.LayerLongterm, 0.8, 1, 14*24*time.Hour))

	stats, err := cycle.Run(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Mutated)

	decayed, err := f.records.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8*0.3679, decayed.Importance, 0.001)

	// Second sweep at the same instant changes nothing.
	stats, err = cycle.Run(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Mutated)
	again, err := f.records.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, decayed.Importance, again.Importance)
}

func TestDecayCyclePrunesDeadRecordsAndEdges(t *testing.T) {
	f := newFixture(t)
	cfg := f.registry.Get("t1")
	tc := tenant.New("t1", "worker:decay", cfg)
	ctx := tenant.WithContext(context.Background(), tc)
	bg := context.Background()

	// Below the floor, unused, past working retention and the prune age.
	seedRecord(t, f, record("dead", models.LayerWorking, 0.01, 0, 40*24*time.Hour))
	// Same age but still used: survives.
	seedRecord(t, f, record("used", models.LayerWorking, 0.01, 3, 40*24*time.Hour))
	// Sensory past its TTL: pruned on retention alone.
	seedRecord(t, f, record("stale", models.LayerSensory, 0.4, 0, 48*time.Hour))

	require.NoError(t, f.graph.UpsertNode(bg, &models.SemanticNode{ID: "n1", TenantID: "t1", Label: "ingest", RecordIDs: []string{"used"}}))
	require.NoError(t, f.graph.UpsertNode(bg, &models.SemanticNode{ID: "n2", TenantID: "t1", Label: "gateway", RecordIDs: []string{"used"}}))
	require.NoError(t, f.graph.UpsertEdge(bg, &models.GraphEdge{TenantID: "t1", SourceID: "n1", Predicate: "feeds", TargetID: "n2", Confidence: 0.1, Provenance: []string{"used"}}))

	cycle := NewDecayCycle(f.records, f.graph, f.memory, observability.NewNoopLogger())
	stats, err := cycle.Run(ctx, tc)
	require.NoError(t, err)
	// dead, stale, and the low-confidence edge.
	assert.Equal(t, 3, stats.Pruned)

	_, err = f.records.Get(ctx, "t1", "dead")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.records.Get(ctx, "t1", "stale")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.records.Get(ctx, "t1", "used")
	assert.NoError(t, err)
}

func TestSummarizationCyclePromotesEligibleWorking(t *testing.T) {
	f := newFixture(t)
	cfg := f.registry.Get("t1")
	tc := tenant.New("t1", "worker:summarization", cfg)
	ctx := tenant.WithContext(context.Background(), tc)

	for i := 0; i < 3; i++ {
		seedRecord(t, f, record(fmt.Sprintf("w%d", i), models.LayerWorking, 0.7, 3, 2*time.Hour))
	}
	seedRecord(t, f, record("young", models.LayerWorking, 0.7, 3, time.Minute))

	cycle := NewSummarizationCycle(f.records, f.consolidator, observability.NewNoopLogger())
	stats, err := cycle.Run(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 3, stats.Mutated)

	page, err := f.records.Query(ctx, "t1", storage.RecordFilter{Layers: []models.Layer{models.LayerLongterm}})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Len(t, page.Records[0].ParentIDs, 3)
}

func TestDreamingCycleProducesReflection(t *testing.T) {
	f := newFixture(t)
	cfg := f.registry.Get("t1")
	tc := tenant.New("t1", "worker:dreaming", cfg)
	ctx := tenant.WithContext(context.Background(), tc)
	clusterRecords(t, f)

	cycle := NewDreamingCycle(f.records, f.consolidator, f.reflector, observability.NewNoopLogger())
	stats, err := cycle.Run(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Mutated)

	page, err := f.records.Query(ctx, "t1", storage.RecordFilter{Layers: []models.Layer{models.LayerReflective}})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, models.ReflectionStrategy, page.Records[0].ReflectionType)
	assert.ElementsMatch(t, []string{"lt0", "lt1", "lt2"}, page.Records[0].EvidenceRefs)
}

func TestSchedulerDefersLLMCyclesOnExhaustedBudget(t *testing.T) {
	f := newFixture(t)
	cfg := f.registry.Get("t1")
	cfg.Budget.DailyLimitCents = 0
	clusterRecords(t, f)

	cycle := NewDreamingCycle(f.records, f.consolidator, f.reflector, observability.NewNoopLogger())
	require.NoError(t, f.scheduler.RunCycle(context.Background(), cycle))

	require.NoError(t, f.auditor.Close())
	events := f.sink.ByOperation("worker.dreaming")
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeDeferred, events[0].Outcome)
	assert.Equal(t, "budget", events[0].Fields["cycle_deferred"])

	// No reflection was minted.
	tc := tenant.New("t1", "worker:dreaming", cfg)
	ctx := tenant.WithContext(context.Background(), tc)
	page, err := f.records.Query(ctx, "t1", storage.RecordFilter{Layers: []models.Layer{models.LayerReflective}})
	require.NoError(t, err)
	assert.Empty(t, page.Records)

	// Decay needs no LLM and still runs under the same exhausted budget.
	decay := NewDecayCycle(f.records, f.graph, f.memory, observability.NewNoopLogger())
	_, err = decay.Run(ctx, tenant.New("t1", "worker:decay", cfg))
	assert.NoError(t, err)
}

type failingCycle struct {
	mu    sync.Mutex
	calls map[string]bool
}

func newFailingCycle() *failingCycle {
	return &failingCycle{calls: map[string]bool{}}
}

func (c *failingCycle) Name() string   { return "failing" }
func (c *failingCycle) NeedsLLM() bool { return false }

func (c *failingCycle) Run(ctx context.Context, tc *tenant.Context) (CycleStats, error) {
	c.mu.Lock()
	c.calls[tc.TenantID] = true
	c.mu.Unlock()
	if tc.TenantID == "t1" {
		return CycleStats{}, fmt.Errorf("backend exploded")
	}
	return CycleStats{}, nil
}

func (c *failingCycle) called(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[tenantID]
}

func (c *failingCycle) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestSchedulerIsolatesTenantFailures(t *testing.T) {
	f := newFixture(t)
	f.registry.Get("t1")
	f.registry.Get("t2")
	f.registry.Get("t3")

	cycle := newFailingCycle()
	require.NoError(t, f.scheduler.RunCycle(context.Background(), cycle))
	assert.Equal(t, 3, cycle.count())

	require.NoError(t, f.auditor.Close())
	byOutcome := map[models.AuditOutcome]int{}
	for _, e := range f.sink.ByOperation("worker.failing") {
		byOutcome[e.Outcome]++
	}
	assert.Equal(t, 1, byOutcome[models.OutcomeError])
	assert.Equal(t, 2, byOutcome[models.OutcomeSuccess])
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t)
	f.registry.Get("t1")

	cycle := newFailingCycle()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.scheduler.Start(ctx, []Schedule{{Cycle: cycle, Interval: 5 * time.Millisecond}})

	assert.Eventually(t, func() bool { return cycle.called("t1") }, time.Second, 5*time.Millisecond)
	f.scheduler.Stop()
}
