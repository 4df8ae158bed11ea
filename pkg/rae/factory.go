package rae

import (
	"context"
	"time"

	"github.com/rae-project/rae/pkg/audit"
	"github.com/rae-project/rae/pkg/blob"
	"github.com/rae-project/rae/pkg/cache"
	"github.com/rae-project/rae/pkg/gateway"
	"github.com/rae-project/rae/pkg/guard"
	"github.com/rae-project/rae/pkg/memory"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/pipeline"
	"github.com/rae-project/rae/pkg/reflection"
	"github.com/rae-project/rae/pkg/retrieval"
	"github.com/rae-project/rae/pkg/storage"
	"github.com/rae-project/rae/pkg/storage/memstore"
	"github.com/rae-project/rae/pkg/tenant"
	"github.com/rae-project/rae/pkg/workers"
)

// Options selects the backends the service is assembled against. Every nil
// field falls back to the in-memory implementation, so the zero value yields
// a fully working single-process core.
type Options struct {
	Records storage.RecordStore
	Vectors storage.VectorIndex
	Graph   storage.GraphStore
	Cache   cache.Cache
	Blobs   storage.BlobStore

	Providers     []gateway.Provider
	GatewayConfig *gateway.Config
	AuditSink     audit.Sink
	AuditQueue    int

	Logger  observability.Logger
	Metrics observability.MetricsClient

	// SyncEmbeddings makes embedding generation block the store call. Tests
	// and single-shot tools want this; servers leave it off.
	SyncEmbeddings bool
}

// New assembles the core. The process-wide singletons (pools, gateway,
// scheduler, audit pipeline) are built here exactly once; Close tears them
// down in reverse order.
func New(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewStandardLogger("rae")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	sink := opts.AuditSink
	if sink == nil {
		sink = audit.NewLoggerSink(logger)
	}
	auditor := audit.NewPipeline(sink, opts.AuditQueue, logger, metrics)

	cost := guard.NewCostGuard(logger, func(tenantID, window string, fraction float64) {
		auditor.Emit(models.AuditEvent{
			TenantID:    tenantID,
			Actor:       "system:cost_guard",
			Operation:   "budget.alert",
			Outcome:     models.OutcomeSuccess,
			Criticality: models.CriticalityPolicy,
			Fields:      map[string]interface{}{"window": window, "threshold": fraction},
		})
	})
	policy := guard.NewPolicyGuard()

	store := opts.Cache
	if store == nil {
		store = cache.NewMemoryCache()
	}
	providers := opts.Providers
	if len(providers) == 0 {
		providers = []gateway.Provider{gateway.NewMockProvider(nil)}
	}
	gwConfig := gateway.DefaultConfig()
	if opts.GatewayConfig != nil {
		gwConfig = *opts.GatewayConfig
	}
	gw, err := gateway.New(gwConfig, providers, store, cost, policy, auditor, tenant.NewLimiter(), logger, metrics)
	if err != nil {
		_ = auditor.Close()
		return nil, err
	}

	records := opts.Records
	if records == nil {
		records = memstore.NewRecordStore()
	}
	vectors := opts.Vectors
	if vectors == nil {
		vectors = memstore.NewVectorIndex()
	}
	graph := opts.Graph
	if graph == nil {
		graph = memstore.NewGraphStore()
	}

	blobs := opts.Blobs
	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}

	mem := memory.NewService(records, vectors, graph, store, gw, policy, auditor, logger, metrics)
	mem.SyncEmbeddings = opts.SyncEmbeddings
	cons := pipeline.NewConsolidator(records, mem, gw, policy, auditor, logger, metrics)
	cons.Blobs = blobs
	refl := reflection.NewEngine(records, vectors, mem, gw, auditor, logger, metrics)
	engine := retrieval.NewEngine(records, vectors, graph, gw, logger, metrics)

	registry := tenant.NewRegistry()
	scheduler := workers.NewScheduler(registry, cost, auditor, logger, metrics)

	return &Service{
		registry:     registry,
		memory:       mem,
		consolidator: cons,
		engine:       engine,
		reflector:    refl,
		scheduler:    scheduler,
		records:      records,
		graph:        graph,
		gateway:      gw,
		cost:         cost,
		auditor:      auditor,
		logger:       logger,
		metrics:      metrics,
		counters:     make(map[string]*tenantCounters),
		cache:        store,
	}, nil
}

// NewInMemory is the test factory: every backend in-memory, the mock
// provider, synchronous embeddings, and a capturing audit sink.
func NewInMemory() (*Service, *audit.MemorySink, error) {
	sink := audit.NewMemorySink()
	svc, err := New(Options{
		AuditSink:      sink,
		Logger:         observability.NewNoopLogger(),
		SyncEmbeddings: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, sink, nil
}

// DefaultSchedules returns the standing worker cadence: decay and dreaming
// daily, summarization hourly, reconciliation every six hours.
func (s *Service) DefaultSchedules() []workers.Schedule {
	decay := workers.NewDecayCycle(s.records, s.graph, s.memory, s.logger)
	summarize := workers.NewSummarizationCycle(s.records, s.consolidator, s.logger)
	dream := workers.NewDreamingCycle(s.records, s.consolidator, s.reflector, s.logger)
	reconcile := workers.NewReconciliationCycle(s.memory)
	return []workers.Schedule{
		{Cycle: decay, Interval: 24 * time.Hour},
		{Cycle: summarize, Interval: time.Hour},
		{Cycle: dream, Interval: 24 * time.Hour},
		{Cycle: reconcile, Interval: 6 * time.Hour},
	}
}

// StartWorkers launches the background cycles. With no explicit schedules
// the default cadence is used.
func (s *Service) StartWorkers(ctx context.Context, schedules ...workers.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	if len(schedules) == 0 {
		schedules = s.DefaultSchedules()
	}
	s.scheduler.Start(ctx, schedules)
	s.started = true
}

// RunCycle drives one worker cycle across all tenants immediately, outside
// the standing schedule. Adapters use it for operator-triggered sweeps.
func (s *Service) RunCycle(ctx context.Context, cycle workers.Cycle) error {
	return s.scheduler.RunCycle(ctx, cycle)
}

// Close tears the singletons down in reverse construction order: stop the
// scheduler, flush and close the audit pipeline, then release the cache.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			s.scheduler.Stop()
		}
		s.closeErr = s.auditor.Close()
		if err := s.cache.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
