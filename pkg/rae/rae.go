// Package rae is the embeddable front door to the memory core. It exposes
// the operations an HTTP or RPC adapter would mount, with tenant identity
// established once per call and every downstream package receiving the
// derived tenant context. The adapter authenticates; this package only
// enforces.
package rae

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rae-project/rae/pkg/audit"
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
	"github.com/rae-project/rae/pkg/tenant"
	"github.com/rae-project/rae/pkg/workers"
)

const defaultGraphDepth = 2

// Service is the assembled memory core. Construct it with New or
// NewInMemory; the zero value is not usable.
type Service struct {
	registry     *tenant.Registry
	memory       *memory.Service
	consolidator *pipeline.Consolidator
	engine       *retrieval.Engine
	reflector    *reflection.Engine
	scheduler    *workers.Scheduler
	records      storage.RecordStore
	graph        storage.GraphStore
	gateway      *gateway.Gateway
	cost         *guard.CostGuard
	cache        cache.Cache
	auditor      *audit.Pipeline
	logger       observability.Logger
	metrics      observability.MetricsClient

	mu       sync.Mutex
	counters map[string]*tenantCounters
	started  bool

	closeOnce sync.Once
	closeErr  error
}

type tenantCounters struct {
	queries  int64
	degraded int64
}

// Tenant derives a request context for an identified tenant. The adapter is
// expected to call this exactly once per inbound request, after it has
// authenticated the caller.
func (s *Service) Tenant(ctx context.Context, tenantID, actor string) context.Context {
	return tenant.WithContext(ctx, tenant.New(tenantID, actor, s.registry.Get(tenantID)))
}

// StoreMemory persists a new memory. Sensory arrivals are offered to the
// consolidation pipeline immediately so high-importance input reaches the
// working layer without waiting for the hourly sweep.
func (s *Service) StoreMemory(ctx context.Context, draft models.RecordDraft) (string, error) {
	id, err := s.memory.Store(ctx, draft)
	if err != nil {
		return "", err
	}
	if draft.Layer == "" || draft.Layer == models.LayerSensory {
		if rec, err := s.memory.Peek(ctx, id); err == nil && rec.Layer == models.LayerSensory {
			if _, err := s.consolidator.AdmitSensory(ctx, rec); err != nil {
				s.logger.Warn("sensory admission failed", map[string]interface{}{
					"memory_id": id,
					"error":     err.Error(),
				})
			}
		}
	}
	return id, nil
}

// QueryRequest is one retrieval call. A nil TopK means the engine default;
// an explicit zero returns an empty envelope without touching any backend.
type QueryRequest struct {
	Text          string
	TopK          *int
	Layers        []models.Layer
	Tags          []string
	MinImportance *float64
	Rerank        bool
}

// QueryMemory runs hybrid retrieval and audits the query, including
// zero-result queries, so isolation reviews can pair reads with writes.
func (s *Service) QueryMemory(ctx context.Context, req QueryRequest) (*retrieval.Response, error) {
	started := time.Now()
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if req.TopK != nil && *req.TopK == 0 {
		resp := &retrieval.Response{Results: []retrieval.Result{}, Flags: map[string]string{}}
		s.emitQuery(tc, resp, started)
		return resp, nil
	}

	q := retrieval.Query{
		Text:          req.Text,
		Layers:        req.Layers,
		Tags:          req.Tags,
		MinImportance: req.MinImportance,
		Rerank:        req.Rerank,
	}
	if req.TopK != nil {
		q.TopK = *req.TopK
	}
	resp, err := s.engine.Search(ctx, q)
	if err != nil {
		s.auditor.Emit(models.AuditEvent{
			TenantID:    tc.TenantID,
			Actor:       tc.Actor,
			RequestID:   tc.RequestID,
			Operation:   "memory.query",
			Outcome:     models.OutcomeError,
			LatencyMS:   time.Since(started).Milliseconds(),
			Criticality: models.CriticalityOperation,
			Fields:      map[string]interface{}{"error": err.Error()},
		})
		return nil, err
	}
	s.bumpCounters(tc.TenantID, resp)
	s.emitQuery(tc, resp, started)
	return resp, nil
}

func (s *Service) bumpCounters(tenantID string, resp *retrieval.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[tenantID]
	if !ok {
		c = &tenantCounters{}
		s.counters[tenantID] = c
	}
	c.queries++
	if resp.Flags["degraded"] != "" {
		c.degraded++
	}
}

func (s *Service) emitQuery(tc *tenant.Context, resp *retrieval.Response, started time.Time) {
	outcome := models.OutcomeSuccess
	if resp.Flags["partial"] != "" || resp.Flags["degraded"] != "" {
		outcome = models.OutcomePartial
	}
	fields := map[string]interface{}{"result_count": len(resp.Results)}
	for k, v := range resp.Flags {
		fields[k] = v
	}
	s.auditor.Emit(models.AuditEvent{
		TenantID:    tc.TenantID,
		Actor:       tc.Actor,
		RequestID:   tc.RequestID,
		Operation:   "memory.query",
		Outcome:     outcome,
		LatencyMS:   time.Since(started).Milliseconds(),
		Criticality: models.CriticalityOperation,
		Fields:      fields,
	})
}

// GraphRequest addresses the semantic graph by entity labels or free text.
type GraphRequest struct {
	Entities   []string
	Text       string
	MaxDepth   int
	Predicates []string
}

// QueryGraph resolves the request's entities to nodes and returns their
// merged bounded neighborhood. Depth beyond the hard ceiling is rejected
// rather than clamped.
func (s *Service) QueryGraph(ctx context.Context, req GraphRequest) (*models.Subgraph, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	depth := req.MaxDepth
	if depth <= 0 {
		depth = defaultGraphDepth
	}
	if depth > models.MaxGraphDepth {
		return nil, models.ErrInvalidRecord
	}

	labels := append([]string(nil), req.Entities...)
	if req.Text != "" {
		labels = append(labels, graphTokens(req.Text)...)
	}

	merged := &models.Subgraph{Hops: map[string]int{}}
	seenNodes := map[string]bool{}
	seenEdges := map[string]bool{}
	for _, label := range labels {
		node, err := s.graph.NodeByLabel(ctx, tc.TenantID, label)
		if err != nil {
			continue
		}
		sub, err := s.graph.Neighborhood(ctx, tc.TenantID, node.ID, depth, req.Predicates)
		if err != nil {
			continue
		}
		for _, n := range sub.Nodes {
			if !seenNodes[n.ID] {
				seenNodes[n.ID] = true
				merged.Nodes = append(merged.Nodes, n)
			}
			if hops, ok := sub.Hops[n.ID]; ok {
				if prev, seen := merged.Hops[n.ID]; !seen || hops < prev {
					merged.Hops[n.ID] = hops
				}
			}
		}
		for _, e := range sub.Edges {
			key := e.SourceID + "\x00" + e.Predicate + "\x00" + e.TargetID
			if !seenEdges[key] {
				seenEdges[key] = true
				merged.Edges = append(merged.Edges, e)
			}
		}
	}
	sort.Slice(merged.Nodes, func(i, j int) bool { return merged.Nodes[i].ID < merged.Nodes[j].ID })
	return merged, nil
}

// UpdateMemory applies the restricted mutable field set to a record.
func (s *Service) UpdateMemory(ctx context.Context, id string, update models.RecordUpdate) error {
	return s.memory.Update(ctx, id, update)
}

// DeleteMemory removes a record with full cascades: embeddings, graph
// provenance, and caches.
func (s *Service) DeleteMemory(ctx context.Context, id string) error {
	return s.memory.Delete(ctx, id)
}

// ReflectionRequest selects the evidence bundle by explicit ids or by tag.
type ReflectionRequest struct {
	EvidenceIDs []string
	Tags        []string
	Mode        models.ReflectionType
}

// GenerateReflection runs the reflection loop over the selected evidence and
// returns the stored reflection's id.
func (s *Service) GenerateReflection(ctx context.Context, req ReflectionRequest) (string, error) {
	var evidence []*models.MemoryRecord
	switch {
	case len(req.EvidenceIDs) > 0:
		for _, id := range req.EvidenceIDs {
			rec, err := s.memory.Peek(ctx, id)
			if err != nil {
				return "", err
			}
			evidence = append(evidence, rec)
		}
	case len(req.Tags) > 0:
		page, err := s.memory.List(ctx, storage.RecordFilter{Tags: req.Tags})
		if err != nil {
			return "", err
		}
		evidence = page.Records
	default:
		return "", models.ErrInvalidRecord
	}
	return s.reflector.Generate(ctx, evidence, req.Mode)
}

// Stats is the per-tenant usage snapshot.
type Stats struct {
	TenantID        string               `json:"tenant_id"`
	RecordsByLayer  map[models.Layer]int `json:"records_by_layer"`
	TotalRecords    int                  `json:"total_records"`
	ApproxTokens    int64                `json:"approx_tokens"`
	Queries         int64                `json:"queries"`
	DegradedQueries int64                `json:"degraded_queries"`
}

// GetStats reports per-layer record counts, an approximate token total, and
// the query health counters for the calling tenant.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	page, err := s.records.Query(ctx, tc.TenantID, storage.RecordFilter{})
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		TenantID:       tc.TenantID,
		RecordsByLayer: map[models.Layer]int{},
	}
	for _, r := range page.Records {
		stats.RecordsByLayer[r.Layer]++
		stats.TotalRecords++
		stats.ApproxTokens += int64(len(r.Content)/4) + 1
	}
	s.mu.Lock()
	if c, ok := s.counters[tc.TenantID]; ok {
		stats.Queries = c.queries
		stats.DegradedQueries = c.degraded
	}
	s.mu.Unlock()
	return stats, nil
}

// CostUsage reports spend against both budget windows in whole cents.
type CostUsage struct {
	DailyUsedCents    int64 `json:"daily_used_cents"`
	DailyLimitCents   int64 `json:"daily_limit_cents"`
	MonthlyUsedCents  int64 `json:"monthly_used_cents"`
	MonthlyLimitCents int64 `json:"monthly_limit_cents"`
}

// GetCostUsage returns the calling tenant's current spend and limits.
func (s *Service) GetCostUsage(ctx context.Context) (*CostUsage, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	daily, monthly := s.cost.Usage(tc.TenantID)
	return &CostUsage{
		DailyUsedCents:    daily,
		DailyLimitCents:   tc.Config.Budget.DailyLimitCents,
		MonthlyUsedCents:  monthly,
		MonthlyLimitCents: tc.Config.Budget.MonthlyLimitCents,
	}, nil
}

// SetBudget replaces the calling tenant's budget caps. The change applies to
// in-flight contexts as well; admission reads the shared config.
func (s *Service) SetBudget(ctx context.Context, budget models.BudgetConfig) error {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	s.registry.SetBudget(tc.TenantID, budget)
	s.auditor.Emit(models.AuditEvent{
		TenantID:    tc.TenantID,
		Actor:       tc.Actor,
		RequestID:   tc.RequestID,
		Operation:   "budget.set",
		Outcome:     models.OutcomeSuccess,
		Criticality: models.CriticalityPolicy,
		Fields: map[string]interface{}{
			"daily_limit_cents":   budget.DailyLimitCents,
			"monthly_limit_cents": budget.MonthlyLimitCents,
		},
	})
	return nil
}

// Registry exposes the tenant configuration registry for adapters that
// manage tenant settings beyond the budget surface.
func (s *Service) Registry() *tenant.Registry { return s.registry }

func graphTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-'
	})
}
