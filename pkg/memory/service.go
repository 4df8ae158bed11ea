// Package memory is the record-store service layer: validation, policy
// gating, deduplication, embedding fan-out, entity extraction into the
// semantic graph, cascading deletion, and the audit trail for every record
// mutation.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rae-project/rae/pkg/audit"
	"github.com/rae-project/rae/pkg/cache"
	"github.com/rae-project/rae/pkg/gateway"
	"github.com/rae-project/rae/pkg/guard"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/storage"
	"github.com/rae-project/rae/pkg/tenant"
)

// clockSkewTolerance bounds how far behind a tenant's timestamp highwater a
// write may fall before it is rejected.
const clockSkewTolerance = 5 * time.Second

// Service wires the record store, vector index, graph store, cache, policy
// guard, gateway, and audit pipeline into the record lifecycle.
type Service struct {
	records storage.RecordStore
	vectors storage.VectorIndex
	graph   storage.GraphStore
	cache   cache.Cache
	gateway *gateway.Gateway
	policy  *guard.PolicyGuard
	auditor *audit.Pipeline
	logger  observability.Logger
	metrics observability.MetricsClient

	// SyncEmbeddings makes embedding generation synchronous. Tests and the
	// in-process factory enable it; production leaves it off so a slow
	// embedding provider cannot stall the write path.
	SyncEmbeddings bool

	mu        sync.Mutex
	highwater map[string]time.Time
	now       func() time.Time
}

// NewService creates the record service.
func NewService(
	records storage.RecordStore,
	vectors storage.VectorIndex,
	graph storage.GraphStore,
	c cache.Cache,
	gw *gateway.Gateway,
	policy *guard.PolicyGuard,
	auditor *audit.Pipeline,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Service {
	return &Service{
		records:   records,
		vectors:   vectors,
		graph:     graph,
		cache:     c,
		gateway:   gw,
		policy:    policy,
		auditor:   auditor,
		logger:    logger.WithPrefix("memory_service"),
		metrics:   metrics,
		highwater: make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) emit(tc *tenant.Context, op string, ids []string, class models.InfoClass, outcome models.AuditOutcome, started time.Time, crit models.AuditCriticality, fields map[string]interface{}) {
	s.auditor.Emit(models.AuditEvent{
		TenantID:    tc.TenantID,
		Actor:       tc.Actor,
		RequestID:   tc.RequestID,
		Operation:   op,
		RecordIDs:   ids,
		InfoClass:   class,
		Outcome:     outcome,
		LatencyMS:   time.Since(started).Milliseconds(),
		Criticality: crit,
		Fields:      fields,
	})
}

// monotonicNow returns a UTC timestamp that never regresses past the
// tenant's highwater beyond the skew tolerance.
func (s *Service) monotonicNow(tenantID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	hw := s.highwater[tenantID]
	if now.Before(hw.Add(-clockSkewTolerance)) {
		return time.Time{}, errors.Wrap(models.ErrInvalidRecord, "timestamp behind tenant highwater")
	}
	if now.After(hw) {
		s.highwater[tenantID] = now
	}
	return now, nil
}

// Store validates and persists a draft, applies the policy guard, generates
// embeddings for the tenant's active models, and emits an audit event. It
// returns the record id, which may be an existing id when the draft is a
// duplicate inside the dedup window.
func (s *Service) Store(ctx context.Context, draft models.RecordDraft) (string, error) {
	started := time.Now()
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return "", err
	}
	if draft.Content == "" {
		return "", errors.Wrap(models.ErrInvalidRecord, "empty content")
	}
	layer := draft.Layer
	if layer == "" {
		layer = models.LayerSensory
	}
	if !layer.Valid() {
		return "", models.ErrBadLayer
	}
	importance := 0.5
	if draft.Importance != nil {
		importance = *draft.Importance
	}
	if importance < 0 || importance > 1 {
		return "", errors.Wrap(models.ErrInvalidRecord, "importance out of range")
	}

	decision := s.policy.Classify(draft.Content, draft.InfoClass, tc.Config)
	if err := s.policy.EnforceLayer(decision.Class, layer); err != nil {
		s.emit(tc, "memory.store", nil, decision.Class, models.OutcomeDenied, started,
			models.CriticalityPolicy, map[string]interface{}{
				"policy_event": "restricted_detected",
				"rules":        decision.MatchedRules,
			})
		return "", err
	}

	hash := models.HashContent(decision.Scrubbed)

	// Deduplication window: identical content + source within the window
	// resolves to the original id.
	dedupKey := cache.TenantKey(tc.TenantID, "dedup", models.HashContent(draft.Source+"\x00"+hash))
	if s.cache != nil && tc.Config.Policy.DedupWindow > 0 {
		var existing string
		if err := s.cache.Get(ctx, dedupKey, &existing); err == nil && existing != "" {
			if _, err := s.records.Get(ctx, tc.TenantID, existing); err == nil {
				if !tc.Config.Policy.DedupLink {
					s.emit(tc, "memory.store", []string{existing}, decision.Class, models.OutcomeSuccess,
						started, models.CriticalityOperation, map[string]interface{}{"deduplicated": true})
					return existing, nil
				}
				draft.ParentIDs = append(draft.ParentIDs, existing)
			}
		}
	}

	now, err := s.monotonicNow(tc.TenantID)
	if err != nil {
		return "", err
	}
	record := &models.MemoryRecord{
		ID:             uuid.New().String(),
		TenantID:       tc.TenantID,
		Layer:          layer,
		Content:        decision.Scrubbed,
		ContentHash:    hash,
		Tags:           append(append([]string(nil), draft.Tags...), decision.Tags...),
		Source:         draft.Source,
		Importance:     importance,
		InfoClass:      decision.Class,
		ParentIDs:      draft.ParentIDs,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := s.records.Put(ctx, record); err != nil {
		s.emit(tc, "memory.store", nil, decision.Class, models.OutcomeError, started,
			models.CriticalityOperation, map[string]interface{}{"error": err.Error()})
		return "", fmt.Errorf("failed to persist record: %w", err)
	}

	if s.cache != nil && tc.Config.Policy.DedupWindow > 0 {
		_ = s.cache.Set(ctx, dedupKey, record.ID, tc.Config.Policy.DedupWindow)
	}

	// Embedding generation is best-effort: a record without embeddings is
	// still valid and reachable through lexical and graph retrieval until
	// reconciliation catches up.
	if s.SyncEmbeddings {
		s.generateEmbeddings(ctx, tc, record)
	} else {
		go s.generateEmbeddings(context.WithoutCancel(ctx), tc, record)
	}
	s.indexEntities(ctx, tc, record)

	s.metrics.IncrementCounter("rae_memory_store_total", map[string]string{"layer": string(layer)})
	s.emit(tc, "memory.store", []string{record.ID}, decision.Class, models.OutcomeSuccess, started,
		models.CriticalityOperation, map[string]interface{}{"scrubbed": decision.Action == guard.ActionScrub})
	return record.ID, nil
}

func (s *Service) generateEmbeddings(ctx context.Context, tc *tenant.Context, record *models.MemoryRecord) {
	for _, model := range tc.Config.ActiveModels("") {
		vec, _, err := s.gateway.Embed(ctx, tc, model.Name, record.Content)
		if err != nil {
			s.logger.Warn("embedding generation failed", map[string]interface{}{
				"tenant_id": tc.TenantID,
				"memory_id": record.ID,
				"model":     model.Name,
				"error":     err.Error(),
			})
			continue
		}
		if model.Dim != 0 && len(vec) != model.Dim {
			s.logger.Error("embedding dimension mismatch", map[string]interface{}{
				"model": model.Name, "want": model.Dim, "got": len(vec),
			})
			continue
		}
		err = s.vectors.Upsert(ctx, &models.Embedding{
			MemoryID:    record.ID,
			TenantID:    tc.TenantID,
			ModelName:   model.Name,
			Dimensions:  len(vec),
			Vector:      vec,
			ContentHash: record.ContentHash,
			CreatedAt:   s.now(),
		})
		if err != nil {
			s.logger.Warn("embedding upsert failed", map[string]interface{}{
				"memory_id": record.ID, "model": model.Name, "error": err.Error(),
			})
		}
	}
}

// indexEntities upserts a semantic node for each surface-form entity in the
// record and co-mention edges between them, with the record as provenance.
// Failures are logged, never fatal; the record is already durable. Restricted
// records stay out of the graph entirely, since graph artifacts have no layer
// and would outlive the working-layer confinement.
func (s *Service) indexEntities(ctx context.Context, tc *tenant.Context, record *models.MemoryRecord) {
	if record.InfoClass == models.InfoClassRestricted {
		return
	}
	entities := ExtractEntities(record.Content)
	nodeIDs := make([]string, 0, len(entities))
	for _, label := range entities {
		node := &models.SemanticNode{
			ID:        entityNodeID(label),
			TenantID:  tc.TenantID,
			Label:     label,
			Type:      "entity",
			RecordIDs: []string{record.ID},
		}
		if err := s.graph.UpsertNode(ctx, node); err != nil {
			s.logger.Warn("entity node upsert failed", map[string]interface{}{
				"memory_id": record.ID, "label": label, "error": err.Error(),
			})
			continue
		}
		nodeIDs = append(nodeIDs, node.ID)
	}
	for i := 1; i < len(nodeIDs); i++ {
		edge := &models.GraphEdge{
			TenantID:   tc.TenantID,
			SourceID:   nodeIDs[i-1],
			Predicate:  "co_mentioned",
			TargetID:   nodeIDs[i],
			Confidence: coMentionConfidence,
			Provenance: []string{record.ID},
		}
		if err := s.graph.UpsertEdge(ctx, edge); err != nil {
			s.logger.Warn("co-mention edge upsert failed", map[string]interface{}{
				"memory_id": record.ID, "source": edge.SourceID, "target": edge.TargetID, "error": err.Error(),
			})
		}
	}
}

// StoreDerived persists an engine-produced record: a consolidation summary
// or an accepted reflection. The caller fills content, layer, lineage, and
// classification; id, hash, and timestamps are assigned here. The audit
// entry carries the producing operation plus the given fields.
func (s *Service) StoreDerived(ctx context.Context, record *models.MemoryRecord, op string, fields map[string]interface{}) (string, error) {
	started := time.Now()
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return "", err
	}
	if record.Content == "" || !record.Layer.Valid() {
		return "", models.ErrInvalidRecord
	}
	if err := tc.CheckOwnership(record.TenantID); err != nil {
		return "", err
	}
	if err := s.policy.EnforceLayer(record.InfoClass, record.Layer); err != nil {
		s.emit(tc, op, record.ParentIDs, record.InfoClass, models.OutcomeDenied, started,
			models.CriticalityPolicy, map[string]interface{}{"policy_event": "restricted_detected"})
		return "", err
	}
	now, err := s.monotonicNow(tc.TenantID)
	if err != nil {
		return "", err
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.ContentHash = models.HashContent(record.Content)
	record.CreatedAt = now
	record.LastAccessedAt = now
	if err := s.records.Put(ctx, record); err != nil {
		return "", fmt.Errorf("failed to persist derived record: %w", err)
	}
	if s.SyncEmbeddings {
		s.generateEmbeddings(ctx, tc, record)
	} else {
		go s.generateEmbeddings(context.WithoutCancel(ctx), tc, record)
	}
	s.indexEntities(ctx, tc, record)
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["content_hash"] = record.ContentHash
	fields["parents"] = record.ParentIDs
	s.emit(tc, op, []string{record.ID}, record.InfoClass, models.OutcomeSuccess, started,
		models.CriticalityOperation, fields)
	return record.ID, nil
}

// Fetch returns one record by id within the tenant scope, updating its
// usage counter and last-accessed timestamp.
func (s *Service) Fetch(ctx context.Context, id string) (*models.MemoryRecord, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	record, err := s.records.Get(ctx, tc.TenantID, id)
	if err != nil {
		return nil, err
	}
	if err := tc.CheckOwnership(record.TenantID); err != nil {
		// A row with the wrong tenant is poisoned data, not a user error.
		s.logger.Error("tenant mismatch in returned record", map[string]interface{}{
			"want": tc.TenantID, "got": record.TenantID, "memory_id": id,
		})
		return nil, err
	}
	record.UsageCounter++
	record.LastAccessedAt = s.now()
	if err := s.records.Put(ctx, record); err != nil {
		s.logger.Warn("usage write-back failed", map[string]interface{}{"memory_id": id, "error": err.Error()})
	}
	return record, nil
}

// Peek returns a record without touching usage accounting. Workers use it
// so maintenance reads do not inflate usage counters.
func (s *Service) Peek(ctx context.Context, id string) (*models.MemoryRecord, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	record, err := s.records.Get(ctx, tc.TenantID, id)
	if err != nil {
		return nil, err
	}
	if err := tc.CheckOwnership(record.TenantID); err != nil {
		return nil, err
	}
	return record, nil
}

// Update applies the restricted mutable field set. Content is immutable;
// info class may only be downgraded.
func (s *Service) Update(ctx context.Context, id string, update models.RecordUpdate) error {
	started := time.Now()
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	record, err := s.records.Get(ctx, tc.TenantID, id)
	if err != nil {
		return err
	}
	if update.Tags != nil {
		record.Tags = append([]string(nil), update.Tags...)
	}
	if update.Importance != nil {
		if *update.Importance < 0 || *update.Importance > 1 {
			return errors.Wrap(models.ErrInvalidRecord, "importance out of range")
		}
		record.Importance = *update.Importance
	}
	if update.IncrementUsage {
		record.UsageCounter++
	}
	if update.Touch {
		record.LastAccessedAt = s.now()
	}
	if update.InfoClass != nil {
		if !update.InfoClass.Valid() {
			return models.ErrInvalidRecord
		}
		if update.InfoClass.Rank() > record.InfoClass.Rank() {
			return errors.Wrap(models.ErrInfoClassViolation, "info class may only be downgraded")
		}
		record.InfoClass = *update.InfoClass
	}
	if err := s.records.Put(ctx, record); err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	s.emit(tc, "memory.update", []string{id}, record.InfoClass, models.OutcomeSuccess, started,
		models.CriticalityOperation, nil)
	return nil
}

// Delete removes a record and cascades: embeddings, graph artifacts whose
// sole provenance was this record, and cached derivatives. The deletion
// audit entry is mandatory for the right-to-be-forgotten flow.
func (s *Service) Delete(ctx context.Context, id string) error {
	started := time.Now()
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	record, err := s.records.Get(ctx, tc.TenantID, id)
	if err != nil {
		return err
	}
	if err := s.records.Delete(ctx, tc.TenantID, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if err := s.vectors.Delete(ctx, tc.TenantID, id); err != nil {
		s.logger.Warn("embedding cascade failed", map[string]interface{}{"memory_id": id, "error": err.Error()})
	}
	if err := s.graph.RemoveRecordProvenance(ctx, tc.TenantID, id); err != nil {
		s.logger.Warn("graph cascade failed", map[string]interface{}{"memory_id": id, "error": err.Error()})
	}
	if s.cache != nil {
		_ = s.cache.InvalidatePrefix(ctx, cache.TenantPrefix(tc.TenantID, "embed:"))
	}
	s.emit(tc, "memory.delete", []string{id}, record.InfoClass, models.OutcomeSuccess, started,
		models.CriticalityPolicy, map[string]interface{}{"cascade": true})
	return nil
}

// List queries the tenant's records.
func (s *Service) List(ctx context.Context, filter storage.RecordFilter) (*storage.RecordPage, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	page, err := s.records.Query(ctx, tc.TenantID, filter)
	if err != nil {
		return nil, err
	}
	for _, r := range page.Records {
		if err := tc.CheckOwnership(r.TenantID); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// ReconcileEmbeddings recomputes missing or stale embeddings for the
// tenant's records. The reconciliation worker cycle calls it.
func (s *Service) ReconcileEmbeddings(ctx context.Context, tc *tenant.Context) (int, error) {
	page, err := s.records.Query(ctx, tc.TenantID, storage.RecordFilter{})
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, record := range page.Records {
		if ctx.Err() != nil {
			return fixed, ctx.Err()
		}
		existing, err := s.vectors.Embeddings(ctx, tc.TenantID, record.ID)
		if err != nil {
			continue
		}
		byModel := make(map[string]models.Embedding, len(existing))
		for _, e := range existing {
			byModel[e.ModelName] = e
		}
		for _, model := range tc.Config.ActiveModels("") {
			e, ok := byModel[model.Name]
			if ok && !e.Stale && e.ContentHash == record.ContentHash && e.Dimensions == model.Dim {
				continue
			}
			vec, _, err := s.gateway.Embed(ctx, tc, model.Name, record.Content)
			if err != nil {
				continue
			}
			if err := s.vectors.Upsert(ctx, &models.Embedding{
				MemoryID:    record.ID,
				TenantID:    tc.TenantID,
				ModelName:   model.Name,
				Dimensions:  len(vec),
				Vector:      vec,
				ContentHash: record.ContentHash,
				CreatedAt:   s.now(),
			}); err == nil {
				fixed++
			}
		}
	}
	return fixed, nil
}
