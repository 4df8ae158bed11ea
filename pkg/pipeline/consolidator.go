// Package pipeline moves records through the four memory layers. Admission
// into working happens on arrival; promotion into longterm and reflective is
// driven by the background workers, which use the eligibility and clustering
// helpers here and write through the two-phase promotion paths.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rae-project/rae/pkg/audit"
	"github.com/rae-project/rae/pkg/gateway"
	"github.com/rae-project/rae/pkg/guard"
	"github.com/rae-project/rae/pkg/memory"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/storage"
	"github.com/rae-project/rae/pkg/tenant"
)

// summarizeProfile is the LLM profile used for working->longterm rewriting.
const summarizeProfile = "balanced"

// Consolidator implements the layer transitions.
type Consolidator struct {
	// Blobs, when set, archives the source notes behind each longterm
	// summary so the lineage survives pruning of the parents.
	Blobs storage.BlobStore

	records storage.RecordStore
	memory  *memory.Service
	gateway *gateway.Gateway
	policy  *guard.PolicyGuard
	auditor *audit.Pipeline
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// NewConsolidator creates a Consolidator.
func NewConsolidator(
	records storage.RecordStore,
	mem *memory.Service,
	gw *gateway.Gateway,
	policy *guard.PolicyGuard,
	auditor *audit.Pipeline,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Consolidator {
	return &Consolidator{
		records: records,
		memory:  mem,
		gateway: gw,
		policy:  policy,
		auditor: auditor,
		logger:  logger.WithPrefix("pipeline"),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AdmitSensory applies the sensory->working admission policy to a freshly
// stored record: importance above the sensory threshold, or a mandatory tag.
// Admission promotes the record in place; content is unchanged, so no new
// record is minted. Rejected records stay sensory until retention prunes
// them.
func (c *Consolidator) AdmitSensory(ctx context.Context, record *models.MemoryRecord) (bool, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return false, err
	}
	if record.Layer != models.LayerSensory {
		return false, models.ErrBadLayer
	}
	admitted := record.Importance >= tc.Config.Layers.SensoryAdmission
	if !admitted {
		for _, mandatory := range tc.Config.Layers.MandatoryTags {
			for _, tag := range record.Tags {
				if tag == mandatory {
					admitted = true
				}
			}
		}
	}
	if !admitted {
		return false, nil
	}
	record.Layer = models.LayerWorking
	if err := c.records.Put(ctx, record); err != nil {
		return false, fmt.Errorf("failed to promote sensory record: %w", err)
	}
	c.emitTransition(tc, models.LayerSensory, models.LayerWorking, []string{record.ID}, record.ContentHash, "arrival")
	return true, nil
}

// WorkingEligible reports whether a working record meets the longterm
// admission policy: importance, minimum usage, minimum age, and never
// restricted.
func (c *Consolidator) WorkingEligible(cfg *models.TenantConfig, record *models.MemoryRecord, now time.Time) bool {
	if record.Layer != models.LayerWorking {
		return false
	}
	if record.InfoClass == models.InfoClassRestricted {
		return false
	}
	if record.Importance < cfg.Layers.WorkingAdmission {
		return false
	}
	if record.UsageCounter < cfg.Layers.WorkingMinUsage {
		return false
	}
	return now.Sub(record.CreatedAt) >= cfg.Layers.WorkingMinAge
}

// PromoteWorkingBatch rewrites a batch of eligible working records into one
// longterm summary through the tenant's summarization profile, linked to the
// originals via parent pointers. Budget denial propagates so the worker can
// defer the cycle.
func (c *Consolidator) PromoteWorkingBatch(ctx context.Context, batch []*models.MemoryRecord) (string, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return "", err
	}
	if len(batch) == 0 {
		return "", models.ErrInvalidRecord
	}
	for _, r := range batch {
		if r.InfoClass == models.InfoClassRestricted {
			// Restricted content never leaves working. The worker filters
			// these; a slip here is a policy event, not a silent skip.
			c.auditor.Emit(models.AuditEvent{
				TenantID:    tc.TenantID,
				Actor:       tc.Actor,
				RequestID:   tc.RequestID,
				Operation:   "pipeline.promote",
				RecordIDs:   []string{r.ID},
				InfoClass:   r.InfoClass,
				Outcome:     models.OutcomeDenied,
				Criticality: models.CriticalityPolicy,
				Fields:      map[string]interface{}{"policy_event": "restricted_promotion_blocked"},
			})
			return "", models.ErrRestrictedContent
		}
	}

	summary, _, err := c.gateway.Complete(ctx, tc, summarizeProfile, summarizePrompt(batch))
	if err != nil {
		return "", err
	}

	parentIDs := make([]string, len(batch))
	maxImportance := 0.0
	class := models.InfoClassPublic
	tagSet := map[string]bool{}
	for i, r := range batch {
		parentIDs[i] = r.ID
		if r.Importance > maxImportance {
			maxImportance = r.Importance
		}
		if r.InfoClass.Rank() > class.Rank() {
			class = r.InfoClass
		}
		for _, tag := range r.Tags {
			tagSet[tag] = true
		}
	}
	tags := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	id, err := c.memory.StoreDerived(ctx, &models.MemoryRecord{
		TenantID:   tc.TenantID,
		Layer:      models.LayerLongterm,
		Content:    summary,
		Tags:       tags,
		Source:     "worker:summarization",
		Importance: maxImportance,
		InfoClass:  class,
		ParentIDs:  parentIDs,
	}, "pipeline.promote", map[string]interface{}{
		"from":   models.LayerWorking,
		"to":     models.LayerLongterm,
		"worker": "summarization",
	})
	if err != nil {
		return "", err
	}
	if c.Blobs != nil {
		var b strings.Builder
		for _, r := range batch {
			fmt.Fprintf(&b, "%s\t%s\n", r.ID, r.Content)
		}
		if err := c.Blobs.Put(ctx, tc.TenantID, "summaries/"+id, []byte(b.String())); err != nil {
			c.logger.Warn("failed to archive summary sources", map[string]interface{}{
				"summary_id": id,
				"error":      err.Error(),
			})
		}
	}
	c.metrics.IncrementCounter("rae_pipeline_promotions_total", map[string]string{"to": string(models.LayerLongterm)})
	return id, nil
}

// ClusterLongterm groups longterm records by shared tags or shared extracted
// entities. Groups below the tenant's cluster size floor are discarded; a
// record lands in the cluster of its first qualifying key only, so one
// dreaming cycle never reflects the same record twice.
func (c *Consolidator) ClusterLongterm(cfg *models.TenantConfig, records []*models.MemoryRecord) [][]*models.MemoryRecord {
	minSize := cfg.Layers.ClusterMinSize
	if minSize <= 0 {
		minSize = 3
	}
	byKey := map[string][]*models.MemoryRecord{}
	for _, r := range records {
		if r.Layer != models.LayerLongterm {
			continue
		}
		seen := map[string]bool{}
		keys := append([]string(nil), r.Tags...)
		for _, label := range memory.ExtractEntities(r.Content) {
			keys = append(keys, "entity:"+label)
		}
		for _, key := range keys {
			if seen[key] {
				continue
			}
			seen[key] = true
			byKey[key] = append(byKey[key], r)
		}
	}
	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	claimed := map[string]bool{}
	var clusters [][]*models.MemoryRecord
	for _, key := range keys {
		var cluster []*models.MemoryRecord
		for _, r := range byKey[key] {
			if !claimed[r.ID] {
				cluster = append(cluster, r)
			}
		}
		if len(cluster) < minSize {
			continue
		}
		for _, r := range cluster {
			claimed[r.ID] = true
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// ClusterEligible reports whether a cluster meets the reflective admission
// policy: mean importance and mean usage above the tenant thresholds.
func (c *Consolidator) ClusterEligible(cfg *models.TenantConfig, cluster []*models.MemoryRecord) bool {
	if len(cluster) == 0 {
		return false
	}
	var impSum, useSum float64
	for _, r := range cluster {
		impSum += r.Importance
		useSum += float64(r.UsageCounter)
	}
	n := float64(len(cluster))
	return impSum/n >= cfg.Layers.LongtermAdmission && useSum/n >= cfg.Layers.ClusterMinUsage
}

func (c *Consolidator) emitTransition(tc *tenant.Context, from, to models.Layer, parents []string, hash, worker string) {
	c.auditor.Emit(models.AuditEvent{
		TenantID:    tc.TenantID,
		Actor:       tc.Actor,
		RequestID:   tc.RequestID,
		Operation:   "pipeline.promote",
		RecordIDs:   parents,
		Outcome:     models.OutcomeSuccess,
		Criticality: models.CriticalityOperation,
		Fields: map[string]interface{}{
			"from":         from,
			"to":           to,
			"content_hash": hash,
			"worker":       worker,
		},
	})
}

func summarizePrompt(batch []*models.MemoryRecord) string {
	var b strings.Builder
	b.WriteString("Condense the following working notes into one abstract lesson. ")
	b.WriteString("Strip incidental details; keep only what generalizes.\n")
	for i, r := range batch {
		fmt.Fprintf(&b, "Note %d: %s\n", i+1, r.Content)
	}
	return b.String()
}
