package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rae-project/rae/pkg/audit"
	"github.com/rae-project/rae/pkg/cache"
	"github.com/rae-project/rae/pkg/gateway"
	"github.com/rae-project/rae/pkg/guard"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/storage"
	"github.com/rae-project/rae/pkg/storage/memstore"
	"github.com/rae-project/rae/pkg/tenant"
)

type fixture struct {
	service *Service
	vectors *memstore.VectorIndex
	graph   *memstore.GraphStore
	sink    *audit.MemorySink
	auditor *audit.Pipeline
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

	vectors := memstore.NewVectorIndex()
	graph := memstore.NewGraphStore()
	svc := NewService(
		memstore.NewRecordStore(), vectors, graph,
		cache.NewMemoryCache(), gw, policy, auditor, logger, metrics,
	)
	svc.SyncEmbeddings = true
	return &fixture{service: svc, vectors: vectors, graph: graph, sink: sink, auditor: auditor}
}

func tenantCtx(tenantID string) context.Context {
	return tenant.WithContext(context.Background(), tenant.New(tenantID, "test-actor", nil))
}

func TestStoreAndFetch(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")

	id, err := f.service.Store(ctx, models.RecordDraft{
		Content: "database replication lag spiked during the deploy",
		Source:  "agent:ops",
		Tags:    []string{"incident"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := f.service.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", record.TenantID)
	assert.Equal(t, models.LayerSensory, record.Layer)
	assert.Equal(t, models.HashContent(record.Content), record.ContentHash)
	assert.Contains(t, record.Tags, "incident")

	// Fetch bumps usage; the write-back lands before the next read.
	again, err := f.service.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.UsageCounter)

	embeddings, err := f.vectors.Embeddings(ctx, "tenant-a", id)
	require.NoError(t, err)
	require.Len(t, embeddings, 1)
	assert.Equal(t, "rae-minilm", embeddings[0].ModelName)
	assert.Equal(t, record.ContentHash, embeddings[0].ContentHash)
}

func TestStoreRequiresTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Store(context.Background(), models.RecordDraft{Content: "x"})
	assert.ErrorIs(t, err, models.ErrMissingTenant)
}

func TestStoreValidation(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")
	bad := 1.5

	tests := []struct {
		name  string
		draft models.RecordDraft
		want  error
	}{
		{"empty content", models.RecordDraft{}, models.ErrInvalidRecord},
		{"unknown layer", models.RecordDraft{Content: "x", Layer: models.Layer("astral")}, models.ErrBadLayer},
		{"importance out of range", models.RecordDraft{Content: "x", Importance: &bad}, models.ErrInvalidRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Store(ctx, tt.draft)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStoreScrubsAndClassifies(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")

	id, err := f.service.Store(ctx, models.RecordDraft{
		Content: "contact alice@example.com about the rollout",
		Source:  "agent:ops",
	})
	require.NoError(t, err)

	record, err := f.service.Fetch(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, record.Content, "alice@example.com")
	assert.Contains(t, record.Content, "[REDACTED]")
	assert.Equal(t, models.InfoClassConfidential, record.InfoClass)
}

func TestStoreRestrictedOutsideWorkingDenied(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")

	_, err := f.service.Store(ctx, models.RecordDraft{
		Content: "customer SSN is 123-45-6789",
		Layer:   models.LayerLongterm,
	})
	require.ErrorIs(t, err, models.ErrRestrictedContent)

	// The denial itself must be audited as a policy event.
	require.NoError(t, f.auditor.Close())
	events := f.sink.ByOperation("memory.store")
	require.NotEmpty(t, events)
	denied := events[len(events)-1]
	assert.Equal(t, models.OutcomeDenied, denied.Outcome)
	assert.Equal(t, models.CriticalityPolicy, denied.Criticality)
	assert.Equal(t, "restricted_detected", denied.Fields["policy_event"])

	// The same content is accepted into the working layer, scrubbed.
	id, err := f.service.Store(ctx, models.RecordDraft{
		Content: "customer SSN is 123-45-6789",
		Layer:   models.LayerWorking,
	})
	require.NoError(t, err)
	record, err := f.service.Peek(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, record.Content, "123-45-6789")
	assert.Equal(t, models.InfoClassRestricted, record.InfoClass)
}

func TestStoreDeduplicatesWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")
	draft := models.RecordDraft{Content: "the cache warmed up after restart", Source: "agent:ops"}

	first, err := f.service.Store(ctx, draft)
	require.NoError(t, err)
	second, err := f.service.Store(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Different source is not a duplicate.
	draft.Source = "agent:other"
	third, err := f.service.Store(ctx, draft)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestStoreIndexesEntities(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")

	id, err := f.service.Store(ctx, models.RecordDraft{
		Content: "checkout-api timed out calling Payments Service during the deploy",
		Source:  "agent:ops",
	})
	require.NoError(t, err)

	api, err := f.graph.NodeByLabel(ctx, "tenant-a", "checkout-api")
	require.NoError(t, err)
	assert.Equal(t, "entity", api.Type)
	assert.Contains(t, api.RecordIDs, id)

	payments, err := f.graph.NodeByLabel(ctx, "tenant-a", "payments service")
	require.NoError(t, err)
	assert.Contains(t, payments.RecordIDs, id)

	// Co-mention edge carries the record as provenance, so deleting the
	// record cascades through the graph.
	sub, err := f.graph.Neighborhood(ctx, "tenant-a", api.ID, 1, nil)
	require.NoError(t, err)
	require.Len(t, sub.Edges, 1)
	assert.Equal(t, "co_mentioned", sub.Edges[0].Predicate)
	assert.Contains(t, sub.Edges[0].Provenance, id)

	// A second mention from another record merges into the same node.
	other, err := f.service.Store(ctx, models.RecordDraft{
		Content: "checkout-api error budget burned down",
		Source:  "agent:ops",
	})
	require.NoError(t, err)
	api, err = f.graph.NodeByLabel(ctx, "tenant-a", "checkout-api")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id, other}, api.RecordIDs)
}

func TestStoreRestrictedStaysOutOfGraph(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")

	_, err := f.service.Store(ctx, models.RecordDraft{
		Content: "Payments Service leaked ssn 123-45-6789",
		Layer:   models.LayerWorking,
	})
	require.NoError(t, err)

	_, err = f.graph.NodeByLabel(ctx, "tenant-a", "payments service")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExtractEntities(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "identifiers and capitalized runs",
			content: "checkout-api timed out calling Payments Service",
			want:    []string{"checkout-api", "payments service"},
		},
		{
			name:    "sentence openers are not entities",
			content: "The deploy finished. Never retry blind.",
			want:    nil,
		},
		{
			name:    "repeats collapse",
			content: "db_replica lagged; db_replica caught up",
			want:    []string{"db_replica"},
		},
		{
			name:    "plain prose yields nothing",
			content: "the cache warmed up after restart",
			want:    nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractEntities(tt.content))
		})
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctxA := tenantCtx("tenant-a")
	ctxB := tenantCtx("tenant-b")

	id, err := f.service.Store(ctxA, models.RecordDraft{Content: "private note for a"})
	require.NoError(t, err)

	_, err = f.service.Fetch(ctxB, id)
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = f.service.Delete(ctxB, id)
	assert.ErrorIs(t, err, models.ErrNotFound)

	page, err := f.service.List(ctxB, storage.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestUpdateFieldRules(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")

	id, err := f.service.Store(ctx, models.RecordDraft{
		Content: "support ticket quotes MRN-1234567 in the thread",
	})
	require.NoError(t, err)
	record, err := f.service.Peek(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.InfoClassConfidential, record.InfoClass)

	// Upgrade attempt is rejected.
	restricted := models.InfoClassRestricted
	err = f.service.Update(ctx, id, models.RecordUpdate{InfoClass: &restricted})
	assert.ErrorIs(t, err, models.ErrInfoClassViolation)

	// Downgrade, tag change, and importance change succeed.
	internal := models.InfoClassInternal
	imp := 0.9
	err = f.service.Update(ctx, id, models.RecordUpdate{
		Tags:       []string{"triaged"},
		Importance: &imp,
		InfoClass:  &internal,
	})
	require.NoError(t, err)

	record, err = f.service.Peek(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"triaged"}, record.Tags)
	assert.Equal(t, 0.9, record.Importance)
	assert.Equal(t, models.InfoClassInternal, record.InfoClass)
}

func TestDeleteCascades(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")

	id, err := f.service.Store(ctx, models.RecordDraft{Content: "payments service owns the ledger table"})
	require.NoError(t, err)

	// Seed a graph artifact whose only provenance is this record.
	node := &models.SemanticNode{ID: "n1", TenantID: "tenant-a", Label: "payments service", RecordIDs: []string{id}}
	require.NoError(t, f.graph.UpsertNode(ctx, node))

	require.NoError(t, f.service.Delete(ctx, id))

	_, err = f.service.Fetch(ctx, id)
	assert.ErrorIs(t, err, models.ErrNotFound)

	embeddings, err := f.vectors.Embeddings(ctx, "tenant-a", id)
	require.NoError(t, err)
	assert.Empty(t, embeddings)

	_, err = f.graph.NodeByLabel(ctx, "tenant-a", "payments service")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, f.auditor.Close())
	deletions := f.sink.ByOperation("memory.delete")
	require.Len(t, deletions, 1)
	assert.Equal(t, models.CriticalityPolicy, deletions[0].Criticality)
}

func TestReconcileEmbeddingsRepairsStale(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")
	tc, err := tenant.FromContext(ctx)
	require.NoError(t, err)

	id, err := f.service.Store(ctx, models.RecordDraft{Content: "index rebuild finished overnight"})
	require.NoError(t, err)

	require.NoError(t, f.vectors.MarkStale(ctx, "tenant-a", id))
	fixed, err := f.service.ReconcileEmbeddings(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	embeddings, err := f.vectors.Embeddings(ctx, "tenant-a", id)
	require.NoError(t, err)
	require.Len(t, embeddings, 1)
	assert.False(t, embeddings[0].Stale)
}

func TestMonotonicTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("tenant-a")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.service.now = func() time.Time { return base }
	_, err := f.service.Store(ctx, models.RecordDraft{Content: "first"})
	require.NoError(t, err)

	// A clock jump backwards beyond the skew tolerance is rejected.
	f.service.now = func() time.Time { return base.Add(-time.Minute) }
	_, err = f.service.Store(ctx, models.RecordDraft{Content: "second"})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)

	// Inside the tolerance the write is accepted.
	f.service.now = func() time.Time { return base.Add(-time.Second) }
	_, err = f.service.Store(ctx, models.RecordDraft{Content: "third"})
	assert.NoError(t, err)
}
