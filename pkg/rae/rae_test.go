package rae

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rae-project/rae/pkg/audit"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/reflection"
	"github.com/rae-project/rae/pkg/workers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newService(t *testing.T) (*Service, *audit.MemorySink) {
	t.Helper()
	svc, sink, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, sink
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestTenantIsolationEndToEnd(t *testing.T) {
	svc, sink := newService(t)
	t1 := svc.Tenant(context.Background(), "t1", "agent:test")
	t2 := svc.Tenant(context.Background(), "t2", "agent:test")

	_, err := svc.StoreMemory(t1, models.RecordDraft{
		Content:    "alpha",
		Layer:      models.LayerLongterm,
		Importance: floatPtr(0.8),
		Tags:       []string{"x"},
	})
	require.NoError(t, err)

	resp, err := svc.QueryMemory(t2, QueryRequest{Text: "alpha", TopK: intPtr(10)})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	require.NoError(t, svc.Close())
	stores := sink.ByOperation("memory.store")
	require.Len(t, stores, 1)
	assert.Equal(t, "t1", stores[0].TenantID)
	queries := sink.ByOperation("memory.query")
	require.Len(t, queries, 1)
	assert.Equal(t, "t2", queries[0].TenantID)
	assert.Equal(t, 0, queries[0].Fields["result_count"])
}

func TestRetrievalFusionAndDeleteRequery(t *testing.T) {
	svc, _ := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")

	r1, err := svc.StoreMemory(ctx, models.RecordDraft{Content: "postgres hot spare replication lag", Layer: models.LayerWorking})
	require.NoError(t, err)
	_, err = svc.StoreMemory(ctx, models.RecordDraft{Content: "hot water pipe leak under the spare sink", Layer: models.LayerWorking})
	require.NoError(t, err)
	r3, err := svc.StoreMemory(ctx, models.RecordDraft{Content: "replication lag alert from monitoring", Layer: models.LayerWorking})
	require.NoError(t, err)

	resp, err := svc.QueryMemory(ctx, QueryRequest{Text: "replication lag", TopK: intPtr(10)})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(resp.Results), 2)
	top2 := []string{resp.Results[0].Record.ID, resp.Results[1].Record.ID}
	assert.ElementsMatch(t, []string{r1, r3}, top2)

	require.NoError(t, svc.DeleteMemory(ctx, r1))
	resp, err = svc.QueryMemory(ctx, QueryRequest{Text: "replication lag", TopK: intPtr(10)})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, r3, resp.Results[0].Record.ID)
}

func TestSafeEarlyExitFlag(t *testing.T) {
	svc, _ := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")

	id, err := svc.StoreMemory(ctx, models.RecordDraft{Content: "INC-00042 ticket resolved", Layer: models.LayerWorking})
	require.NoError(t, err)

	resp, err := svc.QueryMemory(ctx, QueryRequest{Text: "INC-00042", TopK: intPtr(10)})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, id, resp.Results[0].Record.ID)
	assert.Equal(t, "lexical", resp.Flags["early_exit"])
}

func TestRestrictedContainment(t *testing.T) {
	svc, sink := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")

	_, err := svc.StoreMemory(ctx, models.RecordDraft{
		Content: "customer SSN 123-45-6789 on file",
		Layer:   models.LayerLongterm,
	})
	require.ErrorIs(t, err, models.ErrRestrictedContent)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)

	require.NoError(t, svc.Close())
	var denied bool
	for _, e := range sink.ByOperation("memory.store") {
		if e.Fields["policy_event"] == "restricted_detected" {
			denied = true
			assert.Equal(t, models.OutcomeDenied, e.Outcome)
		}
	}
	assert.True(t, denied)
}

func TestBudgetEnforcementDegradesRerankAndDefersDreaming(t *testing.T) {
	svc, sink := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")
	svc.Registry().Get("t1").Retrieval.RerankProfile = "cheap"

	for i := 0; i < 6; i++ {
		_, err := svc.StoreMemory(ctx, models.RecordDraft{
			Content: fmt.Sprintf("compaction stalled on shard %d during peak traffic", i),
			Layer:   models.LayerWorking,
		})
		require.NoError(t, err)
	}
	require.NoError(t, svc.SetBudget(ctx, models.BudgetConfig{DailyLimitCents: 1, MonthlyLimitCents: 10000}))

	resp, err := svc.QueryMemory(ctx, QueryRequest{Text: "compaction stalls", TopK: intPtr(5), Rerank: true})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
	assert.Equal(t, "budget", resp.Flags["rerank_skipped"])

	dreaming := scheduleByName(t, svc, "dreaming")
	require.NoError(t, svc.RunCycle(context.Background(), dreaming))

	require.NoError(t, svc.Close())
	events := sink.ByOperation("worker.dreaming")
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeDeferred, events[0].Outcome)
	assert.Equal(t, "budget", events[0].Fields["cycle_deferred"])
}

func scheduleByName(t *testing.T, svc *Service, name string) workers.Cycle {
	t.Helper()
	for _, sched := range svc.DefaultSchedules() {
		if sched.Cycle.Name() == name {
			return sched.Cycle
		}
	}
	t.Fatalf("no schedule named %s", name)
	return nil
}

func TestReflectionLoopEndToEnd(t *testing.T) {
	svc, _ := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")

	contents := []string{
		"rollback of the payments deploy stalled under migration pressure",
		"migration pressure made the payments rollback slow during deploy",
		"deploy rollback should never race a schema migration",
		"schema migration locks blocked the rollback during the deploy",
		"payments deploy rollback needed manual migration cleanup",
	}
	ids := make([]string, 0, len(contents))
	for _, c := range contents {
		id, err := svc.StoreMemory(ctx, models.RecordDraft{
			Content:    c,
			Layer:      models.LayerLongterm,
			Importance: floatPtr(0.8),
			Tags:       []string{"deploy"},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	reflID, err := svc.GenerateReflection(ctx, ReflectionRequest{
		Tags: []string{"deploy"},
		Mode: models.ReflectionObservation,
	})
	require.NoError(t, err)

	stored, err := svc.memory.Peek(ctx, reflID)
	require.NoError(t, err)
	assert.Equal(t, models.LayerReflective, stored.Layer)
	assert.ElementsMatch(t, ids, stored.EvidenceRefs)
	assert.GreaterOrEqual(t, stored.ConfidenceAfter, 0.7)
	for _, c := range contents {
		assert.NotEqual(t, c, stored.Content)
	}

	// The same evidence regenerates an identical lesson; novelty collapses
	// and the duplicate is suppressed.
	_, err = svc.GenerateReflection(ctx, ReflectionRequest{
		Tags: []string{"deploy"},
		Mode: models.ReflectionObservation,
	})
	assert.ErrorIs(t, err, reflection.ErrReflectionRejected)
}

func TestQueryTopKZeroSkipsBackends(t *testing.T) {
	svc, sink := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")

	resp, err := svc.QueryMemory(ctx, QueryRequest{Text: "anything", TopK: intPtr(0)})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Flags)

	require.NoError(t, svc.Close())
	queries := sink.ByOperation("memory.query")
	require.Len(t, queries, 1)
	assert.Equal(t, 0, queries[0].Fields["result_count"])
}

func TestQueryGraphDepthCeiling(t *testing.T) {
	svc, _ := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")

	_, err := svc.QueryGraph(ctx, GraphRequest{Entities: []string{"postgres"}, MaxDepth: 4})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)
}

func TestQueryGraphMergesNeighborhoods(t *testing.T) {
	svc, _ := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")
	bg := context.Background()

	require.NoError(t, svc.graph.UpsertNode(bg, &models.SemanticNode{ID: "n1", TenantID: "t1", Label: "postgres"}))
	require.NoError(t, svc.graph.UpsertNode(bg, &models.SemanticNode{ID: "n2", TenantID: "t1", Label: "replication"}))
	require.NoError(t, svc.graph.UpsertNode(bg, &models.SemanticNode{ID: "n3", TenantID: "t1", Label: "monitoring"}))
	require.NoError(t, svc.graph.UpsertEdge(bg, &models.GraphEdge{TenantID: "t1", SourceID: "n1", Predicate: "uses", TargetID: "n2", Confidence: 0.9}))
	require.NoError(t, svc.graph.UpsertEdge(bg, &models.GraphEdge{TenantID: "t1", SourceID: "n2", Predicate: "feeds", TargetID: "n3", Confidence: 0.8}))

	sub, err := svc.QueryGraph(ctx, GraphRequest{Text: "postgres replication issues", MaxDepth: 2})
	require.NoError(t, err)
	require.Len(t, sub.Nodes, 3)
	assert.Len(t, sub.Edges, 2)
	assert.Equal(t, 0, sub.Hops["n1"])
}

func TestQueryGraphSeesStoredEntities(t *testing.T) {
	svc, _ := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")

	id, err := svc.StoreMemory(ctx, models.RecordDraft{
		Content: "checkout-api timed out calling Payments Service",
		Layer:   models.LayerWorking,
	})
	require.NoError(t, err)

	sub, err := svc.QueryGraph(ctx, GraphRequest{Entities: []string{"payments service"}, MaxDepth: 1})
	require.NoError(t, err)
	require.Len(t, sub.Nodes, 2)
	require.Len(t, sub.Edges, 1)
	assert.Equal(t, "co_mentioned", sub.Edges[0].Predicate)
	assert.Contains(t, sub.Edges[0].Provenance, id)

	// Deleting the only mentioning record takes the entities with it.
	require.NoError(t, svc.DeleteMemory(ctx, id))
	sub, err = svc.QueryGraph(ctx, GraphRequest{Entities: []string{"payments service"}, MaxDepth: 1})
	require.NoError(t, err)
	assert.Empty(t, sub.Nodes)
}

func TestStatsAndCostUsage(t *testing.T) {
	svc, _ := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")

	_, err := svc.StoreMemory(ctx, models.RecordDraft{Content: "working note about cache sizing", Layer: models.LayerWorking})
	require.NoError(t, err)
	_, err = svc.StoreMemory(ctx, models.RecordDraft{Content: "longterm fact about cache eviction", Layer: models.LayerLongterm})
	require.NoError(t, err)
	_, err = svc.QueryMemory(ctx, QueryRequest{Text: "cache sizing"})
	require.NoError(t, err)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, 1, stats.RecordsByLayer[models.LayerWorking])
	assert.Equal(t, 1, stats.RecordsByLayer[models.LayerLongterm])
	assert.Equal(t, int64(1), stats.Queries)
	assert.Positive(t, stats.ApproxTokens)

	usage, err := svc.GetCostUsage(ctx)
	require.NoError(t, err)
	assert.Positive(t, usage.DailyUsedCents)
	assert.Equal(t, int64(500), usage.DailyLimitCents)
}

func TestUpdateMemoryThroughFrontDoor(t *testing.T) {
	svc, _ := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")

	id, err := svc.StoreMemory(ctx, models.RecordDraft{Content: "tunable worth remembering", Layer: models.LayerWorking})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateMemory(ctx, id, models.RecordUpdate{Importance: floatPtr(0.9)}))
	rec, err := svc.memory.Peek(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.9, rec.Importance)
}

func TestStoreMemoryAdmitsHighImportanceSensory(t *testing.T) {
	svc, _ := newService(t)
	ctx := svc.Tenant(context.Background(), "t1", "agent:test")

	promoted, err := svc.StoreMemory(ctx, models.RecordDraft{Content: "pager fired for saturated event loop", Importance: floatPtr(0.9)})
	require.NoError(t, err)
	kept, err := svc.StoreMemory(ctx, models.RecordDraft{Content: "routine heartbeat from the collector", Importance: floatPtr(0.1)})
	require.NoError(t, err)

	rec, err := svc.memory.Peek(ctx, promoted)
	require.NoError(t, err)
	assert.Equal(t, models.LayerWorking, rec.Layer)

	rec, err = svc.memory.Peek(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, models.LayerSensory, rec.Layer)
}
