package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewFromDB(sqlx.NewDb(mockDB, "sqlmock"), observability.NewNoopLogger()), mock
}

func expectMarker(mock sqlmock.Sqlmock, tenantID string) {
	mock.ExpectExec("SELECT set_config").
		WithArgs(tenantID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectReset(mock sqlmock.Sqlmock) {
	mock.ExpectExec("RESET app.current_tenant_id").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

var recordTestColumns = []string{
	"id", "tenant_id", "layer", "content", "content_hash", "tags", "source",
	"importance", "usage_counter", "info_class", "parent_ids", "created_at",
	"last_accessed_at", "reflection_type", "evidence_refs",
	"confidence_before", "confidence_after",
}

func TestWithTenantSetsAndResetsMarker(t *testing.T) {
	store, mock := newMockStore(t)

	expectMarker(mock, "t1")
	mock.ExpectExec("DELETE FROM memories").
		WithArgs("t1", "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectReset(mock)

	err := store.Records().Delete(context.Background(), "t1", "m1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStorePut(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	expectMarker(mock, "t1")
	mock.ExpectExec("INSERT INTO memories").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectReset(mock)

	err := store.Records().Put(context.Background(), &models.MemoryRecord{
		ID:             "m1",
		TenantID:       "t1",
		Layer:          models.LayerWorking,
		Content:        "replication lag spiked after the deploy",
		ContentHash:    "abc",
		Tags:           []string{"ops"},
		Importance:     0.7,
		InfoClass:      models.InfoClassInternal,
		CreatedAt:      now,
		LastAccessedAt: now,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStorePutRejectsMissingIdentity(t *testing.T) {
	store, _ := newMockStore(t)
	err := store.Records().Put(context.Background(), &models.MemoryRecord{ID: "m1"})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)
}

func TestRecordStoreGetMapsRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	expectMarker(mock, "t1")
	mock.ExpectQuery("SELECT .+ FROM memories WHERE tenant_id = .+ AND id = .+").
		WithArgs("t1", "m1").
		WillReturnRows(sqlmock.NewRows(recordTestColumns).AddRow(
			"m1", "t1", "working", "replication lag spiked", "abc",
			"{ops,alerts}", "ingest", 0.7, int64(3), "internal",
			"{p1}", now, now, "", "{}", 0.0, 0.0,
		))
	expectReset(mock)

	rec, err := store.Records().Get(context.Background(), "t1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ID)
	assert.Equal(t, models.LayerWorking, rec.Layer)
	assert.Equal(t, []string{"ops", "alerts"}, rec.Tags)
	assert.Equal(t, []string{"p1"}, rec.ParentIDs)
	assert.Equal(t, int64(3), rec.UsageCounter)
	assert.InDelta(t, 0.7, rec.Importance, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	expectMarker(mock, "t1")
	mock.ExpectQuery("SELECT .+ FROM memories").
		WithArgs("t1", "missing").
		WillReturnError(sql.ErrNoRows)
	expectReset(mock)

	_, err := store.Records().Get(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreDeleteNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	expectMarker(mock, "t1")
	mock.ExpectExec("DELETE FROM memories").
		WithArgs("t1", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectReset(mock)

	err := store.Records().Delete(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreQueryBuildsPredicatesAndCursor(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	expectMarker(mock, "t1")
	mock.ExpectQuery("SELECT .+ FROM memories WHERE tenant_id = .+ "+
		"AND layer = ANY.+ AND tags && .+ AND to_tsvector.+plainto_tsquery.+ "+
		"ORDER BY created_at DESC, id OFFSET .+ LIMIT .+").
		WithArgs("t1", sqlmock.AnyArg(), sqlmock.AnyArg(), "replication lag", 4, 3).
		WillReturnRows(sqlmock.NewRows(recordTestColumns).
			AddRow("m5", "t1", "working", "c5", "h5", "{ops}", "", 0.5, int64(0), "internal", "{}", now, now, "", "{}", 0.0, 0.0).
			AddRow("m6", "t1", "working", "c6", "h6", "{ops}", "", 0.5, int64(0), "internal", "{}", now, now, "", "{}", 0.0, 0.0).
			AddRow("m7", "t1", "working", "c7", "h7", "{ops}", "", 0.5, int64(0), "internal", "{}", now, now, "", "{}", 0.0, 0.0))
	expectReset(mock)

	page, err := store.Records().Query(context.Background(), "t1", storage.RecordFilter{
		Layers: []models.Layer{models.LayerWorking},
		Tags:   []string{"ops"},
		Text:   "replication lag",
		Limit:  2,
		Cursor: "4",
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "m5", page.Records[0].ID)
	assert.Equal(t, "6", page.NextCursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreQueryRejectsBadCursor(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.Records().Query(context.Background(), "t1", storage.RecordFilter{Cursor: "not-a-number"})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)
}

func TestVectorIndexSearchRanksByCosine(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	cols := []string{"memory_id", "tenant_id", "model_name", "dimensions", "vector", "content_hash", "stale", "created_at"}

	expectMarker(mock, "t1")
	mock.ExpectQuery("SELECT .+ FROM memory_embeddings WHERE tenant_id = .+ AND model_name = .+ AND NOT stale").
		WithArgs("t1", "rae-minilm").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("far", "t1", "rae-minilm", 2, "{0,1}", "h1", false, now).
			AddRow("near", "t1", "rae-minilm", 2, "{1,0}", "h2", false, now))
	expectReset(mock)

	matches, err := store.Vectors().Search(context.Background(), "t1", "rae-minilm",
		[]float32{1, 0}, 1, storage.VectorFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "near", matches[0].MemoryID)
	assert.InDelta(t, 0.0, matches[0].Distance, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorIndexSearchHonorsAllowList(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	cols := []string{"memory_id", "tenant_id", "model_name", "dimensions", "vector", "content_hash", "stale", "created_at"}

	expectMarker(mock, "t1")
	mock.ExpectQuery("SELECT .+ FROM memory_embeddings").
		WithArgs("t1", "rae-minilm").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("allowed", "t1", "rae-minilm", 2, "{1,0}", "h1", false, now).
			AddRow("blocked", "t1", "rae-minilm", 2, "{1,0}", "h2", false, now))
	expectReset(mock)

	matches, err := store.Vectors().Search(context.Background(), "t1", "rae-minilm",
		[]float32{1, 0}, 10, storage.VectorFilter{AllowIDs: map[string]bool{"allowed": true}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "allowed", matches[0].MemoryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorIndexMarkStale(t *testing.T) {
	store, mock := newMockStore(t)

	expectMarker(mock, "t1")
	mock.ExpectExec("UPDATE memory_embeddings SET stale = TRUE").
		WithArgs("t1", "m1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	expectReset(mock)

	assert.NoError(t, store.Vectors().MarkStale(context.Background(), "t1", "m1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphStoreUpsertEdgeClampsAndPassesAlpha(t *testing.T) {
	store, mock := newMockStore(t)

	expectMarker(mock, "t1")
	mock.ExpectExec("INSERT INTO graph_edges").
		WithArgs("t1", "a", "depends_on", "b", 1.0, sqlmock.AnyArg(), sqlmock.AnyArg(), edgeConfidenceAlpha).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectReset(mock)

	err := store.Graph().UpsertEdge(context.Background(), &models.GraphEdge{
		TenantID:   "t1",
		SourceID:   "a",
		Predicate:  "depends_on",
		TargetID:   "b",
		Confidence: 1.4,
		Provenance: []string{"m1"},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphStoreNeighborhoodDepthCeiling(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.Graph().Neighborhood(context.Background(), "t1", "n1", models.MaxGraphDepth+1, nil)
	assert.ErrorIs(t, err, models.ErrInvalidRecord)
}

func TestGraphStoreNeighborhoodWalksBothDirections(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	nodeCols := []string{"id", "tenant_id", "label", "type", "record_ids", "created_at"}
	edgeCols := []string{"tenant_id", "source_id", "predicate", "target_id", "confidence", "provenance", "updated_at"}

	expectMarker(mock, "t1")
	mock.ExpectQuery("SELECT .+ FROM semantic_nodes WHERE tenant_id = .+ AND id = .+").
		WithArgs("t1", "n2").
		WillReturnRows(sqlmock.NewRows(nodeCols).AddRow("n2", "t1", "replication", "topic", "{m1}", now))
	// Hop 1 discovers both the inbound and the outbound neighbor of n2.
	mock.ExpectQuery("SELECT .+ FROM graph_edges WHERE tenant_id = .+ AND .source_id = ANY.+ OR target_id = ANY.+").
		WillReturnRows(sqlmock.NewRows(edgeCols).
			AddRow("t1", "n1", "causes", "n2", 0.9, "{m1}", now).
			AddRow("t1", "n2", "alerts", "n3", 0.8, "{m1}", now))
	mock.ExpectQuery("SELECT .+ FROM semantic_nodes WHERE tenant_id = .+ AND id = ANY.+ ORDER BY id").
		WillReturnRows(sqlmock.NewRows(nodeCols).
			AddRow("n1", "t1", "postgres", "system", "{m1}", now).
			AddRow("n2", "t1", "replication", "topic", "{m1}", now).
			AddRow("n3", "t1", "monitoring", "system", "{m1}", now))
	expectReset(mock)

	sub, err := store.Graph().Neighborhood(context.Background(), "t1", "n2", 1, nil)
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 3)
	assert.Len(t, sub.Edges, 2)
	assert.Equal(t, 0, sub.Hops["n2"])
	assert.Equal(t, 1, sub.Hops["n1"])
	assert.Equal(t, 1, sub.Hops["n3"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphStoreNeighborhoodOriginNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	expectMarker(mock, "t1")
	mock.ExpectQuery("SELECT .+ FROM semantic_nodes").
		WithArgs("t1", "missing").
		WillReturnError(sql.ErrNoRows)
	expectReset(mock)

	_, err := store.Graph().Neighborhood(context.Background(), "t1", "missing", 2, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphStoreRemoveRecordProvenanceCascades(t *testing.T) {
	store, mock := newMockStore(t)

	expectMarker(mock, "t1")
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE graph_edges SET provenance = array_remove").
		WithArgs("t1", "m1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM graph_edges WHERE tenant_id = .+ AND cardinality.provenance. = 0").
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE semantic_nodes SET record_ids = array_remove").
		WithArgs("t1", "m1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("DELETE FROM semantic_nodes WHERE tenant_id = .+ AND cardinality.record_ids. = 0 RETURNING id").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("n1"))
	mock.ExpectExec("DELETE FROM graph_edges WHERE tenant_id = .+ AND .source_id = ANY.+ OR target_id = ANY.+").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectReset(mock)

	err := store.Graph().RemoveRecordProvenance(context.Background(), "t1", "m1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphStorePruneEdgesBelowReturnsCount(t *testing.T) {
	store, mock := newMockStore(t)

	expectMarker(mock, "t1")
	mock.ExpectExec("DELETE FROM graph_edges WHERE tenant_id = .+ AND confidence <").
		WithArgs("t1", 0.2).
		WillReturnResult(sqlmock.NewResult(0, 3))
	expectReset(mock)

	pruned, err := store.Graph().PruneEdgesBelow(context.Background(), "t1", 0.2)
	require.NoError(t, err)
	assert.Equal(t, 3, pruned)
	assert.NoError(t, mock.ExpectationsWereMet())
}
