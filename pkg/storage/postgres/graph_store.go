package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/storage"
)

// edgeConfidenceAlpha is the weight of new evidence in the bounded moving
// average applied when an edge is corroborated or contradicted.
const edgeConfidenceAlpha = 0.3

// GraphStore is the PostgreSQL storage.GraphStore. Traversal is breadth
// first with one edge query per hop, so it does not publish atomic
// traversal; the depth ceiling keeps the per-call query count at most
// MaxGraphDepth.
type GraphStore struct {
	store *Store
}

// Capabilities implements storage.GraphStore.
func (g *GraphStore) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		Transactions:        true,
		SessionTenantMarker: true,
	}
}

type nodeRow struct {
	models.SemanticNode
	RecordsArr pq.StringArray `db:"record_ids"`
}

func (r *nodeRow) node() models.SemanticNode {
	n := r.SemanticNode
	n.RecordIDs = []string(r.RecordsArr)
	return n
}

type edgeRow struct {
	models.GraphEdge
	ProvenanceArr pq.StringArray `db:"provenance"`
}

func (r *edgeRow) edge() models.GraphEdge {
	e := r.GraphEdge
	e.Provenance = []string(r.ProvenanceArr)
	return e
}

// UpsertNode stores a node, merging record backrefs on update.
func (g *GraphStore) UpsertNode(ctx context.Context, node *models.SemanticNode) error {
	if node.TenantID == "" || node.ID == "" {
		return models.ErrInvalidRecord
	}
	createdAt := node.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO semantic_nodes (id, tenant_id, label, type, record_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			label = EXCLUDED.label,
			type = EXCLUDED.type,
			record_ids = semantic_nodes.record_ids || (
				SELECT COALESCE(array_agg(DISTINCT r), '{}')
				FROM unnest(EXCLUDED.record_ids) AS t(r)
				WHERE NOT r = ANY(semantic_nodes.record_ids))`
	return g.store.withTenant(ctx, node.TenantID, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, query,
			node.ID, node.TenantID, node.Label, node.Type,
			pq.StringArray(node.RecordIDs), createdAt,
		)
		return errors.Wrap(err, "failed to upsert node")
	})
}

// UpsertEdge stores an edge. When the edge already exists its confidence is
// updated with a bounded moving average toward the new evidence, clamped to
// [0,1], and provenance is merged.
func (g *GraphStore) UpsertEdge(ctx context.Context, edge *models.GraphEdge) error {
	if edge.TenantID == "" || edge.SourceID == "" || edge.TargetID == "" || edge.Predicate == "" {
		return models.ErrInvalidRecord
	}
	const query = `
		INSERT INTO graph_edges (tenant_id, source_id, predicate, target_id, confidence, provenance, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, source_id, predicate, target_id) DO UPDATE SET
			confidence = LEAST(1.0, GREATEST(0.0,
				graph_edges.confidence + $8 * (EXCLUDED.confidence - graph_edges.confidence))),
			provenance = graph_edges.provenance || (
				SELECT COALESCE(array_agg(DISTINCT p), '{}')
				FROM unnest(EXCLUDED.provenance) AS t(p)
				WHERE NOT p = ANY(graph_edges.provenance)),
			updated_at = EXCLUDED.updated_at`
	return g.store.withTenant(ctx, edge.TenantID, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, query,
			edge.TenantID, edge.SourceID, edge.Predicate, edge.TargetID,
			clampConfidence(edge.Confidence), pq.StringArray(edge.Provenance),
			time.Now().UTC(), edgeConfidenceAlpha,
		)
		return errors.Wrap(err, "failed to upsert edge")
	})
}

// NodeByLabel finds a node by its canonical label.
func (g *GraphStore) NodeByLabel(ctx context.Context, tenantID, label string) (*models.SemanticNode, error) {
	const query = `SELECT id, tenant_id, label, type, record_ids, created_at
		FROM semantic_nodes WHERE tenant_id = $1 AND label = $2 LIMIT 1`
	var row nodeRow
	err := g.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, &row, query, tenantID, label)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to fetch node")
	}
	node := row.node()
	return &node, nil
}

// Neighborhood returns the subgraph within depth hops of the origin node,
// following edges in either direction, filtered by predicate. Depth above
// MaxGraphDepth is rejected at this boundary.
func (g *GraphStore) Neighborhood(ctx context.Context, tenantID, nodeID string, depth int, predicates []string) (*models.Subgraph, error) {
	if depth < 0 || depth > models.MaxGraphDepth {
		return nil, models.ErrInvalidRecord
	}

	sub := &models.Subgraph{Hops: map[string]int{}}
	err := g.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		var origin nodeRow
		const originQuery = `SELECT id, tenant_id, label, type, record_ids, created_at
			FROM semantic_nodes WHERE tenant_id = $1 AND id = $2`
		if err := conn.GetContext(ctx, &origin, originQuery, tenantID, nodeID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.ErrNotFound
			}
			return errors.Wrap(err, "failed to fetch origin node")
		}

		sub.Hops[nodeID] = 0
		frontier := []string{nodeID}
		seenEdges := map[string]bool{}

		edgeQuery := `SELECT tenant_id, source_id, predicate, target_id, confidence, provenance, updated_at
			FROM graph_edges WHERE tenant_id = $1 AND (source_id = ANY($2) OR target_id = ANY($2))`
		args := func(ids []string) []interface{} {
			a := []interface{}{tenantID, pq.StringArray(ids)}
			if len(predicates) > 0 {
				a = append(a, pq.StringArray(predicates))
			}
			return a
		}
		if len(predicates) > 0 {
			edgeQuery += " AND predicate = ANY($3)"
		}

		for d := 0; d < depth && len(frontier) > 0; d++ {
			var rows []edgeRow
			if err := conn.SelectContext(ctx, &rows, edgeQuery, args(frontier)...); err != nil {
				return errors.Wrap(err, "failed to expand frontier")
			}
			inFrontier := make(map[string]bool, len(frontier))
			for _, id := range frontier {
				inFrontier[id] = true
			}
			var next []string
			for i := range rows {
				e := rows[i].edge()
				key := e.SourceID + "|" + e.Predicate + "|" + e.TargetID
				if !seenEdges[key] {
					seenEdges[key] = true
					sub.Edges = append(sub.Edges, e)
				}
				for _, other := range []string{e.SourceID, e.TargetID} {
					if inFrontier[other] {
						continue
					}
					if _, visited := sub.Hops[other]; !visited {
						sub.Hops[other] = d + 1
						next = append(next, other)
					}
				}
			}
			frontier = next
		}

		ids := make([]string, 0, len(sub.Hops))
		for id := range sub.Hops {
			ids = append(ids, id)
		}
		const nodesQuery = `SELECT id, tenant_id, label, type, record_ids, created_at
			FROM semantic_nodes WHERE tenant_id = $1 AND id = ANY($2) ORDER BY id`
		var nodeRows []nodeRow
		if err := conn.SelectContext(ctx, &nodeRows, nodesQuery, tenantID, pq.StringArray(ids)); err != nil {
			return errors.Wrap(err, "failed to load subgraph nodes")
		}
		for i := range nodeRows {
			sub.Nodes = append(sub.Nodes, nodeRows[i].node())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// DeleteNodeCascade removes a node and every edge touching it.
func (g *GraphStore) DeleteNodeCascade(ctx context.Context, tenantID, nodeID string) error {
	return g.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		const edges = `DELETE FROM graph_edges WHERE tenant_id = $1 AND (source_id = $2 OR target_id = $2)`
		if _, err := conn.ExecContext(ctx, edges, tenantID, nodeID); err != nil {
			return errors.Wrap(err, "failed to delete node edges")
		}
		const node = `DELETE FROM semantic_nodes WHERE tenant_id = $1 AND id = $2`
		if _, err := conn.ExecContext(ctx, node, tenantID, nodeID); err != nil {
			return errors.Wrap(err, "failed to delete node")
		}
		return nil
	})
}

// RemoveRecordProvenance strips a deleted record from node backrefs and edge
// provenance, removing artifacts whose sole provenance was that record. The
// whole cascade runs in one transaction so a crash cannot leave an edge
// pointing at a removed node.
func (g *GraphStore) RemoveRecordProvenance(ctx context.Context, tenantID, recordID string) error {
	return g.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		tx, err := conn.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin provenance cascade")
		}
		defer tx.Rollback()

		const stripEdges = `UPDATE graph_edges SET provenance = array_remove(provenance, $2)
			WHERE tenant_id = $1 AND $2 = ANY(provenance)`
		if _, err := tx.ExecContext(ctx, stripEdges, tenantID, recordID); err != nil {
			return errors.Wrap(err, "failed to strip edge provenance")
		}
		const dropEdges = `DELETE FROM graph_edges WHERE tenant_id = $1 AND cardinality(provenance) = 0`
		if _, err := tx.ExecContext(ctx, dropEdges, tenantID); err != nil {
			return errors.Wrap(err, "failed to drop orphaned edges")
		}

		const stripNodes = `UPDATE semantic_nodes SET record_ids = array_remove(record_ids, $2)
			WHERE tenant_id = $1 AND $2 = ANY(record_ids)`
		if _, err := tx.ExecContext(ctx, stripNodes, tenantID, recordID); err != nil {
			return errors.Wrap(err, "failed to strip node backrefs")
		}
		const dropNodes = `DELETE FROM semantic_nodes WHERE tenant_id = $1 AND cardinality(record_ids) = 0 RETURNING id`
		var removed []string
		if err := tx.SelectContext(ctx, &removed, dropNodes, tenantID); err != nil {
			return errors.Wrap(err, "failed to drop orphaned nodes")
		}
		if len(removed) > 0 {
			const cascade = `DELETE FROM graph_edges WHERE tenant_id = $1 AND (source_id = ANY($2) OR target_id = ANY($2))`
			if _, err := tx.ExecContext(ctx, cascade, tenantID, pq.StringArray(removed)); err != nil {
				return errors.Wrap(err, "failed to cascade node removal")
			}
		}
		return errors.Wrap(tx.Commit(), "failed to commit provenance cascade")
	})
}

// PruneEdgesBelow removes edges whose confidence fell below the floor and
// returns how many were pruned.
func (g *GraphStore) PruneEdgesBelow(ctx context.Context, tenantID string, confidenceFloor float64) (int, error) {
	pruned := 0
	err := g.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		const query = `DELETE FROM graph_edges WHERE tenant_id = $1 AND confidence < $2`
		res, err := conn.ExecContext(ctx, query, tenantID, confidenceFloor)
		if err != nil {
			return errors.Wrap(err, "failed to prune edges")
		}
		if n, err := res.RowsAffected(); err == nil {
			pruned = int(n)
		}
		return nil
	})
	return pruned, err
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
