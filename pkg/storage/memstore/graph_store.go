package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/storage"
)

// edgeConfidenceAlpha is the weight of new evidence in the bounded moving
// average applied when an edge is corroborated or contradicted.
const edgeConfidenceAlpha = 0.3

// GraphStore is an in-memory storage.GraphStore with breadth-first bounded
// neighborhood traversal.
type GraphStore struct {
	mu    sync.RWMutex
	nodes map[string]map[string]*models.SemanticNode // tenant -> node id
	edges map[string]map[string]*models.GraphEdge    // tenant -> src|pred|dst
}

// NewGraphStore creates an empty GraphStore.
func NewGraphStore() *GraphStore {
	return &GraphStore{
		nodes: make(map[string]map[string]*models.SemanticNode),
		edges: make(map[string]map[string]*models.GraphEdge),
	}
}

// Capabilities implements storage.GraphStore.
func (g *GraphStore) Capabilities() storage.Capabilities {
	return storage.Capabilities{AtomicGraphTraverse: true}
}

func edgeKey(e *models.GraphEdge) string {
	return e.SourceID + "|" + e.Predicate + "|" + e.TargetID
}

// UpsertNode stores a node, merging record backrefs on update.
func (g *GraphStore) UpsertNode(ctx context.Context, node *models.SemanticNode) error {
	if node.TenantID == "" || node.ID == "" {
		return models.ErrInvalidRecord
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	bucket, ok := g.nodes[node.TenantID]
	if !ok {
		bucket = make(map[string]*models.SemanticNode)
		g.nodes[node.TenantID] = bucket
	}
	if existing, ok := bucket[node.ID]; ok {
		existing.Label = node.Label
		existing.Type = node.Type
		existing.RecordIDs = mergeIDs(existing.RecordIDs, node.RecordIDs)
		return nil
	}
	cp := *node
	cp.RecordIDs = append([]string(nil), node.RecordIDs...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	bucket[node.ID] = &cp
	return nil
}

// UpsertEdge stores an edge. When the edge already exists its confidence is
// updated with a bounded moving average toward the new evidence, clamped to
// [0,1], and provenance is merged.
func (g *GraphStore) UpsertEdge(ctx context.Context, edge *models.GraphEdge) error {
	if edge.TenantID == "" || edge.SourceID == "" || edge.TargetID == "" || edge.Predicate == "" {
		return models.ErrInvalidRecord
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	bucket, ok := g.edges[edge.TenantID]
	if !ok {
		bucket = make(map[string]*models.GraphEdge)
		g.edges[edge.TenantID] = bucket
	}
	key := edgeKey(edge)
	if existing, ok := bucket[key]; ok {
		existing.Confidence = clamp01(existing.Confidence + edgeConfidenceAlpha*(edge.Confidence-existing.Confidence))
		existing.Provenance = mergeIDs(existing.Provenance, edge.Provenance)
		existing.UpdatedAt = time.Now().UTC()
		return nil
	}
	cp := *edge
	cp.Confidence = clamp01(edge.Confidence)
	cp.Provenance = append([]string(nil), edge.Provenance...)
	cp.UpdatedAt = time.Now().UTC()
	bucket[key] = &cp
	return nil
}

// NodeByLabel finds a node by its canonical label.
func (g *GraphStore) NodeByLabel(ctx context.Context, tenantID, label string) (*models.SemanticNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes[tenantID] {
		if n.Label == label {
			cp := *n
			cp.RecordIDs = append([]string(nil), n.RecordIDs...)
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

// Neighborhood returns the subgraph within depth hops of the origin node,
// following edges in either direction, filtered by predicate. Depth above
// MaxGraphDepth is rejected at this boundary.
func (g *GraphStore) Neighborhood(ctx context.Context, tenantID, nodeID string, depth int, predicates []string) (*models.Subgraph, error) {
	if depth < 0 || depth > models.MaxGraphDepth {
		return nil, models.ErrInvalidRecord
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	origin, ok := g.nodes[tenantID][nodeID]
	if !ok {
		return nil, models.ErrNotFound
	}

	allowed := func(pred string) bool {
		if len(predicates) == 0 {
			return true
		}
		for _, p := range predicates {
			if p == pred {
				return true
			}
		}
		return false
	}

	hops := map[string]int{origin.ID: 0}
	frontier := []string{origin.ID}
	var edges []models.GraphEdge
	seenEdges := map[string]bool{}

	for d := 0; d < depth; d++ {
		var next []string
		for _, id := range frontier {
			for key, e := range g.edges[tenantID] {
				if !allowed(e.Predicate) {
					continue
				}
				var other string
				switch id {
				case e.SourceID:
					other = e.TargetID
				case e.TargetID:
					other = e.SourceID
				default:
					continue
				}
				if !seenEdges[key] {
					seenEdges[key] = true
					edges = append(edges, *e)
				}
				if _, visited := hops[other]; !visited {
					hops[other] = d + 1
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	sub := &models.Subgraph{Hops: hops, Edges: edges}
	ids := make([]string, 0, len(hops))
	for id := range hops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if n, ok := g.nodes[tenantID][id]; ok {
			cp := *n
			cp.RecordIDs = append([]string(nil), n.RecordIDs...)
			sub.Nodes = append(sub.Nodes, cp)
		}
	}
	return sub, nil
}

// DeleteNodeCascade removes a node and every edge touching it.
func (g *GraphStore) DeleteNodeCascade(ctx context.Context, tenantID, nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes[tenantID], nodeID)
	for key, e := range g.edges[tenantID] {
		if e.SourceID == nodeID || e.TargetID == nodeID {
			delete(g.edges[tenantID], key)
		}
	}
	return nil
}

// RemoveRecordProvenance strips a deleted record from node backrefs and edge
// provenance, removing artifacts whose sole provenance was that record.
func (g *GraphStore) RemoveRecordProvenance(ctx context.Context, tenantID, recordID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, e := range g.edges[tenantID] {
		e.Provenance = removeID(e.Provenance, recordID)
		if len(e.Provenance) == 0 {
			delete(g.edges[tenantID], key)
		}
	}
	for id, n := range g.nodes[tenantID] {
		n.RecordIDs = removeID(n.RecordIDs, recordID)
		if len(n.RecordIDs) == 0 {
			delete(g.nodes[tenantID], id)
			for key, e := range g.edges[tenantID] {
				if e.SourceID == id || e.TargetID == id {
					delete(g.edges[tenantID], key)
				}
			}
		}
	}
	return nil
}

// PruneEdgesBelow removes edges whose confidence fell below the floor and
// returns how many were pruned.
func (g *GraphStore) PruneEdgesBelow(ctx context.Context, tenantID string, confidenceFloor float64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pruned := 0
	for key, e := range g.edges[tenantID] {
		if e.Confidence < confidenceFloor {
			delete(g.edges[tenantID], key)
			pruned++
		}
	}
	return pruned, nil
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
