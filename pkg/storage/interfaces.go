// Package storage defines the backend-agnostic contracts the core consumes:
// record store, vector index, graph store, and blob store, each tenant-aware
// and publishing a capability matrix the engine consults at query-planning
// time.
package storage

import (
	"context"
	"time"

	"github.com/rae-project/rae/pkg/models"
)

// Capabilities is the per-backend published feature set. The engine chooses
// strategies based on it; business logic never branches on backend type.
type Capabilities struct {
	VectorSearch        bool
	FullText            bool
	Transactions        bool
	SessionTenantMarker bool
	TTL                 bool
	AtomicGraphTraverse bool
}

// RecordFilter is the predicate shape for record queries. Zero values mean
// "no constraint". Queries are always implicitly scoped to the session
// tenant.
type RecordFilter struct {
	Layers        []models.Layer
	Tags          []string
	MinImportance *float64
	MaxImportance *float64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	InfoClasses   []models.InfoClass
	Text          string
	Limit         int
	Cursor        string
}

// RecordPage is an ordered result set with a continuation cursor.
type RecordPage struct {
	Records    []*models.MemoryRecord
	NextCursor string
}

// RecordStore persists memory records with tenant-scoped isolation. Backends
// that publish SessionTenantMarker must guarantee that queries without an
// explicit tenant predicate still return only the current tenant's rows.
type RecordStore interface {
	Capabilities() Capabilities
	Put(ctx context.Context, record *models.MemoryRecord) error
	Get(ctx context.Context, tenantID, id string) (*models.MemoryRecord, error)
	Delete(ctx context.Context, tenantID, id string) error
	Query(ctx context.Context, tenantID string, filter RecordFilter) (*RecordPage, error)
}

// VectorMatch is one approximate-nearest-neighbor hit.
type VectorMatch struct {
	MemoryID string
	Distance float64
}

// Candidate is the federation projection: id and snippet, never raw vectors
// or full content.
type Candidate struct {
	MemoryID string `json:"memory_id"`
	Snippet  string `json:"snippet"`
}

// VectorFilter constrains a vector search to layers or tags resolved by the
// caller into an id allow-list.
type VectorFilter struct {
	AllowIDs map[string]bool
}

// VectorIndex stores per-model embeddings keyed (tenant, memory_id, model)
// and serves nearest-neighbor search within one model space.
type VectorIndex interface {
	Capabilities() Capabilities
	Upsert(ctx context.Context, emb *models.Embedding) error
	Search(ctx context.Context, tenantID, model string, query []float32, topK int, filter VectorFilter) ([]VectorMatch, error)
	Embeddings(ctx context.Context, tenantID, memoryID string) ([]models.Embedding, error)
	MarkStale(ctx context.Context, tenantID, memoryID string) error
	Delete(ctx context.Context, tenantID, memoryID string) error
	ExportCandidates(ctx context.Context, tenantID, model string, query []float32, topK int, snippet func(memoryID string) string) ([]Candidate, error)
}

// GraphStore persists typed semantic nodes and directed edges and serves
// bounded neighborhood traversal.
type GraphStore interface {
	Capabilities() Capabilities
	UpsertNode(ctx context.Context, node *models.SemanticNode) error
	UpsertEdge(ctx context.Context, edge *models.GraphEdge) error
	NodeByLabel(ctx context.Context, tenantID, label string) (*models.SemanticNode, error)
	Neighborhood(ctx context.Context, tenantID, nodeID string, depth int, predicates []string) (*models.Subgraph, error)
	DeleteNodeCascade(ctx context.Context, tenantID, nodeID string) error
	RemoveRecordProvenance(ctx context.Context, tenantID, recordID string) error
	PruneEdgesBelow(ctx context.Context, tenantID string, confidenceFloor float64) (int, error)
}

// BlobStore holds large artifacts produced by summarization and dreaming.
// Keys are namespaced by tenant.
type BlobStore interface {
	Put(ctx context.Context, tenantID, key string, data []byte) error
	Get(ctx context.Context, tenantID, key string) ([]byte, error)
	Delete(ctx context.Context, tenantID, key string) error
}
