package models

import "time"

// SemanticNode is a typed entity extracted from or attached to memory
// records. Nodes are addressed by stable ids; references between nodes,
// edges, and records are always ids, never live pointers.
type SemanticNode struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Label     string    `json:"label" db:"label"`
	Type      string    `json:"type" db:"type"`
	RecordIDs []string  `json:"record_ids,omitempty" db:"-"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GraphEdge is a directed typed relation between two semantic nodes.
// Confidence is clamped to [0,1] and updated by a bounded moving average
// over corroborating or conflicting evidence. Provenance lists the record
// ids that justify the edge.
type GraphEdge struct {
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	SourceID   string    `json:"source_id" db:"source_id"`
	Predicate  string    `json:"predicate" db:"predicate"`
	TargetID   string    `json:"target_id" db:"target_id"`
	Confidence float64   `json:"confidence" db:"confidence"`
	Provenance []string  `json:"provenance,omitempty" db:"-"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Subgraph is the result of a bounded neighborhood query: the nodes reached
// within the hop limit and the edges connecting them, with per-node hop
// distance from the origin.
type Subgraph struct {
	Nodes []SemanticNode `json:"nodes"`
	Edges []GraphEdge    `json:"edges"`
	Hops  map[string]int `json:"hops"`
}

// MaxGraphDepth is the hard ceiling on neighborhood traversal depth,
// enforced at the API boundary.
const MaxGraphDepth = 3
