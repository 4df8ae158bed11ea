// Package models defines the core domain types shared across the RAE memory
// engine: memory records, layers, information classes, graph entities,
// reflections, tenant configuration, and audit events.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Layer identifies one of the four memory tiers. Records only ever move
// upward: sensory -> working -> longterm -> reflective.
type Layer string

const (
	LayerSensory    Layer = "sensory"
	LayerWorking    Layer = "working"
	LayerLongterm   Layer = "longterm"
	LayerReflective Layer = "reflective"
)

// layerRank orders layers for monotonicity checks. Higher rank is a higher
// layer.
var layerRank = map[Layer]int{
	LayerSensory:    0,
	LayerWorking:    1,
	LayerLongterm:   2,
	LayerReflective: 3,
}

// Valid reports whether the layer is one of the four recognized tiers.
func (l Layer) Valid() bool {
	_, ok := layerRank[l]
	return ok
}

// Rank returns the layer's position in the hierarchy (sensory=0 ... reflective=3).
func (l Layer) Rank() int {
	return layerRank[l]
}

// Above reports whether l is a strictly higher layer than other.
func (l Layer) Above(other Layer) bool {
	return layerRank[l] > layerRank[other]
}

// InfoClass is the confidentiality label attached to record content.
// Ordering: public < internal < confidential < restricted.
type InfoClass string

const (
	InfoClassPublic       InfoClass = "public"
	InfoClassInternal     InfoClass = "internal"
	InfoClassConfidential InfoClass = "confidential"
	InfoClassRestricted   InfoClass = "restricted"
)

var infoClassRank = map[InfoClass]int{
	InfoClassPublic:       0,
	InfoClassInternal:     1,
	InfoClassConfidential: 2,
	InfoClassRestricted:   3,
}

// Valid reports whether the information class is recognized.
func (c InfoClass) Valid() bool {
	_, ok := infoClassRank[c]
	return ok
}

// Rank returns the class's sensitivity rank (public=0 ... restricted=3).
func (c InfoClass) Rank() int {
	return infoClassRank[c]
}

// Exceeds reports whether c is more sensitive than max.
func (c InfoClass) Exceeds(max InfoClass) bool {
	return infoClassRank[c] > infoClassRank[max]
}

// MemoryRecord is the atomic unit of the memory engine. All fields except
// Tags, Importance, UsageCounter, LastAccessedAt, and InfoClass (downgrade
// only) are immutable after creation; content changes require a new record
// linked via ParentIDs.
type MemoryRecord struct {
	ID             string    `json:"id" db:"id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	Layer          Layer     `json:"layer" db:"layer"`
	Content        string    `json:"content" db:"content"`
	ContentHash    string    `json:"content_hash" db:"content_hash"`
	Tags           []string  `json:"tags" db:"-"`
	Source         string    `json:"source,omitempty" db:"source"`
	Importance     float64   `json:"importance" db:"importance"`
	UsageCounter   int64     `json:"usage_counter" db:"usage_counter"`
	InfoClass      InfoClass `json:"info_class" db:"info_class"`
	ParentIDs      []string  `json:"parent_ids,omitempty" db:"-"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at" db:"last_accessed_at"`

	// Reflection-only fields; zero-valued for non-reflective layers.
	ReflectionType   ReflectionType `json:"reflection_type,omitempty" db:"reflection_type"`
	EvidenceRefs     []string       `json:"evidence_refs,omitempty" db:"-"`
	ConfidenceBefore float64        `json:"confidence_before,omitempty" db:"confidence_before"`
	ConfidenceAfter  float64        `json:"confidence_after,omitempty" db:"confidence_after"`
}

// RecordDraft is the caller-supplied shape for a new record. Unset fields
// fall back to safe defaults at store time (layer sensory, importance 0.5,
// info class internal).
type RecordDraft struct {
	Content    string    `json:"content"`
	Source     string    `json:"source,omitempty"`
	Layer      Layer     `json:"layer,omitempty"`
	Importance *float64  `json:"importance,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	InfoClass  InfoClass `json:"info_class,omitempty"`
	ParentIDs  []string  `json:"parent_ids,omitempty"`
}

// RecordUpdate is the restricted mutable field set for an existing record.
// Nil fields are left untouched. InfoClass may only be downgraded.
type RecordUpdate struct {
	Tags           []string   `json:"tags,omitempty"`
	Importance     *float64   `json:"importance,omitempty"`
	IncrementUsage bool       `json:"increment_usage,omitempty"`
	Touch          bool       `json:"touch,omitempty"`
	InfoClass      *InfoClass `json:"info_class,omitempty"`
}

// Embedding is one model's vector projection of a record. A record may carry
// one embedding per active model; vectors from different models are never
// comparable.
type Embedding struct {
	MemoryID    string    `json:"memory_id" db:"memory_id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	ModelName   string    `json:"model_name" db:"model_name"`
	Dimensions  int       `json:"dimensions" db:"dimensions"`
	Vector      []float32 `json:"vector" db:"-"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	Stale       bool      `json:"stale" db:"stale"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ModelSpace selects which embedding family a query should run against.
type ModelSpace string

const (
	SpaceCheap ModelSpace = "cheap"
	SpaceHeavy ModelSpace = "heavy"
)

// EmbeddingModel describes one model in a tenant's active embedding set.
type EmbeddingModel struct {
	Name   string     `json:"name"`
	Space  ModelSpace `json:"space"`
	Dim    int        `json:"dim"`
	Active bool       `json:"active"`
}

// HashContent returns the canonical sha256 hex digest used for embedding
// consistency checks and response-cache keys.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
