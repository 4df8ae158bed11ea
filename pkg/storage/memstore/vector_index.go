package memstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/storage"
)

// VectorIndex is an in-memory storage.VectorIndex with exact cosine-distance
// search. Embeddings are keyed (tenant, memory, model); stale embeddings are
// excluded from search.
type VectorIndex struct {
	mu      sync.RWMutex
	tenants map[string]map[string]map[string]*models.Embedding // tenant -> memory -> model
}

// NewVectorIndex creates an empty VectorIndex.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{tenants: make(map[string]map[string]map[string]*models.Embedding)}
}

// Capabilities implements storage.VectorIndex.
func (v *VectorIndex) Capabilities() storage.Capabilities {
	return storage.Capabilities{VectorSearch: true}
}

func cloneEmbedding(e *models.Embedding) *models.Embedding {
	cp := *e
	cp.Vector = append([]float32(nil), e.Vector...)
	return &cp
}

// Upsert stores an embedding, replacing any prior vector for the same
// (memory, model) pair.
func (v *VectorIndex) Upsert(ctx context.Context, emb *models.Embedding) error {
	if emb.TenantID == "" || emb.MemoryID == "" || emb.ModelName == "" {
		return models.ErrInvalidRecord
	}
	if emb.Dimensions != 0 && len(emb.Vector) != emb.Dimensions {
		return models.ErrStaleEmbedding
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	byMemory, ok := v.tenants[emb.TenantID]
	if !ok {
		byMemory = make(map[string]map[string]*models.Embedding)
		v.tenants[emb.TenantID] = byMemory
	}
	byModel, ok := byMemory[emb.MemoryID]
	if !ok {
		byModel = make(map[string]*models.Embedding)
		byMemory[emb.MemoryID] = byModel
	}
	byModel[emb.ModelName] = cloneEmbedding(emb)
	return nil
}

// Search returns the topK nearest embeddings in the given model space by
// cosine distance, skipping stale entries.
func (v *VectorIndex) Search(ctx context.Context, tenantID, model string, query []float32, topK int, filter storage.VectorFilter) ([]storage.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	v.mu.RLock()
	var matches []storage.VectorMatch
	for memoryID, byModel := range v.tenants[tenantID] {
		emb, ok := byModel[model]
		if !ok || emb.Stale {
			continue
		}
		if len(emb.Vector) != len(query) {
			continue
		}
		if filter.AllowIDs != nil && !filter.AllowIDs[memoryID] {
			continue
		}
		matches = append(matches, storage.VectorMatch{
			MemoryID: memoryID,
			Distance: 1 - cosine(emb.Vector, query),
		})
	}
	v.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].MemoryID < matches[j].MemoryID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Embeddings returns all embeddings stored for a record.
func (v *VectorIndex) Embeddings(ctx context.Context, tenantID, memoryID string) ([]models.Embedding, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []models.Embedding
	for _, emb := range v.tenants[tenantID][memoryID] {
		out = append(out, *cloneEmbedding(emb))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out, nil
}

// MarkStale flags every embedding of a record as stale so retrieval ignores
// it until reconciliation recomputes it.
func (v *VectorIndex) MarkStale(ctx context.Context, tenantID, memoryID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, emb := range v.tenants[tenantID][memoryID] {
		emb.Stale = true
	}
	return nil
}

// Delete removes all embeddings of a record.
func (v *VectorIndex) Delete(ctx context.Context, tenantID, memoryID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tenants[tenantID], memoryID)
	return nil
}

// ExportCandidates returns (memory_id, snippet) pairs for a federated query.
// Vectors never leave the index.
func (v *VectorIndex) ExportCandidates(ctx context.Context, tenantID, model string, query []float32, topK int, snippet func(memoryID string) string) ([]storage.Candidate, error) {
	matches, err := v.Search(ctx, tenantID, model, query, topK, storage.VectorFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]storage.Candidate, 0, len(matches))
	for _, m := range matches {
		out = append(out, storage.Candidate{MemoryID: m.MemoryID, Snippet: snippet(m.MemoryID)})
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
