package postgres

import (
	"context"
	"math"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/storage"
)

// VectorIndex is the PostgreSQL storage.VectorIndex. Vectors live in a
// REAL[] column; similarity is computed in-process over the tenant's model
// collection. Collections are small enough per tenant that an exhaustive
// scan beats maintaining an ANN extension dependency.
type VectorIndex struct {
	store *Store
}

// Capabilities implements storage.VectorIndex.
func (v *VectorIndex) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		VectorSearch:        true,
		Transactions:        true,
		SessionTenantMarker: true,
	}
}

type embeddingRow struct {
	models.Embedding
	VectorArr pq.Float32Array `db:"vector"`
}

func (r *embeddingRow) embedding() models.Embedding {
	emb := r.Embedding
	emb.Vector = []float32(r.VectorArr)
	return emb
}

// Upsert stores or replaces one (memory, model) embedding.
func (v *VectorIndex) Upsert(ctx context.Context, emb *models.Embedding) error {
	if emb.TenantID == "" || emb.MemoryID == "" || emb.ModelName == "" {
		return models.ErrInvalidRecord
	}
	const query = `
		INSERT INTO memory_embeddings
			(memory_id, tenant_id, model_name, dimensions, vector, content_hash, stale, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, memory_id, model_name) DO UPDATE SET
			dimensions = EXCLUDED.dimensions,
			vector = EXCLUDED.vector,
			content_hash = EXCLUDED.content_hash,
			stale = EXCLUDED.stale,
			created_at = EXCLUDED.created_at`
	return v.store.withTenant(ctx, emb.TenantID, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, query,
			emb.MemoryID, emb.TenantID, emb.ModelName, emb.Dimensions,
			pq.Float32Array(emb.Vector), emb.ContentHash, emb.Stale, emb.CreatedAt,
		)
		return errors.Wrap(err, "failed to upsert embedding")
	})
}

// Search returns the topK nearest non-stale embeddings in one model space,
// restricted to the caller's id allow-list when present.
func (v *VectorIndex) Search(ctx context.Context, tenantID, model string, query []float32, topK int, filter storage.VectorFilter) ([]storage.VectorMatch, error) {
	const sel = `SELECT memory_id, tenant_id, model_name, dimensions, vector, content_hash, stale, created_at
		FROM memory_embeddings WHERE tenant_id = $1 AND model_name = $2 AND NOT stale`
	var rows []embeddingRow
	err := v.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &rows, sel, tenantID, model)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load embeddings")
	}

	matches := make([]storage.VectorMatch, 0, len(rows))
	for i := range rows {
		emb := rows[i].embedding()
		if filter.AllowIDs != nil && !filter.AllowIDs[emb.MemoryID] {
			continue
		}
		sim := cosine32(query, emb.Vector)
		matches = append(matches, storage.VectorMatch{MemoryID: emb.MemoryID, Distance: 1 - sim})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].MemoryID < matches[j].MemoryID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Embeddings returns every model's embedding for one record.
func (v *VectorIndex) Embeddings(ctx context.Context, tenantID, memoryID string) ([]models.Embedding, error) {
	const query = `SELECT memory_id, tenant_id, model_name, dimensions, vector, content_hash, stale, created_at
		FROM memory_embeddings WHERE tenant_id = $1 AND memory_id = $2`
	var rows []embeddingRow
	err := v.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &rows, query, tenantID, memoryID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load record embeddings")
	}
	out := make([]models.Embedding, len(rows))
	for i := range rows {
		out[i] = rows[i].embedding()
	}
	return out, nil
}

// MarkStale excludes every embedding of a mutated record from search until
// reconciliation recomputes them.
func (v *VectorIndex) MarkStale(ctx context.Context, tenantID, memoryID string) error {
	const query = `UPDATE memory_embeddings SET stale = TRUE WHERE tenant_id = $1 AND memory_id = $2`
	return v.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, query, tenantID, memoryID)
		return errors.Wrap(err, "failed to mark embeddings stale")
	})
}

// Delete removes every embedding of a record.
func (v *VectorIndex) Delete(ctx context.Context, tenantID, memoryID string) error {
	const query = `DELETE FROM memory_embeddings WHERE tenant_id = $1 AND memory_id = $2`
	return v.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, query, tenantID, memoryID)
		return errors.Wrap(err, "failed to delete embeddings")
	})
}

// ExportCandidates runs a search and projects the hits to the federation
// shape: id plus snippet, never vectors or full content.
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

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
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
