package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/storage"
)

// RecordStore is the PostgreSQL storage.RecordStore.
type RecordStore struct {
	store *Store
}

// Capabilities implements storage.RecordStore.
func (s *RecordStore) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		FullText:            true,
		Transactions:        true,
		SessionTenantMarker: true,
	}
}

const recordColumns = `id, tenant_id, layer, content, content_hash, tags, source,
	importance, usage_counter, info_class, parent_ids, created_at, last_accessed_at,
	reflection_type, evidence_refs, confidence_before, confidence_after`

type recordRow struct {
	models.MemoryRecord
	TagsArr     pq.StringArray `db:"tags"`
	ParentsArr  pq.StringArray `db:"parent_ids"`
	EvidenceArr pq.StringArray `db:"evidence_refs"`
}

func (r *recordRow) record() *models.MemoryRecord {
	rec := r.MemoryRecord
	rec.Tags = []string(r.TagsArr)
	rec.ParentIDs = []string(r.ParentsArr)
	rec.EvidenceRefs = []string(r.EvidenceArr)
	return &rec
}

// Put stores or replaces a record.
func (s *RecordStore) Put(ctx context.Context, record *models.MemoryRecord) error {
	if record.TenantID == "" || record.ID == "" {
		return models.ErrInvalidRecord
	}
	const query = `
		INSERT INTO memories (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			layer = EXCLUDED.layer,
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			tags = EXCLUDED.tags,
			importance = EXCLUDED.importance,
			usage_counter = EXCLUDED.usage_counter,
			info_class = EXCLUDED.info_class,
			last_accessed_at = EXCLUDED.last_accessed_at
		WHERE memories.tenant_id = EXCLUDED.tenant_id`
	return s.store.withTenant(ctx, record.TenantID, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, query,
			record.ID, record.TenantID, record.Layer, record.Content, record.ContentHash,
			pq.StringArray(record.Tags), record.Source, record.Importance, record.UsageCounter,
			record.InfoClass, pq.StringArray(record.ParentIDs), record.CreatedAt,
			record.LastAccessedAt, record.ReflectionType, pq.StringArray(record.EvidenceRefs),
			record.ConfidenceBefore, record.ConfidenceAfter,
		)
		return errors.Wrap(err, "failed to upsert record")
	})
}

// Get fetches one record within the tenant scope.
func (s *RecordStore) Get(ctx context.Context, tenantID, id string) (*models.MemoryRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM memories WHERE tenant_id = $1 AND id = $2`
	var row recordRow
	err := s.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, &row, query, tenantID, id)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to fetch record")
	}
	return row.record(), nil
}

// Delete removes one record within the tenant scope.
func (s *RecordStore) Delete(ctx context.Context, tenantID, id string) error {
	const query = `DELETE FROM memories WHERE tenant_id = $1 AND id = $2`
	return s.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		res, err := conn.ExecContext(ctx, query, tenantID, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete record")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return models.ErrNotFound
		}
		return nil
	})
}

// Query returns the tenant's records matching the filter, ordered by
// created-at descending then id, with an offset cursor.
func (s *RecordStore) Query(ctx context.Context, tenantID string, filter storage.RecordFilter) (*storage.RecordPage, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Layers) > 0 {
		layers := make([]string, len(filter.Layers))
		for i, l := range filter.Layers {
			layers[i] = string(l)
		}
		where = append(where, "layer = ANY("+arg(pq.StringArray(layers))+")")
	}
	if len(filter.InfoClasses) > 0 {
		classes := make([]string, len(filter.InfoClasses))
		for i, c := range filter.InfoClasses {
			classes[i] = string(c)
		}
		where = append(where, "info_class = ANY("+arg(pq.StringArray(classes))+")")
	}
	if filter.MinImportance != nil {
		where = append(where, "importance >= "+arg(*filter.MinImportance))
	}
	if filter.MaxImportance != nil {
		where = append(where, "importance <= "+arg(*filter.MaxImportance))
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at > "+arg(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at < "+arg(*filter.CreatedBefore))
	}
	if len(filter.Tags) > 0 {
		where = append(where, "tags && "+arg(pq.StringArray(filter.Tags)))
	}
	if filter.Text != "" {
		where = append(where, "to_tsvector('english', content) @@ plainto_tsquery('english', "+arg(filter.Text)+")")
	}

	offset := 0
	if filter.Cursor != "" {
		n, err := strconv.Atoi(filter.Cursor)
		if err != nil {
			return nil, models.ErrInvalidRecord
		}
		offset = n
	}

	query := `SELECT ` + recordColumns + ` FROM memories WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id`
	if offset > 0 {
		query += " OFFSET " + arg(offset)
	}
	if filter.Limit > 0 {
		// One extra row tells us whether a next page exists.
		query += " LIMIT " + arg(filter.Limit+1)
	}

	var rows []recordRow
	err := s.store.withTenant(ctx, tenantID, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query records")
	}

	page := &storage.RecordPage{}
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
		page.NextCursor = strconv.Itoa(offset + filter.Limit)
	}
	for i := range rows {
		page.Records = append(page.Records, rows[i].record())
	}
	return page, nil
}
