// Package memstore provides in-memory storage backends. They publish a
// reduced capability matrix (no full text, no transactions) so the engine
// exercises its fallback paths, and they back the test factory.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/storage"
)

// RecordStore is an in-memory storage.RecordStore. Records are isolated per
// tenant; a lookup through the wrong tenant behaves as not-found.
type RecordStore struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*models.MemoryRecord
}

// NewRecordStore creates an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{tenants: make(map[string]map[string]*models.MemoryRecord)}
}

// Capabilities implements storage.RecordStore.
func (s *RecordStore) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		SessionTenantMarker: true,
		TTL:                 false,
	}
}

func cloneRecord(r *models.MemoryRecord) *models.MemoryRecord {
	cp := *r
	cp.Tags = append([]string(nil), r.Tags...)
	cp.ParentIDs = append([]string(nil), r.ParentIDs...)
	cp.EvidenceRefs = append([]string(nil), r.EvidenceRefs...)
	return &cp
}

// Put stores or replaces a record.
func (s *RecordStore) Put(ctx context.Context, record *models.MemoryRecord) error {
	if record.TenantID == "" || record.ID == "" {
		return models.ErrInvalidRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.tenants[record.TenantID]
	if !ok {
		bucket = make(map[string]*models.MemoryRecord)
		s.tenants[record.TenantID] = bucket
	}
	bucket[record.ID] = cloneRecord(record)
	return nil
}

// Get fetches one record within the tenant scope.
func (s *RecordStore) Get(ctx context.Context, tenantID, id string) (*models.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.tenants[tenantID]
	if !ok {
		return nil, models.ErrNotFound
	}
	r, ok := bucket[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneRecord(r), nil
}

// Delete removes one record within the tenant scope.
func (s *RecordStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.tenants[tenantID]
	if !ok {
		return models.ErrNotFound
	}
	if _, ok := bucket[id]; !ok {
		return models.ErrNotFound
	}
	delete(bucket, id)
	return nil
}

// Query returns the tenant's records matching the filter, ordered by
// created-at descending then id, with an offset cursor.
func (s *RecordStore) Query(ctx context.Context, tenantID string, filter storage.RecordFilter) (*storage.RecordPage, error) {
	s.mu.RLock()
	var matched []*models.MemoryRecord
	for _, r := range s.tenants[tenantID] {
		if matchRecord(r, filter) {
			matched = append(matched, cloneRecord(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	offset := 0
	if filter.Cursor != "" {
		n, err := strconv.Atoi(filter.Cursor)
		if err != nil {
			return nil, models.ErrInvalidRecord
		}
		offset = n
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	next := ""
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
		next = strconv.Itoa(offset + filter.Limit)
	}
	return &storage.RecordPage{Records: matched, NextCursor: next}, nil
}

func matchRecord(r *models.MemoryRecord, f storage.RecordFilter) bool {
	if len(f.Layers) > 0 && !containsLayer(f.Layers, r.Layer) {
		return false
	}
	if len(f.InfoClasses) > 0 && !containsClass(f.InfoClasses, r.InfoClass) {
		return false
	}
	if f.MinImportance != nil && r.Importance < *f.MinImportance {
		return false
	}
	if f.MaxImportance != nil && r.Importance > *f.MaxImportance {
		return false
	}
	if f.CreatedAfter != nil && !r.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !r.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range r.Tags {
				if want == have {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	if f.Text != "" && !strings.Contains(strings.ToLower(r.Content), strings.ToLower(f.Text)) {
		return false
	}
	return true
}

func containsLayer(layers []models.Layer, l models.Layer) bool {
	for _, x := range layers {
		if x == l {
			return true
		}
	}
	return false
}

func containsClass(classes []models.InfoClass, c models.InfoClass) bool {
	for _, x := range classes {
		if x == c {
			return true
		}
	}
	return false
}
