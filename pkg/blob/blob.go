// Package blob stores large artifacts produced by summarization and
// dreaming: raw cluster bundles, summarizer transcripts, rejected reflection
// drafts kept for audit replay.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a blob key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the blob storage contract. Keys are namespaced by tenant.
type Store interface {
	Put(ctx context.Context, tenantID, key string, data []byte) error
	Get(ctx context.Context, tenantID, key string) ([]byte, error)
	Delete(ctx context.Context, tenantID, key string) error
}

func objectKey(tenantID, key string) string {
	return fmt.Sprintf("tenants/%s/%s", tenantID, key)
}
