// Package cache provides the tenant-namespaced cache used for deduplicated
// LLM responses, hot query contexts, and embedding computations.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is not present in the cache.
var ErrNotFound = errors.New("key not found in cache")

// Cache defines the caching operations the core consumes. Keys must be
// built with TenantKey: a cross-tenant key collision is a correctness bug,
// not a performance one.
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) error
	Close() error
}

// TenantKey builds the canonical namespaced key:
// tenant:<t>:kind:<k>:hash:<h>.
func TenantKey(tenantID, kind, hash string) string {
	return fmt.Sprintf("tenant:%s:kind:%s:hash:%s", tenantID, kind, hash)
}

// TenantPrefix is the prefix covering every key of one tenant and kind,
// for use with InvalidatePrefix.
func TenantPrefix(tenantID, kind string) string {
	return fmt.Sprintf("tenant:%s:kind:%s:", tenantID, kind)
}
