// Package tenant carries the per-request tenant context through the core.
// Every entry point derives a Context once; it is immutable for the life of
// the request and passed to every downstream call.
package tenant

import (
	"context"

	"github.com/google/uuid"

	"github.com/rae-project/rae/pkg/models"
)

type contextKey string

const tenantContextKey contextKey = "rae_tenant_context"

// Context is the immutable per-request tenant identity and policy snapshot.
// Deadlines ride on the context.Context, not here.
type Context struct {
	TenantID  string
	Actor     string
	Roles     []string
	RequestID string
	Config    *models.TenantConfig
}

// New builds a Context for a tenant, filling in a request id and the
// tenant's configuration (defaults when cfg is nil).
func New(tenantID, actor string, cfg *models.TenantConfig) *Context {
	if cfg == nil {
		cfg = models.DefaultTenantConfig(tenantID)
	}
	return &Context{
		TenantID:  tenantID,
		Actor:     actor,
		RequestID: uuid.New().String(),
		Config:    cfg,
	}
}

// WithContext returns a context.Context carrying tc.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, tenantContextKey, tc)
}

// FromContext extracts the tenant context, or ErrMissingTenant when the
// request was not established through a tenant entry point.
func FromContext(ctx context.Context) (*Context, error) {
	tc, ok := ctx.Value(tenantContextKey).(*Context)
	if !ok || tc == nil || tc.TenantID == "" {
		return nil, models.ErrMissingTenant
	}
	return tc, nil
}

// HasRole reports whether the authenticated actor carries a role.
func (tc *Context) HasRole(role string) bool {
	for _, r := range tc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CheckOwnership fails with ErrTenantMismatch when a target record belongs
// to a different tenant. A mismatched row coming back from a backend is
// poisoned data and must be treated as fatal by the caller.
func (tc *Context) CheckOwnership(recordTenantID string) error {
	if recordTenantID != tc.TenantID {
		return models.ErrTenantMismatch
	}
	return nil
}

// MaxReadClass is the most sensitive information class results may carry
// for this requester.
func (tc *Context) MaxReadClass() models.InfoClass {
	if tc.Config == nil || !tc.Config.Policy.MaxReadClass.Valid() {
		return models.InfoClassInternal
	}
	return tc.Config.Policy.MaxReadClass
}
