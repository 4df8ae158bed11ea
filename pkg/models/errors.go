package models

import "errors"

// Error taxonomy for the core. The adapter maps these to transport status
// codes; inside the core they are matched with errors.Is.
var (
	// Tenant / permission.
	ErrMissingTenant  = errors.New("missing tenant context")
	ErrTenantMismatch = errors.New("tenant mismatch")
	ErrNotAuthorized  = errors.New("not authorized")

	// Policy.
	ErrRestrictedContent  = errors.New("restricted content rejected from persistent layer")
	ErrInfoClassViolation = errors.New("information class violation")
	ErrSanitizationFailed = errors.New("sanitization failed")

	// Budget.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// Availability.
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrRetrievalUnavailable = errors.New("all retrieval strategies failed")
	ErrDeadlineExceeded     = errors.New("deadline exceeded")

	// Validation.
	ErrInvalidRecord = errors.New("invalid record")
	ErrUnknownModel  = errors.New("unknown embedding model")
	ErrBadLayer      = errors.New("invalid memory layer")
	ErrNotFound      = errors.New("record not found")

	// Conflict.
	ErrStaleEmbedding        = errors.New("stale embedding")
	ErrOptimisticConcurrency = errors.New("optimistic concurrency conflict")

	// Throttling.
	ErrTenantThrottled     = errors.New("tenant throttled")
	ErrProviderRateLimited = errors.New("provider rate limited")
)

// IsRetryable reports whether an error is a transient backend condition that
// the caller may retry with backoff. Policy and budget errors are never
// retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrProviderRateLimited)
}
