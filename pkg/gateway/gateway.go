package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rae-project/rae/pkg/audit"
	"github.com/rae-project/rae/pkg/cache"
	"github.com/rae-project/rae/pkg/guard"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/tenant"
)

// Config tunes the gateway.
type Config struct {
	// Pricing maps "provider/model" to cents per 1000 tokens. Unlisted
	// models default to DefaultCentsPer1K.
	Pricing           map[string]int64
	DefaultCentsPer1K int64
	// EmbedRoutes maps an embedding model name to the provider serving it.
	EmbedRoutes    map[string]string
	CacheTTL       time.Duration
	LocalCacheSize int
	ProviderRPS    rate.Limit
	ProviderBurst  int
	MaxRetries     uint64
}

// DefaultConfig returns conservative gateway settings.
func DefaultConfig() Config {
	return Config{
		DefaultCentsPer1K: 1,
		CacheTTL:          24 * time.Hour,
		LocalCacheSize:    4096,
		ProviderRPS:       50,
		ProviderBurst:     100,
		MaxRetries:        2,
	}
}

// Gateway routes outbound model calls across providers with budget
// admission, per-tenant caching, redaction, circuit breaking, and bounded
// retry.
type Gateway struct {
	cfg       Config
	providers map[string]Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	limiters  map[string]*rate.Limiter
	mu        sync.Mutex

	cache   cache.Cache
	local   *lru.Cache[string, []float32]
	cost    *guard.CostGuard
	policy  *guard.PolicyGuard
	auditor *audit.Pipeline
	quotas  *tenant.Limiter
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a Gateway over the given providers.
func New(
	cfg Config,
	providers []Provider,
	c cache.Cache,
	cost *guard.CostGuard,
	policy *guard.PolicyGuard,
	auditor *audit.Pipeline,
	quotas *tenant.Limiter,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*Gateway, error) {
	local, err := lru.New[string, []float32](max(cfg.LocalCacheSize, 16))
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:       cfg,
		providers: make(map[string]Provider, len(providers)),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		limiters:  make(map[string]*rate.Limiter),
		cache:     c,
		local:     local,
		cost:      cost,
		policy:    policy,
		auditor:   auditor,
		quotas:    quotas,
		logger:    logger.WithPrefix("llm_gateway"),
		metrics:   metrics,
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	return g, nil
}

func (g *Gateway) breaker(provider string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[provider]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    provider,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		g.breakers[provider] = cb
	}
	return cb
}

func (g *Gateway) limiter(provider string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[provider]
	if !ok {
		rps := g.cfg.ProviderRPS
		if rps == 0 {
			rps = 50
		}
		burst := g.cfg.ProviderBurst
		if burst == 0 {
			burst = 100
		}
		l = rate.NewLimiter(rps, burst)
		g.limiters[provider] = l
	}
	return l
}

func (g *Gateway) priceCents(providerModel string, tokens int64) int64 {
	per1k, ok := g.cfg.Pricing[providerModel]
	if !ok {
		per1k = g.cfg.DefaultCentsPer1K
	}
	cents := tokens * per1k / 1000
	if cents == 0 && tokens > 0 && per1k > 0 {
		cents = 1
	}
	return cents
}

// call runs fn through the provider's rate limiter, circuit breaker, and
// bounded retry on transient errors.
func (g *Gateway) call(ctx context.Context, provider string, fn func() (interface{}, error)) (interface{}, error) {
	if err := g.limiter(provider).Wait(ctx); err != nil {
		return nil, models.ErrDeadlineExceeded
	}
	var result interface{}
	op := func() error {
		r, err := g.breaker(provider).Execute(fn)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(models.ErrBackendUnavailable)
			}
			if models.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

// Embed returns the embedding of text under the named model, caching per
// (tenant, model, content hash). Cache hits bypass budget checks.
func (g *Gateway) Embed(ctx context.Context, tc *tenant.Context, model, text string) ([]float32, Usage, error) {
	hash := models.HashContent(text)
	key := cache.TenantKey(tc.TenantID, "embed:"+model, hash)

	if vec, ok := g.local.Get(key); ok {
		g.metrics.IncrementCounter("rae_gateway_cache_hits_total", map[string]string{"kind": "embed"})
		return vec, Usage{}, nil
	}
	var cached []float32
	if g.cache != nil {
		if err := g.cache.Get(ctx, key, &cached); err == nil && len(cached) > 0 {
			g.local.Add(key, cached)
			g.metrics.IncrementCounter("rae_gateway_cache_hits_total", map[string]string{"kind": "embed"})
			return cached, Usage{}, nil
		}
	}

	providerName := g.cfg.EmbedRoutes[model]
	if providerName == "" {
		providerName = "mock"
	}
	provider, ok := g.providers[providerName]
	if !ok {
		return nil, Usage{}, models.ErrUnknownModel
	}

	release, err := g.quotas.Acquire(ctx, tc, tenant.QuotaLLM)
	if err != nil {
		return nil, Usage{}, err
	}
	defer release()

	providerModel := providerName + "/" + model
	estTokens := estimateTokens(text)
	adm, err := g.cost.Admit(tc.Config, g.priceCents(providerModel, estTokens))
	if err != nil {
		return nil, Usage{}, err
	}

	redacted := g.policy.Redact(text, tc.Config)
	start := time.Now()
	raw, err := g.call(ctx, providerName, func() (interface{}, error) {
		return provider.Embed(ctx, model, redacted)
	})
	if err != nil {
		g.cost.Release(adm)
		g.emitCall(tc, "gateway.embed", providerModel, Usage{}, time.Since(start), models.OutcomeError)
		return nil, Usage{}, err
	}
	res := raw.(*EmbedResult)
	usage := res.Usage
	usage.CostCents = g.priceCents(providerModel, usage.InputTokens+usage.OutputTokens)
	g.cost.Reconcile(tc.Config, adm, usage.CostCents)
	g.emitCall(tc, "gateway.embed", providerModel, usage, time.Since(start), models.OutcomeSuccess)

	g.local.Add(key, res.Vector)
	if g.cache != nil {
		_ = g.cache.Set(ctx, key, res.Vector, g.cfg.CacheTTL)
	}
	return res.Vector, usage, nil
}

// Complete runs a completion through the tenant's named profile, trying
// candidates in order. Transient failure falls through to the next
// candidate; budget denial fails fast.
func (g *Gateway) Complete(ctx context.Context, tc *tenant.Context, profileName, prompt string) (string, Usage, error) {
	profile, ok := tc.Config.Profile(profileName)
	if !ok {
		return "", Usage{}, fmt.Errorf("%w: no profile %q", models.ErrUnknownModel, profileName)
	}

	hash := models.HashContent(profileName + "\x00" + prompt)
	key := cache.TenantKey(tc.TenantID, "complete", hash)
	if g.cache != nil {
		var cached string
		if err := g.cache.Get(ctx, key, &cached); err == nil && cached != "" {
			g.metrics.IncrementCounter("rae_gateway_cache_hits_total", map[string]string{"kind": "complete"})
			return cached, Usage{}, nil
		}
	}

	release, err := g.quotas.Acquire(ctx, tc, tenant.QuotaLLM)
	if err != nil {
		return "", Usage{}, err
	}
	defer release()

	sent := prompt
	if !profile.Raw {
		sent = g.policy.Redact(prompt, tc.Config)
	}

	var lastErr error
	for _, candidate := range profile.Candidates {
		providerName, model := splitCandidate(candidate)
		provider, ok := g.providers[providerName]
		if !ok {
			lastErr = models.ErrUnknownModel
			continue
		}
		providerModel := providerName + "/" + model
		adm, err := g.cost.Admit(tc.Config, g.priceCents(providerModel, estimateTokens(sent)))
		if err != nil {
			// Budget denial fails fast: a cheaper candidate later in the
			// chain would still be spending from the same exhausted budget.
			return "", Usage{}, err
		}
		start := time.Now()
		raw, err := g.call(ctx, providerName, func() (interface{}, error) {
			return provider.Complete(ctx, model, sent)
		})
		if err != nil {
			g.cost.Release(adm)
			g.emitCall(tc, "gateway.complete", providerModel, Usage{}, time.Since(start), models.OutcomeError)
			lastErr = err
			continue
		}
		res := raw.(*CompleteResult)
		usage := res.Usage
		usage.CostCents = g.priceCents(providerModel, usage.InputTokens+usage.OutputTokens)
		g.cost.Reconcile(tc.Config, adm, usage.CostCents)
		g.emitCall(tc, "gateway.complete", providerModel, usage, time.Since(start), models.OutcomeSuccess)
		if g.cache != nil {
			_ = g.cache.Set(ctx, key, res.Text, g.cfg.CacheTTL)
		}
		return res.Text, usage, nil
	}
	if lastErr == nil {
		lastErr = models.ErrBackendUnavailable
	}
	return "", Usage{}, lastErr
}

// Rerank orders candidates by relevance to the query using the tenant's
// rerank profile, bounded by deadline. Callers fall back to their own order
// on any error.
func (g *Gateway) Rerank(ctx context.Context, tc *tenant.Context, profileName, query string, candidates []string, deadline time.Duration) ([]int, Usage, error) {
	if len(candidates) == 0 {
		return nil, Usage{}, nil
	}
	profile, ok := tc.Config.Profile(profileName)
	if !ok || len(profile.Candidates) == 0 {
		return nil, Usage{}, fmt.Errorf("%w: no rerank profile", models.ErrUnknownModel)
	}
	providerName, model := splitCandidate(profile.Candidates[0])
	provider, ok := g.providers[providerName]
	if !ok {
		return nil, Usage{}, models.ErrUnknownModel
	}

	release, err := g.quotas.Acquire(ctx, tc, tenant.QuotaLLM)
	if err != nil {
		return nil, Usage{}, err
	}
	defer release()

	var total int64
	for _, c := range candidates {
		total += estimateTokens(c)
	}
	providerModel := providerName + "/" + model
	adm, err := g.cost.Admit(tc.Config, g.priceCents(providerModel, total+estimateTokens(query)))
	if err != nil {
		return nil, Usage{}, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		callCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	start := time.Now()
	raw, err := g.call(callCtx, providerName, func() (interface{}, error) {
		return provider.Rerank(callCtx, model, query, candidates)
	})
	if err != nil {
		g.cost.Release(adm)
		g.emitCall(tc, "gateway.rerank", providerModel, Usage{}, time.Since(start), models.OutcomeError)
		return nil, Usage{}, err
	}
	res := raw.(*RerankResult)
	usage := res.Usage
	usage.CostCents = g.priceCents(providerModel, usage.InputTokens+usage.OutputTokens)
	g.cost.Reconcile(tc.Config, adm, usage.CostCents)
	g.emitCall(tc, "gateway.rerank", providerModel, usage, time.Since(start), models.OutcomeSuccess)
	return res.Order, usage, nil
}

func (g *Gateway) emitCall(tc *tenant.Context, op, providerModel string, usage Usage, elapsed time.Duration, outcome models.AuditOutcome) {
	g.metrics.RecordLatency("rae_gateway_call_seconds", elapsed, map[string]string{"op": op})
	g.auditor.Emit(models.AuditEvent{
		TenantID:    tc.TenantID,
		Actor:       tc.Actor,
		RequestID:   tc.RequestID,
		Operation:   op,
		Outcome:     outcome,
		LatencyMS:   elapsed.Milliseconds(),
		CostCents:   usage.CostCents,
		Tokens:      usage.InputTokens + usage.OutputTokens,
		Criticality: models.CriticalityPolicy,
		Fields:      map[string]interface{}{"model": providerModel},
	})
}
