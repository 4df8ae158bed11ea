package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rae-project/rae/pkg/audit"
	"github.com/rae-project/rae/pkg/cache"
	"github.com/rae-project/rae/pkg/guard"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/tenant"
)

// scriptProvider is a scripted Provider recording what it received.
type scriptProvider struct {
	name string
	fail error

	mu      sync.Mutex
	embeds  []string
	prompts []string
	order   []int
}

func (p *scriptProvider) Name() string { return p.name }

func (p *scriptProvider) Embed(ctx context.Context, model, text string) (*EmbedResult, error) {
	p.mu.Lock()
	p.embeds = append(p.embeds, text)
	p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	return &EmbedResult{
		Vector: []float32{1, 0, 0},
		Usage:  Usage{InputTokens: 100},
	}, nil
}

func (p *scriptProvider) Complete(ctx context.Context, model, prompt string) (*CompleteResult, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	return &CompleteResult{
		Text:  "completion from " + p.name,
		Usage: Usage{InputTokens: 200, OutputTokens: 50},
	}, nil
}

func (p *scriptProvider) Rerank(ctx context.Context, model, query string, candidates []string) (*RerankResult, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	order := p.order
	if order == nil {
		order = make([]int, len(candidates))
		for i := range order {
			order[i] = i
		}
	}
	return &RerankResult{Order: order, Usage: Usage{InputTokens: 50}}, nil
}

func (p *scriptProvider) embedCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.embeds)
}

func (p *scriptProvider) completeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func (p *scriptProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return ""
	}
	return p.prompts[len(p.prompts)-1]
}

func testGatewayConfig() Config {
	return Config{
		DefaultCentsPer1K: 1,
		CacheTTL:          time.Hour,
		LocalCacheSize:    16,
		ProviderRPS:       1000,
		ProviderBurst:     1000,
		MaxRetries:        0,
	}
}

type gatewayFixture struct {
	gw   *Gateway
	cost *guard.CostGuard
	sink *audit.MemorySink
	tc   *tenant.Context
}

func newGatewayFixture(t *testing.T, cfg Config, providers ...Provider) *gatewayFixture {
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoopMetrics()
	sink := audit.NewMemorySink()
	auditor := audit.NewPipeline(sink, 64, logger, metrics)
	t.Cleanup(func() { _ = auditor.Close() })
	cost := guard.NewCostGuard(logger, nil)

	gw, err := New(cfg, providers, cache.NewMemoryCache(), cost, guard.NewPolicyGuard(), auditor, tenant.NewLimiter(), logger, metrics)
	require.NoError(t, err)

	return &gatewayFixture{gw: gw, cost: cost, sink: sink, tc: tenant.New("t1", "agent:test", nil)}
}

func TestEmbedCacheHitBypassesBudget(t *testing.T) {
	provider := &scriptProvider{name: "mock"}
	f := newGatewayFixture(t, testGatewayConfig(), provider)
	f.tc.Config.Budget.DailyLimitCents = 1
	ctx := context.Background()

	vec, usage, err := f.gw.Embed(ctx, f.tc, "rae-minilm", "replication lag spiked after the deploy")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Equal(t, int64(1), usage.CostCents)

	// The budget is now exhausted, but the identical request is a cache hit
	// and never reaches admission.
	vec, usage, err = f.gw.Embed(ctx, f.tc, "rae-minilm", "replication lag spiked after the deploy")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Zero(t, usage.CostCents)
	assert.Equal(t, 1, provider.embedCalls())

	// New content has no cache entry and is denied.
	_, _, err = f.gw.Embed(ctx, f.tc, "rae-minilm", "a different observation entirely")
	assert.ErrorIs(t, err, models.ErrBudgetExceeded)
}

func TestEmbedRedactsBeforeProvider(t *testing.T) {
	provider := &scriptProvider{name: "mock"}
	f := newGatewayFixture(t, testGatewayConfig(), provider)

	_, _, err := f.gw.Embed(context.Background(), f.tc, "rae-minilm",
		"escalate to oncall@example.com when replication stalls")
	require.NoError(t, err)

	provider.mu.Lock()
	sent := provider.embeds[0]
	provider.mu.Unlock()
	assert.NotContains(t, sent, "oncall@example.com")
	assert.Contains(t, sent, "[REDACTED]")
}

func TestCompleteFallsThroughToNextCandidate(t *testing.T) {
	flaky := &scriptProvider{name: "flaky", fail: errors.New("upstream 500")}
	stable := &scriptProvider{name: "stable"}
	f := newGatewayFixture(t, testGatewayConfig(), flaky, stable)
	f.tc.Config.LLMProfiles["cheap"] = models.Profile{
		Name:       "cheap",
		Candidates: []string{"flaky/model-a", "stable/model-b"},
	}

	text, usage, err := f.gw.Complete(context.Background(), f.tc, "cheap", "condense these notes")
	require.NoError(t, err)
	assert.Equal(t, "completion from stable", text)
	assert.Equal(t, 1, flaky.completeCalls())
	assert.Equal(t, 1, stable.completeCalls())
	assert.Positive(t, usage.CostCents)
}

func TestCompleteBudgetDenialFailsFast(t *testing.T) {
	first := &scriptProvider{name: "first"}
	second := &scriptProvider{name: "second"}
	f := newGatewayFixture(t, testGatewayConfig(), first, second)
	f.tc.Config.Budget.DailyLimitCents = 0
	f.tc.Config.LLMProfiles["cheap"] = models.Profile{
		Name:       "cheap",
		Candidates: []string{"first/model-a", "second/model-b"},
	}

	_, _, err := f.gw.Complete(context.Background(), f.tc, "cheap", "condense these notes")
	assert.ErrorIs(t, err, models.ErrBudgetExceeded)
	assert.Zero(t, first.completeCalls())
	assert.Zero(t, second.completeCalls())
}

func TestCompleteCachesPerProfileAndPrompt(t *testing.T) {
	provider := &scriptProvider{name: "mock"}
	f := newGatewayFixture(t, testGatewayConfig(), provider)
	ctx := context.Background()

	first, _, err := f.gw.Complete(ctx, f.tc, "cheap", "condense these notes")
	require.NoError(t, err)
	second, usage, err := f.gw.Complete(ctx, f.tc, "cheap", "condense these notes")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Zero(t, usage.CostCents)
	assert.Equal(t, 1, provider.completeCalls())
}

func TestCompleteUnknownProfileFails(t *testing.T) {
	f := newGatewayFixture(t, testGatewayConfig(), &scriptProvider{name: "mock"})
	f.tc.Config.LLMProfiles = nil

	_, _, err := f.gw.Complete(context.Background(), f.tc, "missing", "prompt")
	assert.ErrorIs(t, err, models.ErrUnknownModel)
}

func TestRerankReturnsProviderOrder(t *testing.T) {
	provider := &scriptProvider{name: "mock", order: []int{2, 0, 1}}
	f := newGatewayFixture(t, testGatewayConfig(), provider)

	order, _, err := f.gw.Rerank(context.Background(), f.tc, "cheap", "replication lag",
		[]string{"a", "b", "c"}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1}, order)
}

func TestRerankBudgetDenied(t *testing.T) {
	f := newGatewayFixture(t, testGatewayConfig(), &scriptProvider{name: "mock"})
	f.tc.Config.Budget.DailyLimitCents = 0

	_, _, err := f.gw.Rerank(context.Background(), f.tc, "cheap", "q", []string{"a"}, 0)
	assert.ErrorIs(t, err, models.ErrBudgetExceeded)
}

func TestRerankEmptyCandidatesIsFree(t *testing.T) {
	provider := &scriptProvider{name: "mock"}
	f := newGatewayFixture(t, testGatewayConfig(), provider)

	order, usage, err := f.gw.Rerank(context.Background(), f.tc, "cheap", "q", nil, 0)
	require.NoError(t, err)
	assert.Nil(t, order)
	assert.Zero(t, usage.CostCents)
}

func TestCircuitBreakerShedsAfterConsecutiveFailures(t *testing.T) {
	provider := &scriptProvider{name: "mock", fail: errors.New("upstream 500")}
	f := newGatewayFixture(t, testGatewayConfig(), provider)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := f.gw.Complete(ctx, f.tc, "cheap", "prompt")
		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrBackendUnavailable)
	}

	// The breaker is open now; the provider is no longer called.
	calls := provider.completeCalls()
	_, _, err := f.gw.Complete(ctx, f.tc, "cheap", "prompt")
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
	assert.Equal(t, calls, provider.completeCalls())
}

func TestThrottledTenantNeverReachesProvider(t *testing.T) {
	provider := &scriptProvider{name: "mock"}
	f := newGatewayFixture(t, testGatewayConfig(), provider)
	f.tc.Config.Quotas.MaxInFlightLLM = 1

	// Hold the tenant's only in-flight LLM slot for the duration.
	release, err := f.gw.quotas.Acquire(context.Background(), f.tc, tenant.QuotaLLM)
	require.NoError(t, err)
	defer release()

	_, _, err = f.gw.Embed(context.Background(), f.tc, "rae-minilm", "text")
	assert.ErrorIs(t, err, models.ErrTenantThrottled)
	assert.Zero(t, provider.embedCalls())
}
