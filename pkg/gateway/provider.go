// Package gateway is the single entry point for all outbound model calls:
// embeddings, completions, and reranking. It routes across provider
// fallback chains, enforces budget admission before every priced call,
// caches responses per tenant, and redacts content before it leaves the
// process.
package gateway

import (
	"context"
	"strings"
)

// Usage reports the token counts and computed cost of one provider call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CostCents    int64 `json:"cost_cents"`
}

// EmbedResult is one embedding response.
type EmbedResult struct {
	Vector []float32 `json:"vector"`
	Usage  Usage     `json:"usage"`
}

// CompleteResult is one completion response.
type CompleteResult struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// RerankResult orders candidate indices by relevance, best first.
type RerankResult struct {
	Order []int `json:"order"`
	Usage Usage `json:"usage"`
}

// Provider is one upstream model provider. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Embed(ctx context.Context, model, text string) (*EmbedResult, error)
	Complete(ctx context.Context, model, prompt string) (*CompleteResult, error)
	Rerank(ctx context.Context, model, query string, candidates []string) (*RerankResult, error)
}

// splitCandidate parses a "provider/model" profile entry.
func splitCandidate(candidate string) (provider, model string) {
	parts := strings.SplitN(candidate, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", candidate
}

// estimateTokens is the pre-call token estimate used for budget admission.
// Roughly four characters per token, matching common tokenizers closely
// enough for admission purposes.
func estimateTokens(text string) int64 {
	return int64(len(text)/4) + 1
}
