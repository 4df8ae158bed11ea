package gateway

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
)

// MockProvider is a deterministic in-process provider used by tests and the
// conservative factory mode. Embeddings are bag-of-words projections, so
// texts sharing vocabulary land close in cosine space; completions and
// reranking are cheap heuristics over the input.
type MockProvider struct {
	dims map[string]int // model -> dimensionality
}

// NewMockProvider creates a MockProvider serving the given model dimensions.
func NewMockProvider(dims map[string]int) *MockProvider {
	if dims == nil {
		dims = map[string]int{"rae-minilm": 384, "rae-small": 384}
	}
	return &MockProvider{dims: dims}
}

// Name implements Provider.Name.
func (p *MockProvider) Name() string { return "mock" }

// Embed projects the text's tokens into dim hashed buckets and normalizes.
func (p *MockProvider) Embed(ctx context.Context, model, text string) (*EmbedResult, error) {
	dim, ok := p.dims[model]
	if !ok {
		return nil, fmt.Errorf("mock provider: unknown model %q", model)
	}
	vec := make([]float32, dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[int(h.Sum32())%dim] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	tokens := estimateTokens(text)
	return &EmbedResult{Vector: vec, Usage: Usage{InputTokens: tokens}}, nil
}

// Complete produces a deterministic abstractive-looking digest of the
// prompt's most frequent content words.
func (p *MockProvider) Complete(ctx context.Context, model, prompt string) (*CompleteResult, error) {
	counts := map[string]int{}
	for _, token := range tokenize(prompt) {
		if len(token) > 3 {
			counts[token]++
		}
	}
	type kv struct {
		word  string
		count int
	}
	ranked := make([]kv, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, kv{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	if len(ranked) > 8 {
		ranked = ranked[:8]
	}
	words := make([]string, len(ranked))
	for i, r := range ranked {
		words[i] = r.word
	}
	text := "Recurring theme: " + strings.Join(words, " ")
	return &CompleteResult{
		Text: text,
		Usage: Usage{
			InputTokens:  estimateTokens(prompt),
			OutputTokens: estimateTokens(text),
		},
	}, nil
}

// Rerank orders candidates by token overlap with the query.
func (p *MockProvider) Rerank(ctx context.Context, model, query string, candidates []string) (*RerankResult, error) {
	queryTokens := map[string]bool{}
	for _, t := range tokenize(query) {
		queryTokens[t] = true
	}
	type scored struct {
		idx     int
		overlap int
	}
	results := make([]scored, len(candidates))
	for i, c := range candidates {
		overlap := 0
		for _, t := range tokenize(c) {
			if queryTokens[t] {
				overlap++
			}
		}
		results[i] = scored{idx: i, overlap: overlap}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].overlap > results[j].overlap
	})
	order := make([]int, len(results))
	for i, r := range results {
		order[i] = r.idx
	}
	return &RerankResult{
		Order: order,
		Usage: Usage{InputTokens: estimateTokens(query)},
	}, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-'
	})
}
