package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rae-project/rae/pkg/models"
)

// OpenAIProvider calls any OpenAI-compatible HTTP API for embeddings,
// completions, and reranking-via-completion.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAIProvider creates an OpenAIProvider. baseURL defaults to the
// public endpoint when empty.
func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements Provider.Name.
func (p *OpenAIProvider) Name() string { return "openai" }

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int64 `json:"prompt_tokens"`
		TotalTokens  int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Embed implements Provider.Embed.
func (p *OpenAIProvider) Embed(ctx context.Context, model, text string) (*EmbedResult, error) {
	var resp openAIEmbedResponse
	err := p.post(ctx, "/embeddings", openAIEmbedRequest{Model: model, Input: []string{text}}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: empty embedding response")
	}
	return &EmbedResult{
		Vector: resp.Data[0].Embedding,
		Usage:  Usage{InputTokens: resp.Usage.PromptTokens},
	}, nil
}

type openAIChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Provider.Complete.
func (p *OpenAIProvider) Complete(ctx context.Context, model, prompt string) (*CompleteResult, error) {
	var resp openAIChatResponse
	err := p.post(ctx, "/chat/completions", openAIChatRequest{
		Model:    model,
		Messages: []openAIChatMessage{{Role: "user", Content: prompt}},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty completion response")
	}
	return &CompleteResult{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// Rerank implements Provider.Rerank by asking the chat model for an index
// ordering. A malformed answer falls back to the original order.
func (p *OpenAIProvider) Rerank(ctx context.Context, model, query string, candidates []string) (*RerankResult, error) {
	prompt := fmt.Sprintf(
		"Rank the following %d passages by relevance to the query.\nQuery: %s\n",
		len(candidates), query)
	for i, c := range candidates {
		prompt += fmt.Sprintf("[%d] %s\n", i, c)
	}
	prompt += "Answer with a JSON array of passage indices, most relevant first."

	res, err := p.Complete(ctx, model, prompt)
	if err != nil {
		return nil, err
	}
	var order []int
	if err := json.Unmarshal([]byte(res.Text), &order); err != nil || len(order) != len(candidates) {
		order = make([]int, len(candidates))
		for i := range order {
			order[i] = i
		}
	}
	return &RerankResult{Order: order, Usage: res.Usage}, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.ErrProviderRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", models.ErrBackendUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
