package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Reranker calls a cross-encoder rerank endpoint to reorder candidate
// documents against the original query. When no reranker is configured the
// caller keeps the vector-distance ordering.
type Reranker struct {
	baseURL string
	model   string
	topN    int
	client  *http.Client
	breaker *breaker
}

// RerankerConfig holds reranker configuration. An empty Model disables
// reranking entirely (NewReranker returns nil).
type RerankerConfig struct {
	BaseURL string
	Model   string
	TopN    int
	Timeout time.Duration
}

func NewReranker(config RerankerConfig) *Reranker {
	if config.Model == "" {
		return nil
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.TopN <= 0 {
		config.TopN = 10
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Reranker{
		baseURL: config.BaseURL,
		model:   config.Model,
		topN:    config.TopN,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: newBreaker("reranker"),
	}
}

type rerankRequest struct {
	Model string   `json:"model"`
	Query string   `json:"query"`
	Texts []string `json:"texts"`
	TopN  int      `json:"top_n"`
}

// RerankResult is one scored entry; Index points into the request texts.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank scores texts against the query and returns results ordered by
// descending relevance, at most TopN of them. Index values refer to the
// input slice.
func (r *Reranker) Rerank(ctx context.Context, query string, texts []string) ([]RerankResult, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	result, err := r.breaker.execute(ctx, func() (interface{}, error) {
		return r.doRerank(ctx, query, texts)
	})
	if err != nil {
		return nil, err
	}
	return result.([]RerankResult), nil
}

func (r *Reranker) doRerank(ctx context.Context, query string, texts []string) ([]RerankResult, error) {
	jsonData, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Texts: texts, TopN: r.topN})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/rerank", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(body))
	}

	var results []RerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(texts) {
			return nil, fmt.Errorf("reranker returned out-of-range index %d", res.Index)
		}
	}
	return results, nil
}

// TopN returns the configured result cap.
func (r *Reranker) TopN() int {
	return r.topN
}
