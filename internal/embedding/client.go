package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultDimensions matches nomic-embed-text, the default model. Used only
// when the dimension probe cannot reach the server.
const defaultDimensions = 768

// Client talks to an Ollama-compatible embedding server. All calls go
// through a circuit breaker, and query embeddings are cached so repeated
// searches do not re-embed the same text.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	breaker *breaker
	cache   *expirable.LRU[string, []float32]

	probeOnce sync.Once
	dims      int
}

// Config holds embedding client configuration. Zero values fall back to
// the local Ollama defaults.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "nomic-embed-text"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: config.BaseURL,
		model:   config.Model,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: newBreaker("embedding"),
		cache:   expirable.NewLRU[string, []float32](1024, nil, 10*time.Minute),
	}
}

// embedRequest is the body for /api/embed. Input accepts a string or a
// list; we always send a list and read back one vector per entry.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedQuery embeds one query string, serving repeats from the cache.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	vecs, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, vecs[0])
	return vecs[0], nil
}

// EmbedDocs embeds a batch of documents in one request. Document text is
// not cached: enriched text rarely repeats.
func (c *Client) EmbedDocs(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, texts)
}

func (c *Client) embed(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := c.breaker.execute(ctx, func() (interface{}, error) {
		return c.doEmbed(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return result.([][]float32), nil
}

func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	jsonData, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding server returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(respData.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding server returned %d vectors for %d inputs", len(respData.Embeddings), len(texts))
	}
	for i, vec := range respData.Embeddings {
		if len(vec) == 0 {
			return nil, fmt.Errorf("embedding server returned empty vector for input %d", i)
		}
	}
	return respData.Embeddings, nil
}

// Dimensions reports the model's vector width, probing the server once on
// first use. When the probe fails the nomic-embed-text default is assumed
// so index creation can proceed.
func (c *Client) Dimensions() int {
	c.probeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		vec, err := c.EmbedQuery(ctx, "dimension probe")
		if err != nil {
			log.Printf("WARNING: embedding dimension probe failed, assuming %d: %v", defaultDimensions, err)
			c.dims = defaultDimensions
			return
		}
		c.dims = len(vec)
	})
	return c.dims
}

// HealthCheck verifies the server is reachable. Not breaker-wrapped: it is
// itself the probe.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// BreakerState exposes the circuit state for the metrics resource.
func (c *Client) BreakerState() string {
	return c.breaker.state()
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}
