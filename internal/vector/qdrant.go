package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// QdrantIndex talks to a Qdrant instance over its REST API. The public
// collection name <prefix><persona> is a Qdrant alias; the backing
// collection carries a version suffix so a rebuild can swap the alias
// atomically.
type QdrantIndex struct {
	baseURL  string
	apiKey   string
	alias    string
	client   *http.Client
	embedder Embedder
}

// NewQdrantIndex creates the adapter. The collection is created lazily on
// first write with the embedder's dimension and cosine distance.
func NewQdrantIndex(baseURL, apiKey, prefix, persona string, embedder Embedder) *QdrantIndex {
	return &QdrantIndex{
		baseURL:  baseURL,
		apiKey:   apiKey,
		alias:    prefix + persona,
		client:   &http.Client{Timeout: 30 * time.Second},
		embedder: embedder,
	}
}

// qdrantPoint is the wire form of one point.
type qdrantPoint struct {
	ID      uint64    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

// Upsert embeds enriched text and writes one point.
func (q *QdrantIndex) Upsert(ctx context.Context, p Payload, enriched string) error {
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}
	embedding, err := q.embedder.EmbedDocs(ctx, []string{enriched})
	if err != nil {
		return fmt.Errorf("vector: embed %s: %w", p.Key, err)
	}
	body := map[string]any{
		"points": []qdrantPoint{{ID: PointID(p.Key), Vector: embedding[0], Payload: p}},
	}
	return q.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(q.alias)+"/points?wait=true", body, nil)
}

// Delete removes points by filter on the payload key. Missing keys are
// ignored by Qdrant, so repeated deletes are safe.
func (q *QdrantIndex) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	body := map[string]any{
		"filter": map[string]any{
			"must": []any{
				map[string]any{"key": "key", "match": map[string]any{"any": keys}},
			},
		},
	}
	err := q.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(q.alias)+"/points/delete?wait=true", body, nil)
	if isNotFound(err) {
		return nil // empty collection: delete is a no-op
	}
	return err
}

// SearchByVector returns up to k hits ordered by ascending distance.
// Qdrant reports cosine similarity as score; distance = 1 − score.
func (q *QdrantIndex) SearchByVector(ctx context.Context, vec []float32, k int, filter *Filter) ([]Hit, error) {
	body := map[string]any{
		"vector":       vec,
		"limit":        k,
		"with_payload": true,
	}
	if qf := qdrantFilter(filter); qf != nil {
		body["filter"] = qf
	}

	var out struct {
		Result []struct {
			Score   float64 `json:"score"`
			Payload Payload `json:"payload"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(q.alias)+"/points/search", body, &out)
	if isNotFound(err) {
		return nil, nil // collection not created yet
	}
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(out.Result))
	for _, r := range out.Result {
		hits = append(hits, Hit{Payload: r.Payload, Distance: 1.0 - r.Score})
	}
	return hits, nil
}

// SearchByText embeds the query then searches.
func (q *QdrantIndex) SearchByText(ctx context.Context, query string, k int, filter *Filter) ([]Hit, error) {
	vec, err := q.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vector: embed query: %w", err)
	}
	return q.SearchByVector(ctx, vec, k, filter)
}

// Rebuild fills a fresh versioned collection and swaps the alias onto it
// in a single alias-update request, then drops the old collection.
// Writers addressing the alias land in the new collection from the swap
// onward.
func (q *QdrantIndex) Rebuild(ctx context.Context, docs []RebuildDoc) error {
	old, _ := q.resolveAlias(ctx)

	fresh := fmt.Sprintf("%s_v%d", q.alias, time.Now().UnixNano())
	if err := q.createCollection(ctx, fresh); err != nil {
		return err
	}

	const batchSize = 64
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Enriched
		}
		embeddings, err := q.embedder.EmbedDocs(ctx, texts)
		if err != nil {
			return fmt.Errorf("vector: rebuild embedding pass: %w", err)
		}
		points := make([]qdrantPoint, len(batch))
		for i, d := range batch {
			points[i] = qdrantPoint{ID: PointID(d.Payload.Key), Vector: embeddings[i], Payload: d.Payload}
		}
		body := map[string]any{"points": points}
		if err := q.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(fresh)+"/points?wait=true", body, nil); err != nil {
			return fmt.Errorf("vector: rebuild batch write: %w", err)
		}
	}

	// Atomic alias swap.
	actions := []any{}
	if old != "" {
		actions = append(actions, map[string]any{
			"delete_alias": map[string]any{"alias_name": q.alias},
		})
	}
	actions = append(actions, map[string]any{
		"create_alias": map[string]any{"collection_name": fresh, "alias_name": q.alias},
	})
	if err := q.do(ctx, http.MethodPost, "/collections/aliases", map[string]any{"actions": actions}, nil); err != nil {
		return fmt.Errorf("vector: alias swap: %w", err)
	}

	if old != "" && old != fresh {
		_ = q.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(old), nil, nil)
	}
	return nil
}

// Count returns the number of points behind the alias.
func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	var out struct {
		Result struct {
			PointsCount int `json:"points_count"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(q.alias), nil, &out)
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return out.Result.PointsCount, nil
}

func (q *QdrantIndex) Close() error {
	return nil
}

// ensureCollection creates the backing collection and alias on first write.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	err := q.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(q.alias), nil, nil)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return err
	}

	backing := fmt.Sprintf("%s_v%d", q.alias, time.Now().UnixNano())
	if err := q.createCollection(ctx, backing); err != nil {
		return err
	}
	actions := []any{map[string]any{
		"create_alias": map[string]any{"collection_name": backing, "alias_name": q.alias},
	}}
	return q.do(ctx, http.MethodPost, "/collections/aliases", map[string]any{"actions": actions}, nil)
}

func (q *QdrantIndex) createCollection(ctx context.Context, name string) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     q.embedder.Dimensions(),
			"distance": "Cosine",
		},
	}
	if err := q.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), body, nil); err != nil {
		return fmt.Errorf("vector: create collection %s: %w", name, err)
	}
	return nil
}

// resolveAlias returns the backing collection name behind the alias, or ""
// when the alias does not exist.
func (q *QdrantIndex) resolveAlias(ctx context.Context) (string, error) {
	var out struct {
		Result struct {
			Aliases []struct {
				AliasName      string `json:"alias_name"`
				CollectionName string `json:"collection_name"`
			} `json:"aliases"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, "/aliases", nil, &out); err != nil {
		return "", err
	}
	for _, a := range out.Result.Aliases {
		if a.AliasName == q.alias {
			return a.CollectionName, nil
		}
	}
	return "", nil
}

// httpStatusError carries the response status for error classification.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("qdrant: status %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*httpStatusError)
	return ok && se.status == http.StatusNotFound
}

// do issues one REST request and decodes the response into out when
// non-nil.
func (q *QdrantIndex) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("qdrant: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("qdrant: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode, body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("qdrant: decode response: %w", err)
		}
	}
	return nil
}

// qdrantFilter converts a Filter into Qdrant's filter DSL. All conditions
// are conjunctions under "must".
func qdrantFilter(f *Filter) map[string]any {
	if f.Empty() {
		return nil
	}
	var must []any
	for field, want := range f.Equals {
		must = append(must, map[string]any{
			"key": field, "match": map[string]any{"value": want},
		})
	}
	if f.Importance != nil {
		r := map[string]any{}
		if f.Importance.Min != nil {
			r["gte"] = *f.Importance.Min
		}
		if f.Importance.Max != nil {
			r["lte"] = *f.Importance.Max
		}
		must = append(must, map[string]any{"key": "importance", "range": r})
	}
	if len(f.TagsAny) > 0 {
		must = append(must, map[string]any{
			"key": "tags", "match": map[string]any{"any": f.TagsAny},
		})
	}
	return map[string]any{"must": must}
}
