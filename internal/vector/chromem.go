package vector

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex is the embedded default backend. One persistent chromem DB
// per persona directory, one collection per persona, cosine similarity.
type ChromemIndex struct {
	db       *chromem.DB
	embedder Embedder
	name     string

	mu         sync.RWMutex
	collection *chromem.Collection
}

// NewChromemIndex opens (or creates) the persisted collection
// <prefix><persona> under dir.
func NewChromemIndex(dir, prefix, persona string, embedder Embedder) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(filepath.Join(dir, "vectors.gob"), false)
	if err != nil {
		return nil, fmt.Errorf("vector: open chromem store: %w", err)
	}

	idx := &ChromemIndex{
		db:       db,
		embedder: embedder,
		name:     prefix + persona,
	}
	collection, err := db.GetOrCreateCollection(idx.name, nil, idx.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("vector: create collection %s: %w", idx.name, err)
	}
	idx.collection = collection
	return idx, nil
}

func (idx *ChromemIndex) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return idx.embedder.EmbedQuery(ctx, text)
	}
}

// Upsert embeds enriched text and writes one point. AddDocument replaces
// an existing document with the same ID, so repeats are harmless.
func (idx *ChromemIndex) Upsert(ctx context.Context, p Payload, enriched string) error {
	embedding, err := idx.embedder.EmbedDocs(ctx, []string{enriched})
	if err != nil {
		return fmt.Errorf("vector: embed %s: %w", p.Key, err)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	err = idx.collection.AddDocument(ctx, chromem.Document{
		ID:        strconv.FormatUint(PointID(p.Key), 10),
		Content:   p.Content,
		Embedding: embedding[0],
		Metadata:  payloadToMetadata(p),
	})
	if err != nil {
		return fmt.Errorf("vector: upsert %s: %w", p.Key, err)
	}
	return nil
}

// Delete removes points by memory key.
func (idx *ChromemIndex) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strconv.FormatUint(PointID(k), 10)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if err := idx.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("vector: delete %d points: %w", len(keys), err)
	}
	return nil
}

// SearchByVector returns up to k hits ordered by ascending distance.
// chromem reports cosine similarity; distance = 1 − similarity.
func (idx *ChromemIndex) SearchByVector(ctx context.Context, vec []float32, k int, filter *Filter) ([]Hit, error) {
	idx.mu.RLock()
	collection := idx.collection
	idx.mu.RUnlock()

	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	// Over-fetch so post-filtering can still fill k.
	n := k * 4
	if n > count {
		n = count
	}
	if n < 1 {
		n = 1
	}

	results, err := collection.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: query: %w", err)
	}

	var hits []Hit
	for _, r := range results {
		p := metadataToPayload(r.Metadata, r.Content)
		if !filter.Matches(p) {
			continue
		}
		hits = append(hits, Hit{Payload: p, Distance: 1.0 - float64(r.Similarity)})
		if len(hits) >= k {
			break
		}
	}
	return hits, nil
}

// SearchByText embeds the query then searches.
func (idx *ChromemIndex) SearchByText(ctx context.Context, query string, k int, filter *Filter) ([]Hit, error) {
	vec, err := idx.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vector: embed query: %w", err)
	}
	return idx.SearchByVector(ctx, vec, k, filter)
}

// Rebuild embeds all documents outside the lock, then swaps the collection
// in one short critical section so writers are never blocked for the
// duration of the embedding pass.
func (idx *ChromemIndex) Rebuild(ctx context.Context, docs []RebuildDoc) error {
	// Batch-embed first; this is the slow part.
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Enriched
	}
	var embeddings [][]float32
	if len(texts) > 0 {
		var err error
		embeddings, err = idx.embedder.EmbedDocs(ctx, texts)
		if err != nil {
			return fmt.Errorf("vector: rebuild embedding pass: %w", err)
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.db.DeleteCollection(idx.name); err != nil {
		return fmt.Errorf("vector: drop collection %s: %w", idx.name, err)
	}
	fresh, err := idx.db.GetOrCreateCollection(idx.name, nil, idx.embeddingFunc())
	if err != nil {
		return fmt.Errorf("vector: recreate collection %s: %w", idx.name, err)
	}
	for i, d := range docs {
		err := fresh.AddDocument(ctx, chromem.Document{
			ID:        strconv.FormatUint(PointID(d.Payload.Key), 10),
			Content:   d.Payload.Content,
			Embedding: embeddings[i],
			Metadata:  payloadToMetadata(d.Payload),
		})
		if err != nil {
			// The fresh collection stays in place; a later rebuild heals it.
			log.Printf("ERROR: vector: rebuild write failed for %s: %v", d.Payload.Key, err)
		}
	}
	idx.collection = fresh
	return nil
}

// Count returns the number of points.
func (idx *ChromemIndex) Count(ctx context.Context) (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.collection.Count(), nil
}

// Close is a no-op: chromem persists on every write.
func (idx *ChromemIndex) Close() error {
	return nil
}

func payloadToMetadata(p Payload) map[string]string {
	return map[string]string{
		"key":         p.Key,
		"tags":        encodeTags(p.Tags),
		"emotion":     p.Emotion,
		"importance":  formatFloat(p.Importance),
		"action_tag":  p.ActionTag,
		"environment": p.Environment,
		"created_at":  p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func metadataToPayload(meta map[string]string, content string) Payload {
	createdAt, _ := time.Parse(time.RFC3339Nano, meta["created_at"])
	return Payload{
		Key:         meta["key"],
		Content:     content,
		Tags:        decodeTags(meta["tags"]),
		Emotion:     meta["emotion"],
		Importance:  parseFloat(meta["importance"]),
		ActionTag:   meta["action_tag"],
		Environment: meta["environment"],
		CreatedAt:   createdAt,
	}
}
