package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kokoroai/kokoro/internal/config"
	"github.com/kokoroai/kokoro/internal/storage/sqlite"
	"github.com/kokoroai/kokoro/internal/vector"
)

// fakeIndex is an in-memory vector.Index with word-overlap similarity and
// an injectable failure switch, so write-path and recovery behavior can
// be tested without a model server.
type fakeIndex struct {
	mu       sync.Mutex
	points   map[string]vector.Payload
	enriched map[string]string
	fail     atomic.Bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		points:   map[string]vector.Payload{},
		enriched: map[string]string{},
	}
}

func (f *fakeIndex) Upsert(ctx context.Context, p vector.Payload, enriched string) error {
	if f.fail.Load() {
		return fmt.Errorf("injected index failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[p.Key] = p
	f.enriched[p.Key] = enriched
	return nil
}

func (f *fakeIndex) Delete(ctx context.Context, keys []string) error {
	if f.fail.Load() {
		return fmt.Errorf("injected index failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.points, key)
		delete(f.enriched, key)
	}
	return nil
}

func (f *fakeIndex) SearchByText(ctx context.Context, query string, k int, filter *vector.Filter) ([]vector.Hit, error) {
	if f.fail.Load() {
		return nil, fmt.Errorf("injected index failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var hits []vector.Hit
	for _, p := range f.points {
		if !filter.Matches(p) {
			continue
		}
		sim := wordOverlap(query, f.enriched[p.Key])
		if sim <= 0 {
			continue
		}
		hits = append(hits, vector.Hit{Payload: p, Distance: 1 - sim})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Payload.Key < hits[j].Payload.Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *fakeIndex) SearchByVector(ctx context.Context, vec []float32, k int, filter *vector.Filter) ([]vector.Hit, error) {
	return nil, nil
}

func (f *fakeIndex) Rebuild(ctx context.Context, docs []vector.RebuildDoc) error {
	if f.fail.Load() {
		return fmt.Errorf("injected index failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = map[string]vector.Payload{}
	f.enriched = map[string]string{}
	for _, d := range docs {
		f.points[d.Payload.Key] = d.Payload
		f.enriched[d.Payload.Key] = d.Enriched
	}
	return nil
}

func (f *fakeIndex) Count(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points), nil
}

func (f *fakeIndex) Close() error { return nil }

// wordOverlap is the share of query words present in the document.
func wordOverlap(query, doc string) float64 {
	qWords := strings.Fields(strings.ToLower(query))
	if len(qWords) == 0 {
		return 0
	}
	docLower := strings.ToLower(doc)
	matched := 0
	for _, w := range qWords {
		if strings.Contains(docLower, w) {
			matched++
		}
	}
	return float64(matched) / float64(len(qWords))
}

// fakeEmbedder satisfies vector.Embedder for engine construction; the
// fakeIndex never calls it.
type fakeEmbedder struct{}

func (fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1}, nil
}

func (fakeEmbedder) EmbedDocs(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return 1 }

type engineFixture struct {
	engine *Engine
	store  *sqlite.Store
	index  *fakeIndex
	cfg    *config.Config
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "memory.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Defaults()
	index := newFakeIndex()
	eng, err := New(Options{
		Persona:  "default",
		Config:   cfg,
		Store:    store,
		Tasks:    store,
		Index:    index,
		Embedder: fakeEmbedder{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Shutdown(context.Background()) })

	return &engineFixture{engine: eng, store: store, index: index, cfg: cfg}
}

// drain waits for the async vector queue to settle.
func (f *engineFixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.DrainQueue(context.Background()))
}

func floatPtr(v float64) *float64 { return &v }

func strPtr(v string) *string { return &v }
