// Package registry opens and caches per-persona sessions: the durable
// store, the item store, the vector index, the persona context store, and
// the engine wired over them. Both server binaries share one Registry so
// the embedding client and its breaker state are process-wide.
package registry

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/kokoroai/kokoro/internal/config"
	"github.com/kokoroai/kokoro/internal/embedding"
	"github.com/kokoroai/kokoro/internal/engine"
	"github.com/kokoroai/kokoro/internal/items"
	"github.com/kokoroai/kokoro/internal/persona"
	"github.com/kokoroai/kokoro/internal/storage/sqlite"
	"github.com/kokoroai/kokoro/internal/vector"
)

// collectionPrefix namespaces vector collections for the chromem and
// pgvector backends; qdrant uses its own configurable prefix.
const collectionPrefix = "kokoro_"

// Entry is one persona's opened session.
type Entry struct {
	Persona string
	Engine  *engine.Engine
	Store   *sqlite.Store
	Items   *items.Store
	Index   vector.Index
	Context *persona.ContextStore
}

// Registry caches entries by persona. Entries live until Close.
type Registry struct {
	loader   *config.Loader
	resolver *persona.Resolver
	embedder *embedding.Client
	reranker *embedding.Reranker

	rootCtx context.Context

	mu      sync.Mutex
	entries map[string]*Entry

	// onWrite, when set, is attached to every engine as its write
	// callback with the persona prepended.
	onWrite func(persona, operation, key string)

	// startWorkers controls whether new engines launch their background
	// loops. The stdio MCP binary runs them; short-lived tooling may not.
	startWorkers bool
}

// Options configures a Registry.
type Options struct {
	// RootCtx bounds every engine's background workers. Defaults to
	// context.Background().
	RootCtx context.Context

	// StartWorkers launches the idle rebuilder, cleanup scanner, and
	// summarizer on each new engine.
	StartWorkers bool

	// OnWrite receives every successful mutation across all personas.
	OnWrite func(persona, operation, key string)
}

// New creates a Registry over the cached config loader. The embedding
// client and reranker are built once from the current configuration.
func New(loader *config.Loader, opts Options) *Registry {
	cfg := loader.Get()
	if opts.RootCtx == nil {
		opts.RootCtx = context.Background()
	}
	return &Registry{
		loader:   loader,
		resolver: persona.NewResolver(cfg.DataPath),
		embedder: embedding.NewClient(embedding.Config{
			BaseURL: cfg.EmbeddingsURL,
			Model:   cfg.EmbeddingsModel,
		}),
		reranker: embedding.NewReranker(embedding.RerankerConfig{
			BaseURL: cfg.RerankerURL,
			Model:   cfg.RerankerModel,
			TopN:    cfg.RerankerTopN,
		}),
		rootCtx:      opts.RootCtx,
		entries:      make(map[string]*Entry),
		onWrite:      opts.OnWrite,
		startWorkers: opts.StartWorkers,
	}
}

// Resolver exposes the persona resolver shared by the transports.
func (r *Registry) Resolver() *persona.Resolver {
	return r.resolver
}

// Entry returns the session for a persona, opening it on first use.
func (r *Registry) Entry(name string) (*Entry, error) {
	name = persona.Sanitize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e, nil
	}

	entry, err := r.open(name)
	if err != nil {
		return nil, err
	}
	r.entries[name] = entry
	return entry, nil
}

func (r *Registry) open(name string) (*Entry, error) {
	cfg := r.loader.Get()

	paths, err := r.resolver.Paths(name)
	if err != nil {
		return nil, fmt.Errorf("failed to derive persona paths: %w", err)
	}
	store, err := sqlite.Open(paths.MemoryDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	itemStore, err := items.Open(paths.EquipmentDB)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open item store: %w", err)
	}
	index, err := r.buildIndex(cfg, name)
	if err != nil {
		store.Close()
		itemStore.Close()
		return nil, err
	}

	engineOpts := engine.Options{
		Persona:  name,
		Config:   cfg,
		Store:    store,
		Tasks:    store,
		Index:    index,
		Embedder: r.embedder,
	}
	// A nil *Reranker must stay a nil interface.
	if r.reranker != nil {
		engineOpts.Reranker = r.reranker
	}
	eng, err := engine.New(engineOpts)
	if err != nil {
		store.Close()
		itemStore.Close()
		index.Close()
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	if fn := r.onWrite; fn != nil {
		eng.SetOnWrite(func(operation, key string) {
			fn(name, operation, key)
		})
	}
	if r.startWorkers {
		if err := eng.Start(r.rootCtx); err != nil {
			log.Printf("WARNING: background workers not started for persona %s: %v", name, err)
		}
	}

	return &Entry{
		Persona: name,
		Engine:  eng,
		Store:   store,
		Items:   itemStore,
		Index:   index,
		Context: persona.NewContextStore(paths),
	}, nil
}

// buildIndex selects the vector backend from configuration.
func (r *Registry) buildIndex(cfg *config.Config, name string) (vector.Index, error) {
	switch cfg.VectorBackend {
	case "", "chromem":
		dir := filepath.Join(cfg.DataPath, "vectors")
		idx, err := vector.NewChromemIndex(dir, collectionPrefix, name, r.embedder)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem index: %w", err)
		}
		return idx, nil
	case "qdrant":
		return vector.NewQdrantIndex(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollectionPrefix, name, r.embedder), nil
	case "pgvector":
		idx, err := vector.NewPgvectorIndex(cfg.PostgresDSN, collectionPrefix, name, r.embedder)
		if err != nil {
			return nil, fmt.Errorf("failed to open pgvector index: %w", err)
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

// Close shuts down every cached entry.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for name, e := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.Engine.Shutdown(ctx); err != nil {
			log.Printf("WARNING: engine shutdown for persona %s: %v", name, err)
		}
		cancel()
		if err := e.Store.Close(); err != nil {
			log.Printf("WARNING: store close for persona %s: %v", name, err)
		}
		if err := e.Items.Close(); err != nil {
			log.Printf("WARNING: item store close for persona %s: %v", name, err)
		}
		if err := e.Index.Close(); err != nil {
			log.Printf("WARNING: index close for persona %s: %v", name, err)
		}
	}
}
