package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kokoroai/kokoro/internal/config"
	"github.com/kokoroai/kokoro/internal/embedding"
	"github.com/kokoroai/kokoro/internal/storage"
	"github.com/kokoroai/kokoro/internal/vector"
)

// Reranker reorders search candidates against the original query.
// Implemented by *embedding.Reranker; optional (minimal profile runs
// without one and keeps vector-distance ordering).
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]embedding.RerankResult, error)
	TopN() int
}

// Summarizer produces free-text summaries. Optional LLM hook for the
// auto-summarizer; when absent the statistical summary is used.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Engine is the per-persona memory core: the synchronous durable write
// path, the async vector-store queue with its dirty flag, the search
// orchestrator, and the background workers.
type Engine struct {
	persona string
	cfg     *config.Config
	store   storage.MemoryStore
	tasks   storage.TaskStore
	index   vector.Index

	embedder vector.Embedder
	reranker Reranker
	llm      Summarizer

	queue *vectorQueue

	// dirty marks the vector index as lagging the durable store. Only a
	// successful rebuild clears it.
	dirty        atomic.Bool
	lastWrite    atomic.Int64 // unix nanos
	lastRebuild  atomic.Int64
	lastSummary  atomic.Int64
	rebuildCount atomic.Int64
	rebuildMu    sync.Mutex

	loc *time.Location

	suggestionsMu sync.RWMutex
	suggestions   []CleanupSuggestion

	workerCtx    context.Context
	workerCancel context.CancelFunc
	workerWG     sync.WaitGroup

	mu      sync.RWMutex
	started bool

	// onWrite fires after every successful mutation; used by the
	// dashboard websocket feed.
	onWrite func(operation, key string)
}

// Options wires an Engine. Store, Index, and Embedder are required;
// Tasks, Reranker, and LLM are optional.
type Options struct {
	Persona  string
	Config   *config.Config
	Store    storage.MemoryStore
	Tasks    storage.TaskStore
	Index    vector.Index
	Embedder vector.Embedder
	Reranker Reranker
	LLM      Summarizer
}

// New builds an Engine. Call Start before serving traffic when background
// workers are wanted; the write and search paths work without Start.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("vector index is required")
	}
	if opts.Config == nil {
		opts.Config = config.Defaults()
	}

	loc, err := time.LoadLocation(opts.Config.Timezone)
	if err != nil {
		log.Printf("WARNING: unknown timezone %q, falling back to UTC: %v", opts.Config.Timezone, err)
		loc = time.UTC
	}

	e := &Engine{
		persona:  opts.Persona,
		cfg:      opts.Config,
		store:    opts.Store,
		tasks:    opts.Tasks,
		index:    opts.Index,
		embedder: opts.Embedder,
		reranker: opts.Reranker,
		llm:      opts.LLM,
		loc:      loc,
	}
	e.queue = newVectorQueue(opts.Index, func(err error) {
		e.dirty.Store(true)
		log.Printf("ERROR: vector store task failed for persona %s, dirty flag raised: %v", e.persona, err)
	})
	return e, nil
}

// SetOnWrite registers a callback fired after every successful mutation.
func (e *Engine) SetOnWrite(fn func(operation, key string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onWrite = fn
}

func (e *Engine) notifyWrite(operation, key string) {
	e.mu.RLock()
	fn := e.onWrite
	e.mu.RUnlock()
	if fn != nil {
		fn(operation, key)
	}
}

// Start launches the background workers: the idle vector rebuilder, the
// cleanup suggester, and the auto-summarizer.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	log.Printf("Starting memory engine for persona %s...", e.persona)
	e.workerCtx, e.workerCancel = context.WithCancel(ctx)

	if e.cfg.VectorRebuild.Mode == "idle" {
		e.workerWG.Add(1)
		go e.rebuildLoop(e.workerCtx)
	}
	if e.cfg.AutoCleanup.Enabled {
		e.workerWG.Add(1)
		go e.cleanupLoop(e.workerCtx)
	}
	if e.cfg.Summarization.Enabled {
		e.workerWG.Add(1)
		go e.summarizeLoop(e.workerCtx)
	}

	e.started = true
	return nil
}

// Shutdown stops the workers and drains the vector queue, waiting up to
// five seconds before abandoning pending tasks.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.workerCancel != nil {
		e.workerCancel()
	}
	e.started = false
	e.mu.Unlock()

	e.workerWG.Wait()

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.queue.Close(drainCtx); err != nil {
		log.Printf("WARNING: vector queue did not drain before shutdown: %v", err)
	}

	log.Printf("Memory engine for persona %s shut down", e.persona)
	return nil
}

// Persona returns the persona this engine is bound to.
func (e *Engine) Persona() string {
	return e.persona
}

// Dirty reports whether the vector index is known to lag the store.
func (e *Engine) Dirty() bool {
	return e.dirty.Load()
}

// Metrics is the snapshot surfaced through the kokoro://metrics resource.
type Metrics struct {
	Persona      string    `json:"persona"`
	QueueDepth   int       `json:"queue_depth"`
	Dirty        bool      `json:"dirty"`
	LastWrite    time.Time `json:"last_write,omitempty"`
	LastRebuild  time.Time `json:"last_rebuild,omitempty"`
	RebuildCount int64     `json:"rebuild_count"`
	Workers      bool      `json:"workers_running"`
}

func (e *Engine) Metrics() Metrics {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	return Metrics{
		Persona:      e.persona,
		QueueDepth:   e.queue.Depth(),
		Dirty:        e.dirty.Load(),
		LastWrite:    nanosToTime(e.lastWrite.Load()),
		LastRebuild:  nanosToTime(e.lastRebuild.Load()),
		RebuildCount: e.rebuildCount.Load(),
		Workers:      started,
	}
}

// markWrite refreshes the shared write timestamp observed by the idle
// rebuilder and summarizer.
func (e *Engine) markWrite() {
	e.lastWrite.Store(time.Now().UnixNano())
}

func (e *Engine) now() time.Time {
	return time.Now().In(e.loc)
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// DrainQueue blocks until the vector queue is empty or the context
// expires. Test and shutdown helper.
func (e *Engine) DrainQueue(ctx context.Context) error {
	return e.queue.Drain(ctx)
}
