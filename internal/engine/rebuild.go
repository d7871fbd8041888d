package engine

import (
	"context"
	"log"
	"time"

	"github.com/kokoroai/kokoro/internal/vector"
)

// rebuildPollInterval is how often the idle rebuilder re-evaluates its
// trigger condition.
const rebuildPollInterval = 5 * time.Second

// rebuildLoop is the idle vector rebuilder daemon. Trigger: the dirty
// flag is set, no write has landed for idle_seconds, and min_interval has
// passed since the previous rebuild.
func (e *Engine) rebuildLoop(ctx context.Context) {
	defer e.workerWG.Done()

	ticker := time.NewTicker(rebuildPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.shouldRebuild(time.Now()) {
				if err := e.Rebuild(ctx); err != nil {
					log.Printf("ERROR: idle vector rebuild failed for persona %s: %v", e.persona, err)
				}
			}
		}
	}
}

func (e *Engine) shouldRebuild(now time.Time) bool {
	if !e.dirty.Load() {
		return false
	}
	idle := time.Duration(e.cfg.VectorRebuild.IdleSeconds) * time.Second
	minInterval := time.Duration(e.cfg.VectorRebuild.MinInterval) * time.Second

	if lastWrite := e.lastWrite.Load(); lastWrite != 0 && now.Sub(nanosToTime(lastWrite)) < idle {
		return false
	}
	if lastRebuild := e.lastRebuild.Load(); lastRebuild != 0 && now.Sub(nanosToTime(lastRebuild)) < minInterval {
		return false
	}
	return true
}

// Rebuild recomputes the vector collection from the durable store and
// swaps it in, clearing the dirty flag on success. Writers are never
// blocked: they keep enqueuing and land in the new collection after the
// swap. Serialized by the rebuild lock.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.rebuildMu.Lock()
	defer e.rebuildMu.Unlock()

	all, err := e.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	docs := make([]vector.RebuildDoc, 0, len(all))
	for _, record := range all {
		docs = append(docs, vector.RebuildDoc{
			Payload:  payloadFor(record),
			Enriched: EnrichedText(record),
		})
	}

	log.Printf("Rebuilding vector index for persona %s (%d memories)...", e.persona, len(docs))
	if err := e.index.Rebuild(ctx, docs); err != nil {
		return err
	}

	e.dirty.Store(false)
	e.lastRebuild.Store(time.Now().UnixNano())
	e.rebuildCount.Add(1)
	log.Printf("Vector index rebuild complete for persona %s", e.persona)
	return nil
}
