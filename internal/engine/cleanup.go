package engine

import (
	"context"
	"log"
	"time"
)

// cleanupScanWindow is how many recent memories each pass inspects.
const cleanupScanWindow = 50

// CleanupSuggestion is one near-duplicate pair surfaced through the
// read-only suggestions resource. The suggester never deletes anything.
type CleanupSuggestion struct {
	Key        string  `json:"key"`
	Duplicate  string  `json:"duplicate_of"`
	Similarity float64 `json:"similarity"`
	Content    string  `json:"content"`
}

// cleanupLoop periodically scans recent writes for near-duplicates.
func (e *Engine) cleanupLoop(ctx context.Context) {
	defer e.workerWG.Done()

	interval := time.Duration(e.cfg.AutoCleanup.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Duration(e.cfg.AutoCleanup.IdleMinutes) * time.Minute
			if lastWrite := e.lastWrite.Load(); lastWrite != 0 && time.Since(nanosToTime(lastWrite)) < idle {
				continue
			}
			if err := e.scanForDuplicates(ctx); err != nil {
				log.Printf("WARNING: cleanup scan failed for persona %s: %v", e.persona, err)
			}
		}
	}
}

// scanForDuplicates ranks near-duplicate pairs among recent memories by
// vector similarity at or above the configured threshold.
func (e *Engine) scanForDuplicates(ctx context.Context) error {
	keys, err := e.store.RecentKeys(ctx, cleanupScanWindow)
	if err != nil {
		return err
	}

	threshold := e.cfg.AutoCleanup.DuplicateThreshold
	report := e.cfg.AutoCleanup.MinSimilarityToReport
	if report <= 0 || report > threshold {
		report = threshold
	}
	maxSuggestions := e.cfg.AutoCleanup.MaxSuggestionsPerRun
	if maxSuggestions <= 0 {
		maxSuggestions = 10
	}

	seen := map[string]bool{}
	var found []CleanupSuggestion
	for _, key := range keys {
		if len(found) >= maxSuggestions {
			break
		}
		record, err := e.store.Get(ctx, key)
		if err != nil {
			continue
		}
		hits, err := e.index.SearchByText(ctx, record.Content, 2, nil)
		if err != nil {
			return err
		}
		for _, hit := range hits {
			if hit.Payload.Key == key {
				continue
			}
			similarity := 1 - hit.Distance
			if similarity < report {
				continue
			}
			pair := pairID(key, hit.Payload.Key)
			if seen[pair] {
				continue
			}
			seen[pair] = true
			found = append(found, CleanupSuggestion{
				Key:        key,
				Duplicate:  hit.Payload.Key,
				Similarity: similarity,
				Content:    record.Content,
			})
		}
	}

	e.suggestionsMu.Lock()
	e.suggestions = found
	e.suggestionsMu.Unlock()
	if len(found) > 0 {
		log.Printf("Cleanup suggester found %d near-duplicate pair(s) for persona %s", len(found), e.persona)
	}
	return nil
}

func pairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Suggestions returns the latest cleanup scan results.
func (e *Engine) Suggestions() []CleanupSuggestion {
	e.suggestionsMu.RLock()
	defer e.suggestionsMu.RUnlock()
	out := make([]CleanupSuggestion, len(e.suggestions))
	copy(out, e.suggestions)
	return out
}
