package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/kokoroai/kokoro/internal/storage"
	"github.com/kokoroai/kokoro/pkg/types"
)

const (
	defaultTopK = 5
	maxTopK     = 50

	defaultFuzzyThreshold = 70
)

// SearchOptions configures one search call.
type SearchOptions struct {
	Query string

	// Mode is one of keyword, semantic, hybrid, related, smart.
	// Defaults to hybrid.
	Mode string

	// TopK bounds the result count; defaults to 5, capped at 50.
	TopK int

	// FuzzyMatch enables edit-distance matching in keyword mode.
	FuzzyMatch bool
	// FuzzyThreshold is the minimum similarity percentage (default 70).
	FuzzyThreshold int

	// ImportanceWeight and RecencyWeight feed the composite score.
	// Both default to 0 (similarity or rerank score alone).
	ImportanceWeight float64
	RecencyWeight    float64

	// RelatedTo is the seed key for related mode.
	RelatedTo string

	Filters *Filters

	// Admin permits secret-level results.
	Admin bool
}

// SearchResult is one scored match.
type SearchResult struct {
	Record *types.MemoryRecord `json:"record"`

	// Score is the composite relevance, larger is better.
	Score float64 `json:"score"`

	// Distance is the 1−cosine distance equivalent (keyword matches get
	// 1 − match/100).
	Distance float64 `json:"distance"`

	// MatchType records which path produced the candidate: keyword,
	// fuzzy, semantic, or related.
	MatchType string `json:"match_type"`
}

// Search dispatches to the requested mode, applies metadata and privacy
// filters, and ranks by the composite score.
func (e *Engine) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.TopK > maxTopK {
		opts.TopK = maxTopK
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = defaultFuzzyThreshold
	}

	var (
		candidates []SearchResult
		err        error
	)
	switch strings.ToLower(opts.Mode) {
	case "keyword":
		candidates, err = e.keywordSearch(ctx, opts)
	case "semantic":
		candidates, err = e.semanticSearch(ctx, opts)
	case "related":
		candidates, err = e.relatedSearch(ctx, opts)
	case "smart":
		return e.smartSearch(ctx, opts)
	case "", "hybrid":
		candidates, err = e.hybridSearch(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: unknown search mode %q", storage.ErrInvalidInput, opts.Mode)
	}
	if err != nil {
		return nil, err
	}
	return e.finalize(candidates, opts), nil
}

// keywordSearch is a case-insensitive substring scan over the durable
// store, optionally widened by edit-distance similarity.
func (e *Engine) keywordSearch(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	all, err := e.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	queryLower := strings.ToLower(opts.Query)
	var results []SearchResult
	for _, record := range all {
		if opts.Query == "" {
			results = append(results, SearchResult{Record: record, Distance: 1, MatchType: "keyword"})
			continue
		}
		if strings.Contains(strings.ToLower(record.Content), queryLower) {
			results = append(results, SearchResult{Record: record, Distance: 0, MatchType: "keyword"})
			continue
		}
		if opts.FuzzyMatch {
			if pct := fuzzyScore(queryLower, strings.ToLower(record.Content)); pct >= opts.FuzzyThreshold {
				results = append(results, SearchResult{
					Record:    record,
					Distance:  1 - float64(pct)/100,
					MatchType: "fuzzy",
				})
			}
		}
	}
	return results, nil
}

// fuzzyScore returns the best edit-distance similarity percentage of the
// query against any word window of the content.
func fuzzyScore(query, content string) int {
	best := 0
	for _, word := range strings.Fields(content) {
		longest := len([]rune(word))
		if q := len([]rune(query)); q > longest {
			longest = q
		}
		if longest == 0 {
			continue
		}
		dist := levenshtein.ComputeDistance(query, word)
		pct := int(math.Round(100 * (1 - float64(dist)/float64(longest))))
		if pct > best {
			best = pct
		}
	}
	return best
}

// semanticSearch embeds the query, consults the vector index with the
// pushdown-expressible filter subset, reranks, and resolves candidates
// against the durable store (the source of truth).
func (e *Engine) semanticSearch(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	fetchK := opts.TopK * 3
	if e.cfg.ProgressiveSearch.MaxSemanticTopK > 0 && fetchK > e.cfg.ProgressiveSearch.MaxSemanticTopK {
		fetchK = e.cfg.ProgressiveSearch.MaxSemanticTopK
	}
	if fetchK < opts.TopK {
		fetchK = opts.TopK
	}

	hits, err := e.index.SearchByText(ctx, opts.Query, fetchK, opts.Filters.vectorFilter())
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	var results []SearchResult
	for _, hit := range hits {
		record, err := e.store.Get(ctx, hit.Payload.Key)
		if err != nil {
			// Stale point: the store is the source of truth.
			continue
		}
		results = append(results, SearchResult{Record: record, Distance: hit.Distance, MatchType: "semantic"})
	}
	return e.rerank(ctx, opts.Query, results), nil
}

// hybridSearch unions keyword and semantic candidates by key, keeping the
// better (smaller) distance for duplicates, then reranks the union. With
// keyword_first enabled the semantic leg only runs when the keyword scan
// came back thin.
func (e *Engine) hybridSearch(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	keyword, err := e.keywordSearch(ctx, opts)
	if err != nil {
		return nil, err
	}
	if ps := e.cfg.ProgressiveSearch; ps.KeywordFirst && ps.KeywordThreshold > 0 && len(keyword) >= ps.KeywordThreshold {
		return e.rerank(ctx, opts.Query, keyword), nil
	}
	semantic, err := e.semanticSearch(ctx, opts)
	if err != nil {
		// keyword mode still works when the model is unavailable
		log.Printf("WARNING: semantic leg of hybrid search failed: %v", err)
		semantic = nil
	}

	merged := make(map[string]SearchResult, len(keyword)+len(semantic))
	for _, r := range keyword {
		merged[r.Record.Key] = r
	}
	for _, r := range semantic {
		if prev, ok := merged[r.Record.Key]; !ok || r.Distance < prev.Distance {
			merged[r.Record.Key] = r
		}
	}
	union := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		union = append(union, r)
	}
	return e.rerank(ctx, opts.Query, union), nil
}

// relatedSearch finds neighbors of a seed memory, excluding the seed.
func (e *Engine) relatedSearch(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	if opts.RelatedTo == "" {
		return nil, fmt.Errorf("%w: related mode requires a seed key", storage.ErrInvalidInput)
	}
	seed, err := e.store.Get(ctx, opts.RelatedTo)
	if err != nil {
		return nil, err
	}

	hits, err := e.index.SearchByText(ctx, seed.Content, opts.TopK+1, opts.Filters.vectorFilter())
	if err != nil {
		return nil, fmt.Errorf("related search: %w", err)
	}

	var results []SearchResult
	for _, hit := range hits {
		if hit.Payload.Key == seed.Key {
			continue
		}
		record, err := e.store.Get(ctx, hit.Payload.Key)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{Record: record, Distance: hit.Distance, MatchType: "related"})
	}
	return results, nil
}

// rerank applies the cross-encoder when configured; the rerank score
// replaces the distance-derived base similarity.
func (e *Engine) rerank(ctx context.Context, query string, results []SearchResult) []SearchResult {
	if e.reranker == nil || query == "" || len(results) == 0 {
		return results
	}
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Record.Content
	}
	scored, err := e.reranker.Rerank(ctx, query, texts)
	if err != nil {
		log.Printf("WARNING: rerank failed, keeping distance order: %v", err)
		return results
	}

	reranked := make([]SearchResult, 0, len(scored))
	for _, s := range scored {
		r := results[s.Index]
		r.Distance = 1 - s.Score
		reranked = append(reranked, r)
	}
	return reranked
}

// finalize applies metadata and privacy filters, computes the composite
// score, sorts, and truncates to TopK.
func (e *Engine) finalize(candidates []SearchResult, opts SearchOptions) []SearchResult {
	now := e.now()
	maxLevel := types.PrivacyLevel(e.cfg.Privacy.SearchMaxLevel)

	var out []SearchResult
	for _, r := range candidates {
		if !e.privacyVisible(r.Record, maxLevel, opts.Admin) {
			continue
		}
		if !opts.Filters.Match(r.Record, now, e.loc) {
			continue
		}
		base := 1 - r.Distance
		r.Score = base +
			opts.ImportanceWeight*r.Record.Importance +
			opts.RecencyWeight*math.Exp(-r.Record.AgeDays(now)/30)
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Record.CreatedAt.Equal(out[j].Record.CreatedAt) {
			return out[i].Record.CreatedAt.After(out[j].Record.CreatedAt)
		}
		return out[i].Record.Key < out[j].Record.Key
	})

	if len(out) > opts.TopK {
		out = out[:opts.TopK]
	}
	return out
}

// privacyVisible prunes results above the configured search ceiling.
// The admin flag bypasses the ceiling; without it, secret is never
// returned regardless of configuration.
func (e *Engine) privacyVisible(record *types.MemoryRecord, maxLevel types.PrivacyLevel, admin bool) bool {
	if admin {
		return true
	}
	if record.PrivacyLevel == types.PrivacySecret {
		return false
	}
	return record.PrivacyLevel.Rank() <= maxLevel.Rank()
}
