package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/kokoroai/kokoro/pkg/types"
)

// summaryWindowDays is the lookback window the auto-summarizer selects
// memories from.
const summaryWindowDays = 7

// summaryHighlights is how many top-importance contents a statistical
// summary quotes.
const summaryHighlights = 3

// decayDeletionThreshold marks summarized memories below this importance
// as deletion candidates during the post-summary decay pass.
const decayDeletionThreshold = 0.2

// summarizeLoop runs the auto-summarizer: after idle_minutes of write
// inactivity and at most every frequency_days it condenses the recent
// window into a summary node, then applies decay.
func (e *Engine) summarizeLoop(ctx context.Context) {
	defer e.workerWG.Done()

	interval := time.Duration(e.cfg.Summarization.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.shouldSummarize(time.Now()) {
				continue
			}
			if _, err := e.Summarize(ctx); err != nil {
				log.Printf("WARNING: auto-summarize failed for persona %s: %v", e.persona, err)
				continue
			}
			if err := e.ApplyDecay(ctx, decayDeletionThreshold); err != nil {
				log.Printf("WARNING: post-summary decay failed for persona %s: %v", e.persona, err)
			}
		}
	}
}

func (e *Engine) shouldSummarize(now time.Time) bool {
	idle := time.Duration(e.cfg.Summarization.IdleMinutes) * time.Minute
	if lastWrite := e.lastWrite.Load(); lastWrite == 0 || now.Sub(nanosToTime(lastWrite)) < idle {
		return false
	}
	frequency := time.Duration(e.cfg.Summarization.FrequencyDays) * 24 * time.Hour
	if lastSummary := e.lastSummary.Load(); lastSummary != 0 && now.Sub(nanosToTime(lastSummary)) < frequency {
		return false
	}
	return true
}

// Summarize condenses the recent window into a summary node: memories
// from the last week with importance at or above min_importance, not yet
// covered by a summary. The node's related_keys is exactly the included
// set, and every included memory gets summary_ref pointed at the node.
// Returns (nil, nil) when the window has no candidates.
func (e *Engine) Summarize(ctx context.Context) (*types.MemoryRecord, error) {
	all, err := e.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	cutoff := now.AddDate(0, 0, -summaryWindowDays)

	var included []*types.MemoryRecord
	for _, record := range all {
		if types.IsSummaryKey(record.Key) || record.SummaryRef != "" {
			continue
		}
		if record.CreatedAt.Before(cutoff) {
			continue
		}
		if record.Importance < e.cfg.Summarization.MinImportance {
			continue
		}
		included = append(included, record)
	}
	if len(included) == 0 {
		return nil, nil
	}
	sort.Slice(included, func(i, j int) bool {
		return included[i].CreatedAt.Before(included[j].CreatedAt)
	})

	content, err := e.summaryContent(ctx, included)
	if err != nil {
		return nil, err
	}

	emotion, intensity := dominantEmotion(included)
	summary := &types.MemoryRecord{
		Key:              types.NewSummaryKey(now),
		Content:          content,
		CreatedAt:        now,
		UpdatedAt:        now,
		Tags:             topTags(included, 5),
		Importance:       averageImportance(included),
		Emotion:          emotion,
		EmotionIntensity: intensity,
		RelatedKeys:      keysOf(included),
		PrivacyLevel:     types.PrivacyInternal,
	}
	if err := e.store.Upsert(ctx, summary); err != nil {
		e.logOp("summarize", summary.Key, nil, nil, err)
		return nil, fmt.Errorf("failed to store summary: %w", err)
	}
	e.logOp("summarize", summary.Key, nil, summary, nil)

	for _, record := range included {
		record.SummaryRef = summary.Key
		if err := e.store.Upsert(ctx, record); err != nil {
			log.Printf("WARNING: summary_ref write failed for %s: %v", record.Key, err)
		}
	}

	e.queue.EnqueueUpsert(payloadFor(summary), EnrichedText(summary))
	e.lastSummary.Store(now.UnixNano())
	e.notifyWrite("summarize", summary.Key)
	log.Printf("Summary %s covers %d memories for persona %s", summary.Key, len(included), e.persona)
	return summary, nil
}

// summaryContent builds the node text: by LLM when configured, otherwise
// a statistical digest of tags, dominant emotion, importance, and the
// top-scoring highlights.
func (e *Engine) summaryContent(ctx context.Context, included []*types.MemoryRecord) (string, error) {
	if e.cfg.Summarization.UseLLM && e.llm != nil {
		var sb strings.Builder
		sb.WriteString("Summarize the following memories in a few sentences, keeping concrete details:\n")
		for _, record := range included {
			sb.WriteString("- " + record.Content + "\n")
		}
		text, err := e.llm.Summarize(ctx, sb.String())
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
		log.Printf("WARNING: LLM summary failed, falling back to statistical: %v", err)
	}
	return statisticalSummary(included), nil
}

func statisticalSummary(included []*types.MemoryRecord) string {
	emotion, intensity := dominantEmotion(included)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary of %d memories.", len(included))
	if tags := topTags(included, 5); len(tags) > 0 {
		fmt.Fprintf(&sb, " Main topics: %s.", strings.Join(tags, ", "))
	}
	if emotion != "" {
		fmt.Fprintf(&sb, " Dominant emotion: %s (avg intensity %.2f).", emotion, intensity)
	}
	fmt.Fprintf(&sb, " Average importance: %.2f.", averageImportance(included))

	highlights := append([]*types.MemoryRecord(nil), included...)
	sort.Slice(highlights, func(i, j int) bool {
		return highlights[i].Importance > highlights[j].Importance
	})
	if len(highlights) > summaryHighlights {
		highlights = highlights[:summaryHighlights]
	}
	sb.WriteString(" Highlights:")
	for _, record := range highlights {
		sb.WriteString(" " + snippet(record.Content, 80) + ";")
	}
	return strings.TrimSuffix(sb.String(), ";")
}

// dominantEmotion groups by emotion label and picks the one with the
// highest average intensity.
func dominantEmotion(included []*types.MemoryRecord) (string, float64) {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, record := range included {
		if record.Emotion == "" {
			continue
		}
		sums[record.Emotion] += record.EmotionIntensity
		counts[record.Emotion]++
	}

	best, bestAvg := "", -1.0
	for emotion, sum := range sums {
		avg := sum / float64(counts[emotion])
		if avg > bestAvg || (avg == bestAvg && emotion < best) {
			best, bestAvg = emotion, avg
		}
	}
	if best == "" {
		return "", 0
	}
	return best, bestAvg
}

func topTags(included []*types.MemoryRecord, n int) []string {
	counts := map[string]int{}
	for _, record := range included {
		for _, tag := range record.Tags {
			counts[tag]++
		}
	}
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > n {
		tags = tags[:n]
	}
	return tags
}

func averageImportance(included []*types.MemoryRecord) float64 {
	var sum float64
	for _, record := range included {
		sum += record.Importance
	}
	return types.Clamp01(sum / float64(len(included)))
}

func keysOf(included []*types.MemoryRecord) []string {
	keys := make([]string, len(included))
	for i, record := range included {
		keys[i] = record.Key
	}
	return keys
}

func snippet(content string, max int) string {
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "…"
}
