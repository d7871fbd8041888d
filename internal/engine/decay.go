package engine

import (
	"context"
	"log"

	"github.com/kokoroai/kokoro/pkg/types"
)

// markedForDeletionTag flags low-importance summarized memories as decay
// candidates. Nothing in the core acts on the tag; deletion stays a
// caller decision.
const markedForDeletionTag = "marked_for_deletion"

// DecayedImportance applies the forgetting curve to an importance value.
// Base decay is 1/(1+age_days/30); strong emotions resist it — intensity
// above 0.7 retains 70% of the original importance, above 0.5 retains
// 50%.
func DecayedImportance(importance, ageDays, emotionIntensity float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	decay := 1 / (1 + ageDays/30)

	var resistance float64
	switch {
	case emotionIntensity > 0.7:
		resistance = 0.7
	case emotionIntensity > 0.5:
		resistance = 0.5
	}
	return types.Clamp01(importance * (resistance + (1-resistance)*decay))
}

// ApplyDecay walks every memory, decays its importance in place, and tags
// memories below the threshold that already have a summary_ref as
// deletion candidates. Summary nodes themselves are exempt. Invoked by
// the summarizer and on demand; not a standalone loop.
func (e *Engine) ApplyDecay(ctx context.Context, deletionThreshold float64) error {
	all, err := e.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	now := e.now()

	changed := 0
	for _, record := range all {
		if types.IsSummaryKey(record.Key) {
			continue
		}
		decayed := DecayedImportance(record.Importance, record.AgeDays(now), record.EmotionIntensity)
		mark := deletionThreshold > 0 && decayed < deletionThreshold &&
			record.SummaryRef != "" && !record.HasTag(markedForDeletionTag)
		if decayed == record.Importance && !mark {
			continue
		}
		record.Importance = decayed
		if mark {
			record.Tags = append(record.Tags, markedForDeletionTag)
		}
		if err := e.store.Upsert(ctx, record); err != nil {
			log.Printf("WARNING: decay write failed for %s: %v", record.Key, err)
			continue
		}
		changed++
	}
	if changed > 0 {
		// Point payloads now carry stale importance; the idle rebuild
		// brings the index back in line.
		e.dirty.Store(true)
		log.Printf("Decay applied to %d memories for persona %s", changed, e.persona)
	}
	return nil
}
