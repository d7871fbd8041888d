package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoroai/kokoro/pkg/types"
)

func TestSummarizeLinksIncludedMemories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var keys []string
	for i := 0; i < 3; i++ {
		r := f.seed(t, CreateInput{
			Content:    fmt.Sprintf("day %d at the market", i),
			Importance: floatPtr(0.6),
			Tags:       []string{"market"},
		})
		keys = append(keys, r.Key)
	}
	// Below min_importance, stays out of the summary.
	skipped := f.seed(t, CreateInput{Content: "trivial remark", Importance: floatPtr(0.1)})

	summary, err := f.engine.Summarize(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.True(t, types.IsSummaryKey(summary.Key))
	assert.ElementsMatch(t, keys, summary.RelatedKeys)
	assert.Equal(t, types.PrivacyInternal, summary.PrivacyLevel)

	for _, key := range keys {
		got, err := f.store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, summary.Key, got.SummaryRef)
	}
	got, err := f.store.Get(ctx, skipped.Key)
	require.NoError(t, err)
	assert.Empty(t, got.SummaryRef)

	// The summary node lands in the index like any other memory.
	f.drain(t)
	f.index.mu.Lock()
	_, indexed := f.index.points[summary.Key]
	f.index.mu.Unlock()
	assert.True(t, indexed)
}

func TestSummarizeSkipsAlreadySummarized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, CreateInput{Content: "first batch memory", Importance: floatPtr(0.6)})
	first, err := f.engine.Summarize(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Nothing new: no second summary.
	second, err := f.engine.Summarize(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)

	// A new memory starts a fresh window that excludes the covered ones.
	fresh := f.seed(t, CreateInput{Content: "second batch memory", Importance: floatPtr(0.6)})
	third, err := f.engine.Summarize(ctx)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, []string{fresh.Key}, third.RelatedKeys)
}

func TestSummarizeIgnoresOldMemories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -30)
	require.NoError(t, f.store.Upsert(ctx, &types.MemoryRecord{
		Key:        "memory_20250101120000",
		Content:    "long before the window",
		CreatedAt:  old,
		UpdatedAt:  old,
		Importance: 0.9,
	}))

	summary, err := f.engine.Summarize(ctx)
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestStatisticalSummaryContent(t *testing.T) {
	included := []*types.MemoryRecord{
		{Key: "memory_1", Content: "rain walk", Importance: 0.9, Tags: []string{"walk", "rain"}, Emotion: "calm", EmotionIntensity: 0.4},
		{Key: "memory_2", Content: "lunch with a friend", Importance: 0.5, Tags: []string{"food"}, Emotion: "joy", EmotionIntensity: 0.8},
		{Key: "memory_3", Content: "overtime again", Importance: 0.3, Tags: []string{"work"}, Emotion: "joy", EmotionIntensity: 0.6},
	}

	text := statisticalSummary(included)
	assert.True(t, strings.HasPrefix(text, "Summary of 3 memories."))
	assert.Contains(t, text, "Dominant emotion: joy")
	assert.Contains(t, text, "Average importance: 0.57")
	assert.Contains(t, text, "rain walk")
}

func TestDominantEmotionHighestAverageIntensity(t *testing.T) {
	included := []*types.MemoryRecord{
		{Emotion: "joy", EmotionIntensity: 0.9},
		{Emotion: "joy", EmotionIntensity: 0.1}, // avg 0.5
		{Emotion: "fear", EmotionIntensity: 0.6},
	}
	emotion, intensity := dominantEmotion(included)
	assert.Equal(t, "fear", emotion)
	assert.InDelta(t, 0.6, intensity, 1e-9)

	emotion, intensity = dominantEmotion([]*types.MemoryRecord{{Content: "no emotion"}})
	assert.Empty(t, emotion)
	assert.Zero(t, intensity)
}

func TestTopTagsOrderedByFrequency(t *testing.T) {
	included := []*types.MemoryRecord{
		{Tags: []string{"b", "a"}},
		{Tags: []string{"b", "c"}},
		{Tags: []string{"b", "a"}},
	}
	assert.Equal(t, []string{"b", "a", "c"}, topTags(included, 5))
	assert.Equal(t, []string{"b"}, topTags(included, 1))
}

func TestSnippetRuneSafe(t *testing.T) {
	assert.Equal(t, "short", snippet("short", 10))
	assert.Equal(t, "これは長い…", snippet("これは長い日本語の文章です", 5))
}

func TestShouldSummarizeGating(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	// No writes yet.
	assert.False(t, f.engine.shouldSummarize(now))

	// Recent write: still within the idle window.
	f.engine.lastWrite.Store(now.Add(-time.Minute).UnixNano())
	assert.False(t, f.engine.shouldSummarize(now))

	// Idle long enough.
	f.engine.lastWrite.Store(now.Add(-time.Hour).UnixNano())
	assert.True(t, f.engine.shouldSummarize(now))

	// But not twice within frequency_days.
	f.engine.lastSummary.Store(now.Add(-time.Hour).UnixNano())
	assert.False(t, f.engine.shouldSummarize(now))
	f.engine.lastSummary.Store(now.AddDate(0, 0, -2).UnixNano())
	assert.True(t, f.engine.shouldSummarize(now))
}
