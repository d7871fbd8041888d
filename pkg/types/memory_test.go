package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidMemoryKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"canonical", "memory_20250108123045", true},
		{"with suffix", "memory_20250108123045_2", true},
		{"summary", "summary_20250108", true},
		{"too short timestamp", "memory_2025", false},
		{"wrong prefix", "mem_20250108123045", false},
		{"empty", "", false},
		{"bare summary prefix", "summary_", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidMemoryKey(tt.key))
		})
	}
}

func TestNewMemoryKey(t *testing.T) {
	now := time.Date(2025, 1, 8, 12, 30, 45, 0, time.UTC)
	assert.Equal(t, "memory_20250108123045", NewMemoryKey(now))
	assert.Equal(t, "memory_20250108123045_3", NewMemoryKeySuffix(now, 3))
	assert.True(t, IsSummaryKey(NewSummaryKey(now)))
}

func TestNormalizeClampsRanges(t *testing.T) {
	m := &MemoryRecord{Importance: 1.7, EmotionIntensity: -0.3}
	m.Normalize()
	assert.Equal(t, 1.0, m.Importance)
	assert.Equal(t, 0.0, m.EmotionIntensity)
	assert.Equal(t, PrivacyInternal, m.PrivacyLevel)
}

func TestPrivacyOrdering(t *testing.T) {
	require.Less(t, PrivacyPublic.Rank(), PrivacyInternal.Rank())
	require.Less(t, PrivacyInternal.Rank(), PrivacyPrivate.Rank())
	require.Less(t, PrivacyPrivate.Rank(), PrivacySecret.Rank())
	// Unknown levels must not widen to public.
	assert.Equal(t, PrivacyInternal.Rank(), PrivacyLevel("bogus").Rank())
}

func TestTagMatching(t *testing.T) {
	m := &MemoryRecord{Tags: []string{"a", "b"}}
	assert.True(t, m.HasAllTags([]string{"a", "b"}))
	assert.False(t, m.HasAllTags([]string{"a", "b", "c"}))
	assert.True(t, m.HasAnyTag([]string{"c", "b"}))
	assert.False(t, m.HasAnyTag([]string{"c", "d"}))
	assert.True(t, m.HasAllTags(nil))
}

func TestGoalAutoCompletion(t *testing.T) {
	now := time.Now()
	g := &Goal{Content: "ship it", Status: TaskActive}

	g.ApplyProgress(50, now)
	assert.Equal(t, TaskActive, g.Status)
	assert.Nil(t, g.CompletedAt)

	g.ApplyProgress(120, now)
	assert.Equal(t, TaskCompleted, g.Status)
	assert.Equal(t, 100, g.Progress)
	require.NotNil(t, g.CompletedAt)
	assert.Equal(t, now, *g.CompletedAt)
}
