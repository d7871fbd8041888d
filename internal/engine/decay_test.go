package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoroai/kokoro/pkg/types"
)

func TestDecayedImportanceCurve(t *testing.T) {
	// Halfway point of the curve: at 30 days, decay = 1/2.
	assert.InDelta(t, 0.4, DecayedImportance(0.8, 30, 0), 1e-9)
	// Fresh memories keep their importance.
	assert.InDelta(t, 0.8, DecayedImportance(0.8, 0, 0), 1e-9)
	// Negative ages clamp to zero.
	assert.InDelta(t, 0.8, DecayedImportance(0.8, -5, 0), 1e-9)
}

func TestDecayMonotonicInAge(t *testing.T) {
	prev := DecayedImportance(0.9, 0, 0.3)
	for age := 1.0; age <= 365; age += 7 {
		cur := DecayedImportance(0.9, age, 0.3)
		assert.LessOrEqual(t, cur, prev, "decay must not increase with age (age=%v)", age)
		prev = cur
	}
}

func TestEmotionalResistanceTiers(t *testing.T) {
	const age = 90.0
	weak := DecayedImportance(0.8, age, 0.3)
	medium := DecayedImportance(0.8, age, 0.6)
	strong := DecayedImportance(0.8, age, 0.8)

	assert.Less(t, weak, medium)
	assert.Less(t, medium, strong)

	// Intense memories never fall below their resistance floor.
	floor := DecayedImportance(0.8, 1e9, 0.8)
	assert.GreaterOrEqual(t, floor, 0.8*0.7-1e-9)
}

func TestApplyDecayMarksSummarizedLowImportance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, -6, 0)

	summarized := &types.MemoryRecord{
		Key:        "memory_20250101120000",
		Content:    "faded summarized memory",
		CreatedAt:  old,
		UpdatedAt:  old,
		Importance: 0.4,
		SummaryRef: "summary_20250601120000",
	}
	unsummarized := &types.MemoryRecord{
		Key:        "memory_20250101120001",
		Content:    "faded loose memory",
		CreatedAt:  old,
		UpdatedAt:  old,
		Importance: 0.4,
	}
	summary := &types.MemoryRecord{
		Key:        "summary_20250601120000",
		Content:    "the summary itself",
		CreatedAt:  old,
		UpdatedAt:  old,
		Importance: 0.4,
	}
	for _, r := range []*types.MemoryRecord{summarized, unsummarized, summary} {
		require.NoError(t, f.store.Upsert(ctx, r))
	}

	require.NoError(t, f.engine.ApplyDecay(ctx, 0.2))

	got, err := f.store.Get(ctx, summarized.Key)
	require.NoError(t, err)
	assert.Less(t, got.Importance, 0.2)
	assert.True(t, got.HasTag(markedForDeletionTag))

	// No summary_ref means no deletion mark, decay still applies.
	got, err = f.store.Get(ctx, unsummarized.Key)
	require.NoError(t, err)
	assert.Less(t, got.Importance, 0.4)
	assert.False(t, got.HasTag(markedForDeletionTag))

	// Summary nodes are exempt entirely.
	got, err = f.store.Get(ctx, summary.Key)
	require.NoError(t, err)
	assert.Equal(t, 0.4, got.Importance)

	// Changed rows leave the index stale until the next rebuild.
	assert.True(t, f.engine.Metrics().Dirty)
}

func TestApplyDecayIdempotentMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := time.Now().AddDate(-1, 0, 0)

	record := &types.MemoryRecord{
		Key:        "memory_20240101120000",
		Content:    "already marked",
		CreatedAt:  old,
		UpdatedAt:  old,
		Importance: 0.1,
		SummaryRef: "summary_20240601120000",
		Tags:       []string{markedForDeletionTag},
	}
	require.NoError(t, f.store.Upsert(ctx, record))

	require.NoError(t, f.engine.ApplyDecay(ctx, 0.2))
	require.NoError(t, f.engine.ApplyDecay(ctx, 0.2))

	got, err := f.store.Get(ctx, record.Key)
	require.NoError(t, err)
	count := 0
	for _, tag := range got.Tags {
		if tag == markedForDeletionTag {
			count++
		}
	}
	assert.Equal(t, 1, count, "mark applied at most once")
}
