package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoroai/kokoro/pkg/types"
)

func jst(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	return loc
}

func TestParseDateRangeRelative(t *testing.T) {
	loc := jst(t)
	// Wednesday.
	now := time.Date(2025, 6, 18, 15, 30, 0, 0, loc)
	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}

	tests := []struct {
		expr  string
		start time.Time
		end   time.Time
	}{
		{"today", day(2025, 6, 18), day(2025, 6, 19)},
		{"今日", day(2025, 6, 18), day(2025, 6, 19)},
		{"yesterday", day(2025, 6, 17), day(2025, 6, 18)},
		{"昨日", day(2025, 6, 17), day(2025, 6, 18)},
		// weeks start Monday
		{"this week", day(2025, 6, 16), day(2025, 6, 23)},
		{"今週", day(2025, 6, 16), day(2025, 6, 23)},
		{"last week", day(2025, 6, 9), day(2025, 6, 16)},
		{"先週", day(2025, 6, 9), day(2025, 6, 16)},
		{"this month", day(2025, 6, 1), day(2025, 7, 1)},
		{"last month", day(2025, 5, 1), day(2025, 6, 1)},
		{"先月", day(2025, 5, 1), day(2025, 6, 1)},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			start, end, ok := ParseDateRange(tc.expr, now, loc)
			require.True(t, ok)
			assert.True(t, start.Equal(tc.start), "start %v != %v", start, tc.start)
			assert.True(t, end.Equal(tc.end), "end %v != %v", end, tc.end)
		})
	}
}

func TestParseDateRangeAbsolute(t *testing.T) {
	loc := jst(t)
	now := time.Date(2025, 6, 18, 15, 30, 0, 0, loc)

	start, end, ok := ParseDateRange("2025-01-02", now, loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, loc), start)
	assert.Equal(t, time.Date(2025, 1, 3, 0, 0, 0, 0, loc), end)

	// span end day is inclusive
	start, end, ok = ParseDateRange("2025-01-01..2025-01-31", now, loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, loc), start)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, loc), end)

	_, _, ok = ParseDateRange("2025/06/18", now, loc)
	assert.True(t, ok, "slash layout accepted")
	_, _, ok = ParseDateRange("20250618", now, loc)
	assert.True(t, ok, "compact layout accepted")
}

func TestParseDateRangeUnrecognized(t *testing.T) {
	loc := jst(t)
	now := time.Now()

	_, _, ok := ParseDateRange("sometime soon", now, loc)
	assert.False(t, ok)
	_, _, ok = ParseDateRange("2025-01-31..2025-01-01", now, loc)
	assert.False(t, ok, "inverted span rejected")
}

func TestFiltersMatchConjunction(t *testing.T) {
	loc := jst(t)
	now := time.Date(2025, 6, 18, 15, 0, 0, 0, loc)
	record := &types.MemoryRecord{
		Key:           "memory_20250618120000",
		Content:       "walked in the rain",
		CreatedAt:     time.Date(2025, 6, 18, 12, 0, 0, 0, loc),
		Importance:    0.6,
		Emotion:       "calm",
		ActionTag:     "walk",
		Environment:   "park",
		PhysicalState: "tired",
		Tags:          []string{"walk", "rain"},
		EquippedItems: map[string]string{"hand": "red umbrella"},
	}

	tests := []struct {
		name   string
		filter Filters
		want   bool
	}{
		{"nil-equivalent empty", Filters{}, true},
		{"emotion match", Filters{Emotion: "calm"}, true},
		{"emotion mismatch", Filters{Emotion: "joy"}, false},
		{"importance floor met", Filters{MinImportance: floatPtr(0.5)}, true},
		{"importance floor unmet", Filters{MinImportance: floatPtr(0.7)}, false},
		{"key match", Filters{Key: "memory_20250618120000"}, true},
		{"key mismatch", Filters{Key: "memory_20250101000000"}, false},
		{"all conjuncts", Filters{Emotion: "calm", ActionTag: "walk", Environment: "park", DateRange: "today"}, true},
		{"one conjunct failing", Filters{Emotion: "calm", ActionTag: "run"}, false},
		{"date range excludes", Filters{DateRange: "yesterday"}, false},
		{"equipped by name substring", Filters{EquippedItem: "umbrella"}, true},
		{"equipped by slot", Filters{EquippedItem: "hand"}, true},
		{"equipped miss", Filters{EquippedItem: "sword"}, false},
		{"physical state", Filters{PhysicalState: "tired"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Match(record, now, loc))
		})
	}
}

func TestFiltersNilMatchesEverything(t *testing.T) {
	var f *Filters
	assert.True(t, f.Match(&types.MemoryRecord{}, time.Now(), time.UTC))
	assert.Nil(t, f.vectorFilter())
}

func TestVectorFilterPushdownSubset(t *testing.T) {
	f := &Filters{
		Emotion:       "joy",
		MinImportance: floatPtr(0.3),
		Tags:          []string{"a", "b"},
		TagMatchMode:  "any",
		// not pushdown-expressible, post-filter only
		PhysicalState: "tired",
		DateRange:     "today",
	}
	vf := f.vectorFilter()
	require.NotNil(t, vf)
	assert.Equal(t, "joy", vf.Equals["emotion"])
	require.NotNil(t, vf.Importance)
	assert.Equal(t, 0.3, *vf.Importance.Min)
	assert.Equal(t, []string{"a", "b"}, vf.TagsAny)

	// "all" tag semantics stay out of the pushdown
	f.TagMatchMode = "all"
	vf = f.vectorFilter()
	require.NotNil(t, vf)
	assert.Empty(t, vf.TagsAny)

	// a filter with no expressible condition pushes down nothing
	assert.Nil(t, (&Filters{DateRange: "today"}).vectorFilter())
}
