package engine

import (
	"strings"
	"time"

	"github.com/kokoroai/kokoro/internal/vector"
	"github.com/kokoroai/kokoro/pkg/types"
)

// Filters is the metadata post-filter applied to search candidates. Any
// combination may be set; conditions are conjunctions. Equality on
// emotion/action/environment, the importance floor, and tag-any matching
// are also pushed down into the vector index when expressible.
type Filters struct {
	// DateRange accepts relative phrases in English and Japanese
	// ("yesterday", "先週"), absolute dates ("2025-01-02"), and spans
	// ("2025-01-01..2025-01-31").
	DateRange string

	MinImportance *float64

	Emotion            string
	ActionTag          string
	Environment        string
	PhysicalState      string
	MentalState        string
	RelationshipStatus string

	// EquippedItem is a substring match on the snapshotted equipment map
	// (either slot or item name).
	EquippedItem string

	Tags         []string
	TagMatchMode string // "any" (default) or "all"

	Key string
}

func (f *Filters) empty() bool {
	return f == nil || (f.DateRange == "" && f.MinImportance == nil &&
		f.Emotion == "" && f.ActionTag == "" && f.Environment == "" &&
		f.PhysicalState == "" && f.MentalState == "" && f.RelationshipStatus == "" &&
		f.EquippedItem == "" && len(f.Tags) == 0 && f.Key == "")
}

// Match evaluates the filter against one record.
func (f *Filters) Match(record *types.MemoryRecord, now time.Time, loc *time.Location) bool {
	if f.empty() {
		return true
	}
	if f.Key != "" && record.Key != f.Key {
		return false
	}
	if f.MinImportance != nil && record.Importance < *f.MinImportance {
		return false
	}
	if f.Emotion != "" && record.Emotion != f.Emotion {
		return false
	}
	if f.ActionTag != "" && record.ActionTag != f.ActionTag {
		return false
	}
	if f.Environment != "" && record.Environment != f.Environment {
		return false
	}
	if f.PhysicalState != "" && record.PhysicalState != f.PhysicalState {
		return false
	}
	if f.MentalState != "" && record.MentalState != f.MentalState {
		return false
	}
	if f.RelationshipStatus != "" && record.RelationshipStatus != f.RelationshipStatus {
		return false
	}
	if f.EquippedItem != "" && !matchEquipped(record.EquippedItems, f.EquippedItem) {
		return false
	}
	if len(f.Tags) > 0 {
		if strings.EqualFold(f.TagMatchMode, "all") {
			if !record.HasAllTags(f.Tags) {
				return false
			}
		} else {
			if !record.HasAnyTag(f.Tags) {
				return false
			}
		}
	}
	if f.DateRange != "" {
		start, end, ok := ParseDateRange(f.DateRange, now, loc)
		if ok {
			created := record.CreatedAt.In(loc)
			if created.Before(start) || !created.Before(end) {
				return false
			}
		}
	}
	return true
}

func matchEquipped(items map[string]string, want string) bool {
	want = strings.ToLower(want)
	for slot, name := range items {
		if strings.Contains(strings.ToLower(slot), want) || strings.Contains(strings.ToLower(name), want) {
			return true
		}
	}
	return false
}

// vectorFilter renders the pushdown-expressible subset for the index;
// the full filter is still applied as a post-filter.
func (f *Filters) vectorFilter() *vector.Filter {
	if f.empty() {
		return nil
	}
	vf := &vector.Filter{}
	if f.Emotion != "" || f.ActionTag != "" || f.Environment != "" {
		vf.Equals = map[string]string{}
		if f.Emotion != "" {
			vf.Equals["emotion"] = f.Emotion
		}
		if f.ActionTag != "" {
			vf.Equals["action_tag"] = f.ActionTag
		}
		if f.Environment != "" {
			vf.Equals["environment"] = f.Environment
		}
	}
	if f.MinImportance != nil {
		vf.Importance = &vector.Range{Min: f.MinImportance}
	}
	// "all" semantics cannot be pushed down as a disjunction; post-filter
	// handles it.
	if len(f.Tags) > 0 && !strings.EqualFold(f.TagMatchMode, "all") {
		vf.TagsAny = f.Tags
	}
	if vf.Empty() {
		return nil
	}
	return vf
}

// relative date phrases in English and Japanese. Each resolves to a
// half-open [start, end) window in the service timezone.
var relativeRanges = map[string]func(today time.Time) (time.Time, time.Time){
	"today":      func(d time.Time) (time.Time, time.Time) { return d, d.AddDate(0, 0, 1) },
	"今日":         func(d time.Time) (time.Time, time.Time) { return d, d.AddDate(0, 0, 1) },
	"yesterday":  func(d time.Time) (time.Time, time.Time) { return d.AddDate(0, 0, -1), d },
	"昨日":         func(d time.Time) (time.Time, time.Time) { return d.AddDate(0, 0, -1), d },
	"this week":  weekOf(0),
	"今週":         weekOf(0),
	"last week":  weekOf(-1),
	"先週":         weekOf(-1),
	"this month": monthOf(0),
	"今月":         monthOf(0),
	"last month": monthOf(-1),
	"先月":         monthOf(-1),
}

func weekOf(offset int) func(time.Time) (time.Time, time.Time) {
	return func(d time.Time) (time.Time, time.Time) {
		// Weeks start on Monday.
		weekday := (int(d.Weekday()) + 6) % 7
		start := d.AddDate(0, 0, -weekday+offset*7)
		return start, start.AddDate(0, 0, 7)
	}
}

func monthOf(offset int) func(time.Time) (time.Time, time.Time) {
	return func(d time.Time) (time.Time, time.Time) {
		start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, d.Location()).AddDate(0, offset, 0)
		return start, start.AddDate(0, 1, 0)
	}
}

// ParseDateRange resolves a date-range expression to a half-open
// [start, end) window. Returns ok=false when the expression is not
// recognized; callers treat that as "no date constraint".
func ParseDateRange(expr string, now time.Time, loc *time.Location) (time.Time, time.Time, bool) {
	expr = strings.TrimSpace(expr)
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	if fn, ok := relativeRanges[strings.ToLower(expr)]; ok {
		start, end := fn(today)
		return start, end, true
	}

	if before, after, found := strings.Cut(expr, ".."); found {
		start, okStart := parseDay(strings.TrimSpace(before), loc)
		end, okEnd := parseDay(strings.TrimSpace(after), loc)
		if okStart && okEnd && !end.Before(start) {
			return start, end.AddDate(0, 0, 1), true
		}
		return time.Time{}, time.Time{}, false
	}

	if day, ok := parseDay(expr, loc); ok {
		return day, day.AddDate(0, 0, 1), true
	}
	return time.Time{}, time.Time{}, false
}

func parseDay(expr string, loc *time.Location) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", "2006/01/02", "20060102"} {
		if t, err := time.ParseInLocation(layout, expr, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
