package engine

import (
	"context"
	"strings"
	"time"
)

// shortQueryRunes is the length at or below which a query counts as
// ambiguous even without a deictic phrase.
const shortQueryRunes = 6

// deicticPhrases marks queries that point at an unstated referent, in
// English and Japanese. Localization extends this single table.
var deicticPhrases = []string{
	"that thing", "that time", "back then", "earlier", "last time",
	"remember when", "what did we", "the other day",
	"あれ", "それ", "あのとき", "あの時", "さっき", "この前", "この間", "例の",
}

// promiseTerms route promise-flavored queries into the promise tag.
var promiseTerms = []string{
	"promise", "promised", "約束",
}

// smartSearch expands ambiguous queries with time-of-day and day-type
// tokens, appends a promise tag filter when promise terms appear, and
// falls into hybrid search.
func (e *Engine) smartSearch(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	query := strings.TrimSpace(opts.Query)
	now := e.now()

	if isAmbiguous(query) {
		query = strings.TrimSpace(query + " " + timeOfDayToken(now) + " " + dayTypeToken(now))
	}
	if containsAny(strings.ToLower(opts.Query), promiseTerms) {
		filters := Filters{}
		if opts.Filters != nil {
			filters = *opts.Filters
		}
		if !containsFold(filters.Tags, "promise") {
			filters.Tags = append(append([]string(nil), filters.Tags...), "promise")
		}
		opts.Filters = &filters
	}

	opts.Query = query
	opts.Mode = "hybrid"
	return e.Search(ctx, opts)
}

func isAmbiguous(query string) bool {
	if len([]rune(query)) <= shortQueryRunes {
		return true
	}
	return containsAny(strings.ToLower(query), deicticPhrases)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// timeOfDayToken maps the current hour to a bilingual expansion token.
func timeOfDayToken(now time.Time) string {
	switch h := now.Hour(); {
	case h >= 5 && h < 11:
		return "morning 朝"
	case h >= 11 && h < 17:
		return "afternoon 昼"
	case h >= 17 && h < 22:
		return "evening 夜"
	default:
		return "night 深夜"
	}
}

func dayTypeToken(now time.Time) string {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return "weekend 週末"
	default:
		return "weekday 平日"
	}
}
