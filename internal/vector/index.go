// Package vector provides the per-persona vector index used for semantic
// search. The durable store is the source of truth; every index can be
// rebuilt from it. Point IDs are a deterministic 64-bit digest of the
// memory key, so upserts are naturally idempotent.
package vector

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// PointID returns the deterministic 64-bit digest of a memory key.
// Collision probability is negligible at realistic scale.
func PointID(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// Payload mirrors the searchable attributes of a memory into the index.
type Payload struct {
	Key         string    `json:"key"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags,omitempty"`
	Emotion     string    `json:"emotion,omitempty"`
	Importance  float64   `json:"importance"`
	ActionTag   string    `json:"action_tag,omitempty"`
	Environment string    `json:"environment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Hit is one search result. Distance = 1 − cosine similarity, so smaller
// is better.
type Hit struct {
	Payload  Payload
	Distance float64
}

// Range is a half-open numeric bound; nil ends are unbounded.
type Range struct {
	Min *float64
	Max *float64
}

// Filter is a conjunction of equality, range, and tag-membership
// conditions evaluated against point payloads.
type Filter struct {
	// Equals holds exact-match conditions on categorical fields
	// (emotion, action_tag, environment, key).
	Equals map[string]string

	// Importance bounds the importance payload field.
	Importance *Range

	// TagsAny requires at least one of the listed tags.
	TagsAny []string
}

// Empty reports whether the filter imposes no conditions.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Equals) == 0 && f.Importance == nil && len(f.TagsAny) == 0)
}

// Matches evaluates the filter against a payload. Backends that cannot push
// the full filter down use this as the post-filter.
func (f *Filter) Matches(p Payload) bool {
	if f.Empty() {
		return true
	}
	for field, want := range f.Equals {
		if payloadField(p, field) != want {
			return false
		}
	}
	if f.Importance != nil {
		if f.Importance.Min != nil && p.Importance < *f.Importance.Min {
			return false
		}
		if f.Importance.Max != nil && p.Importance > *f.Importance.Max {
			return false
		}
	}
	if len(f.TagsAny) > 0 {
		found := false
		for _, want := range f.TagsAny {
			for _, tag := range p.Tags {
				if tag == want {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func payloadField(p Payload, field string) string {
	switch field {
	case "key":
		return p.Key
	case "emotion":
		return p.Emotion
	case "action_tag":
		return p.ActionTag
	case "environment":
		return p.Environment
	default:
		return ""
	}
}

// RebuildDoc pairs a payload with the enriched text fed to the embedding
// model during a full rebuild.
type RebuildDoc struct {
	Payload  Payload
	Enriched string
}

// Index is a per-persona vector collection. All searches must tolerate an
// empty collection: they return an empty list and never error on absence.
type Index interface {
	// Upsert embeds enriched text and writes one point. Safe to repeat:
	// the point ID is derived from the payload key.
	Upsert(ctx context.Context, p Payload, enriched string) error

	// Delete removes points by memory key. Missing keys are ignored.
	Delete(ctx context.Context, keys []string) error

	// SearchByVector returns up to k hits ordered by ascending distance.
	SearchByVector(ctx context.Context, vec []float32, k int, filter *Filter) ([]Hit, error)

	// SearchByText embeds the query then searches.
	SearchByText(ctx context.Context, query string, k int, filter *Filter) ([]Hit, error)

	// Rebuild recomputes the collection from scratch and swaps it in
	// atomically. Writers observe the new collection as soon as the swap
	// lands; they are never blocked for the duration of the rebuild.
	Rebuild(ctx context.Context, docs []RebuildDoc) error

	// Count returns the number of points.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Embedder produces query and document vectors. Implemented by
// embedding.Client; declared here so backends do not depend on the client
// package.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocs(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// encodeTags flattens a tag list into a delimited string for backends with
// string-only metadata. decodeTags reverses it.
func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return strings.Join(tags, "\x1f")
}

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\x1f")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(raw string) float64 {
	f, _ := strconv.ParseFloat(raw, 64)
	return f
}
