// Package types defines the core data model for the Kokoro memory system.
// All entities are persona-scoped: a persona string partitions every store
// and has no cross-persona effect.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// PrivacyLevel controls visibility of a memory in search and dashboard views.
// Levels are ordered: public < internal < private < secret.
type PrivacyLevel string

const (
	PrivacyPublic   PrivacyLevel = "public"
	PrivacyInternal PrivacyLevel = "internal"
	PrivacyPrivate  PrivacyLevel = "private"
	PrivacySecret   PrivacyLevel = "secret"
)

// privacyRank maps privacy levels to their ordering.
var privacyRank = map[PrivacyLevel]int{
	PrivacyPublic:   0,
	PrivacyInternal: 1,
	PrivacyPrivate:  2,
	PrivacySecret:   3,
}

// Rank returns the ordinal position of the level. Unknown levels rank as
// internal so malformed rows are never accidentally widened to public.
func (p PrivacyLevel) Rank() int {
	if r, ok := privacyRank[p]; ok {
		return r
	}
	return privacyRank[PrivacyInternal]
}

// Valid reports whether p is one of the four known levels.
func (p PrivacyLevel) Valid() bool {
	_, ok := privacyRank[p]
	return ok
}

// MemoryRecord is a single memory row. Keys have the shape
// memory_YYYYMMDDHHMMSS[_suffix]; summary meta-memories use a summary_
// prefix instead.
type MemoryRecord struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Tags       []string `json:"tags,omitempty"`
	Importance float64  `json:"importance"` // clamped to [0,1], default 0.5

	Emotion          string  `json:"emotion,omitempty"`
	EmotionIntensity float64 `json:"emotion_intensity"` // clamped to [0,1]

	// Contextual labels captured at write time.
	PhysicalState      string `json:"physical_state,omitempty"`
	MentalState        string `json:"mental_state,omitempty"`
	Environment        string `json:"environment,omitempty"`
	RelationshipStatus string `json:"relationship_status,omitempty"`
	ActionTag          string `json:"action_tag,omitempty"`

	// RelatedKeys is a lazy association edge-list. Entries may dangle after
	// deletes; readers must tolerate missing targets.
	RelatedKeys []string `json:"related_keys,omitempty"`

	// SummaryRef points to the summary_ meta-memory covering this record,
	// or is empty when the memory has not been summarized.
	SummaryRef string `json:"summary_ref,omitempty"`

	// EquippedItems is the slot→item snapshot taken at creation time.
	EquippedItems map[string]string `json:"equipped_items,omitempty"`

	AccessCount  int          `json:"access_count"`
	LastAccessed *time.Time   `json:"last_accessed,omitempty"`
	PrivacyLevel PrivacyLevel `json:"privacy_level"`
}

// memoryKeyPattern matches canonical memory keys assigned at creation.
var memoryKeyPattern = regexp.MustCompile(`^memory_[0-9]{14}(_.*)?$`)

// ValidMemoryKey reports whether key is a canonical memory key or a
// summary meta-memory key.
func ValidMemoryKey(key string) bool {
	if memoryKeyPattern.MatchString(key) {
		return true
	}
	return len(key) > len("summary_") && key[:len("summary_")] == "summary_"
}

// IsSummaryKey reports whether key identifies a summary meta-memory.
func IsSummaryKey(key string) bool {
	return len(key) >= len("summary_") && key[:len("summary_")] == "summary_"
}

// NewMemoryKey generates a memory key from the given instant. Keys generated
// within the same second collide; callers append a disambiguating suffix via
// NewMemoryKeySuffix when that matters.
func NewMemoryKey(now time.Time) string {
	return "memory_" + now.Format("20060102150405")
}

// NewMemoryKeySuffix generates a key with a suffix, used when several
// memories are created within one wall-clock second.
func NewMemoryKeySuffix(now time.Time, n int) string {
	return fmt.Sprintf("memory_%s_%d", now.Format("20060102150405"), n)
}

// NewSummaryKey generates a key for a summary meta-memory.
func NewSummaryKey(now time.Time) string {
	return "summary_" + now.Format("20060102150405")
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize applies the storage invariants in place: importance and
// emotion intensity are clamped to [0,1] and the privacy level falls back
// to internal when unset or unknown.
func (m *MemoryRecord) Normalize() {
	m.Importance = Clamp01(m.Importance)
	m.EmotionIntensity = Clamp01(m.EmotionIntensity)
	if !m.PrivacyLevel.Valid() {
		m.PrivacyLevel = PrivacyInternal
	}
}

// AgeDays returns the age of the memory in days at the given instant.
// Never negative.
func (m *MemoryRecord) AgeDays(now time.Time) float64 {
	d := now.Sub(m.CreatedAt).Hours() / 24.0
	if d < 0 {
		return 0
	}
	return d
}

// HasTag reports whether the record carries the given tag.
func (m *MemoryRecord) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasAllTags reports whether the record's tag set is a superset of want.
func (m *MemoryRecord) HasAllTags(want []string) bool {
	for _, w := range want {
		if !m.HasTag(w) {
			return false
		}
	}
	return true
}

// HasAnyTag reports whether the record carries at least one of want.
func (m *MemoryRecord) HasAnyTag(want []string) bool {
	for _, w := range want {
		if m.HasTag(w) {
			return true
		}
	}
	return false
}
