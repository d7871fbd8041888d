package engine

import (
	"fmt"
	"strings"

	"github.com/kokoroai/kokoro/pkg/types"
)

// EnrichedText concatenates content with metadata annotations so the
// embedding captures tags, emotion, and context. Only non-default values
// are annotated; the enriched form is fed to the model, never shown to
// users.
func EnrichedText(record *types.MemoryRecord) string {
	var sb strings.Builder
	sb.WriteString(record.Content)

	if len(record.Tags) > 0 {
		fmt.Fprintf(&sb, "\n[Tags: %s]", strings.Join(record.Tags, ", "))
	}
	if record.Emotion != "" {
		if record.EmotionIntensity > 0 {
			fmt.Fprintf(&sb, "\n[Emotion: %s (intensity: %.1f)]", record.Emotion, record.EmotionIntensity)
		} else {
			fmt.Fprintf(&sb, "\n[Emotion: %s]", record.Emotion)
		}
	}
	if record.ActionTag != "" {
		fmt.Fprintf(&sb, "\n[Action: %s]", record.ActionTag)
	}
	if record.Environment != "" {
		fmt.Fprintf(&sb, "\n[Environment: %s]", record.Environment)
	}
	if record.PhysicalState != "" || record.MentalState != "" {
		var states []string
		if record.PhysicalState != "" {
			states = append(states, "physical:"+record.PhysicalState)
		}
		if record.MentalState != "" {
			states = append(states, "mental:"+record.MentalState)
		}
		fmt.Fprintf(&sb, "\n[State: %s]", strings.Join(states, ", "))
	}
	if record.RelationshipStatus != "" {
		fmt.Fprintf(&sb, "\n[Relationship: %s]", record.RelationshipStatus)
	}
	return sb.String()
}
