package types

import "time"

// PersonaContext is the small per-persona JSON document carrying the
// always-current conversational state. It is written atomically (temp file
// then rename) with a single backup copy kept beside it.
type PersonaContext struct {
	Persona          string            `json:"persona"`
	Mood             string            `json:"mood,omitempty"`
	State            string            `json:"state,omitempty"`
	LastConversation time.Time         `json:"last_conversation"`
	Favorites        []string          `json:"favorites,omitempty"`
	ActivePromise    string            `json:"active_promise,omitempty"`
	ActiveGoal       string            `json:"active_goal,omitempty"`
	Anniversaries    map[string]string `json:"anniversaries,omitempty"` // MM-DD -> label
	Physical         *PhysicalSnapshot `json:"physical_sensations,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewPersonaContext returns the schema-default context created on first
// access of a persona.
func NewPersonaContext(persona string, now time.Time) *PersonaContext {
	return &PersonaContext{
		Persona:          persona,
		Mood:             "neutral",
		State:            "idle",
		LastConversation: now,
		Anniversaries:    map[string]string{},
		UpdatedAt:        now,
	}
}

// Touch refreshes the conversation timestamps. Called on every tool call.
func (c *PersonaContext) Touch(now time.Time) {
	c.LastConversation = now
	c.UpdatedAt = now
}
