package types

import "time"

// TaskStatus is the lifecycle status shared by promises and goals.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

// Promise is a structured commitment record. Promises are canonical in the
// dedicated table; tag-driven queries are only a view on top.
type Promise struct {
	ID        int64      `json:"id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	Status    TaskStatus `json:"status"`
	Priority  int        `json:"priority"`
	Notes     string     `json:"notes,omitempty"`
}

// Goal is a structured objective with progress tracking. Setting Progress to
// 100 or above auto-transitions the goal to completed.
type Goal struct {
	ID          int64      `json:"id"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	TargetDate  *time.Time `json:"target_date,omitempty"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"` // 0..100
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// ApplyProgress sets the goal's progress and performs the auto-completion
// transition when progress reaches 100.
func (g *Goal) ApplyProgress(progress int, now time.Time) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	g.Progress = progress
	if progress >= 100 && g.Status == TaskActive {
		g.Status = TaskCompleted
		g.CompletedAt = &now
	}
}

// MemoryBlock is a named always-in-context slot (persona_state, user_model,
// active_context, ...). Upsert-only; unique per (persona, name). Blocks are
// surfaced directly by the context-read operation rather than via search.
type MemoryBlock struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserStateRecord is one row of the bitemporal user-state log. The current
// value of a field is the row whose ValidUntil is nil.
type UserStateRecord struct {
	Field      string     `json:"field"` // name, nickname, preferred_address
	Value      string     `json:"value"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// PhysicalSnapshot is one row of the physical sensations history stream.
type PhysicalSnapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	MemoryKey         string    `json:"memory_key,omitempty"`
	Fatigue           float64   `json:"fatigue"`
	Warmth            float64   `json:"warmth"`
	Arousal           float64   `json:"arousal"`
	TouchResponse     float64   `json:"touch_response"`
	HeartRateMetaphor string    `json:"heart_rate_metaphor,omitempty"`
}

// EmotionSnapshot is one row of the emotion history stream.
type EmotionSnapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	MemoryKey        string    `json:"memory_key,omitempty"`
	Emotion          string    `json:"emotion"`
	EmotionIntensity float64   `json:"emotion_intensity"`
}

// OpLogEntry is one row of the append-only operation audit stream. The core
// never deletes entries.
type OpLogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Operation string         `json:"operation"`
	Key       string         `json:"key,omitempty"`
	Before    *MemoryRecord  `json:"before,omitempty"`
	After     *MemoryRecord  `json:"after,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
