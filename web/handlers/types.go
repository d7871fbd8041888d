// Package handlers provides the HTTP handlers and middleware for the
// Kokoro web dashboard.
package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kokoroai/kokoro/internal/engine"
	"github.com/kokoroai/kokoro/internal/items"
	"github.com/kokoroai/kokoro/internal/storage/sqlite"
	"github.com/kokoroai/kokoro/pkg/types"
)

// Backend bundles the per-persona collaborators the dashboard reads from.
type Backend struct {
	Engine *engine.Engine
	Store  *sqlite.Store
	Items  *items.Store
}

// BackendProvider resolves a persona to its backend.
type BackendProvider interface {
	Backend(persona string) (*Backend, error)
}

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StatsResponse is the response format for GET /api/stats.
type StatsResponse struct {
	Persona       string         `json:"persona"`
	Memories      int            `json:"memories"`
	ContentChars  int            `json:"content_chars"`
	PerEmotion    map[string]int `json:"per_emotion,omitempty"`
	PerTag        map[string]int `json:"per_tag,omitempty"`
	QueueDepth    int            `json:"queue_depth"`
	Dirty         bool           `json:"dirty"`
	Items         int            `json:"items"`
	EquippedItems int            `json:"equipped_items"`
}

// TimelineResponse is the response format for GET /api/timeline: the
// emotion and physical time-series between from and to.
type TimelineResponse struct {
	From     time.Time                `json:"from"`
	To       time.Time                `json:"to"`
	Emotions []types.EmotionSnapshot  `json:"emotions"`
	Physical []types.PhysicalSnapshot `json:"physical"`
}

// SearchResponse is the response format for GET /api/search.
type SearchResponse struct {
	Query   string                `json:"query"`
	Mode    string                `json:"mode"`
	Results []engine.SearchResult `json:"results"`
	Total   int                   `json:"total"`
}

// WriteEvent is the websocket broadcast payload for one mutation.
type WriteEvent struct {
	Type      string    `json:"type"` // always "write"
	Persona   string    `json:"persona"`
	Operation string    `json:"operation"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("ERROR: failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// requestPersona extracts the persona from the query string or the
// X-Persona header; empty means the default persona.
func requestPersona(r *http.Request) string {
	if p := r.URL.Query().Get("persona"); p != "" {
		return p
	}
	return r.Header.Get("X-Persona")
}
