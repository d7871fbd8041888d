package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kokoroai/kokoro/internal/config"
	"github.com/kokoroai/kokoro/internal/engine"
	"github.com/kokoroai/kokoro/internal/storage"
)

// API assembles the dashboard's JSON endpoints over a backend provider.
type API struct {
	provider BackendProvider
	hub      *WebSocketHub
}

// NewAPI creates the dashboard API.
func NewAPI(provider BackendProvider, hub *WebSocketHub) *API {
	return &API{provider: provider, hub: hub}
}

// Handler returns the routed, rate-limited, authenticated handler.
func (a *API) Handler(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", a.GetStats)
	mux.HandleFunc("GET /api/timeline", a.GetTimeline)
	mux.HandleFunc("GET /api/suggestions", a.GetSuggestions)
	mux.HandleFunc("GET /api/search", a.Search)
	if a.hub != nil {
		mux.Handle("/ws", a.hub)
	}

	rl := NewRateLimiter(cfg.Dashboard.RateLimitPerSecond, cfg.Dashboard.RateLimitBurst)
	return RequireAuth(RateLimitMiddleware(mux, rl), cfg)
}

func (a *API) backend(w http.ResponseWriter, r *http.Request) *Backend {
	b, err := a.provider.Backend(requestPersona(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "BACKEND", err.Error())
		return nil
	}
	return b
}

// GetStats handles GET /api/stats.
func (a *API) GetStats(w http.ResponseWriter, r *http.Request) {
	b := a.backend(w, r)
	if b == nil {
		return
	}
	ctx := r.Context()

	stats, err := b.Engine.Stats(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STATS", err.Error())
		return
	}
	resp := StatsResponse{
		Persona:      b.Engine.Persona(),
		Memories:     stats.Count,
		ContentChars: stats.TotalContentChars,
		PerEmotion:   stats.PerEmotion,
		PerTag:       stats.PerTag,
		QueueDepth:   stats.QueueDepth,
		Dirty:        stats.Dirty,
	}
	if b.Items != nil {
		if itemStats, err := b.Items.Stats(ctx); err == nil {
			resp.Items = itemStats.Total
			resp.EquippedItems = itemStats.Equipped
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetTimeline handles GET /api/timeline - the emotion and physical
// time-series from the history tables. Range defaults to the last 7 days;
// from/to accept RFC 3339 or plain dates.
func (a *API) GetTimeline(w http.ResponseWriter, r *http.Request) {
	b := a.backend(w, r)
	if b == nil {
		return
	}
	ctx := r.Context()

	to := time.Now()
	from := to.AddDate(0, 0, -7)
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "BAD_RANGE", "invalid from: "+raw)
			return
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "BAD_RANGE", "invalid to: "+raw)
			return
		}
		to = t
	}
	if to.Before(from) {
		respondError(w, http.StatusBadRequest, "BAD_RANGE", "to precedes from")
		return
	}

	emotions, err := b.Store.EmotionHistory(ctx, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TIMELINE", err.Error())
		return
	}
	physical, err := b.Store.PhysicalHistory(ctx, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TIMELINE", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, TimelineResponse{
		From: from, To: to, Emotions: emotions, Physical: physical,
	})
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// GetSuggestions handles GET /api/suggestions - the cleanup scanner's
// near-duplicate report.
func (a *API) GetSuggestions(w http.ResponseWriter, r *http.Request) {
	b := a.backend(w, r)
	if b == nil {
		return
	}
	suggestions := b.Engine.Suggestions()
	if suggestions == nil {
		suggestions = []engine.CleanupSuggestion{}
	}
	respondJSON(w, http.StatusOK, suggestions)
}

// Search handles GET /api/search.
func (a *API) Search(w http.ResponseWriter, r *http.Request) {
	b := a.backend(w, r)
	if b == nil {
		return
	}
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "BAD_QUERY", "q is required")
		return
	}
	mode := q.Get("mode")
	if mode == "" {
		mode = "hybrid"
	}
	topK := 0
	if raw := q.Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "BAD_QUERY", "invalid top_k: "+raw)
			return
		}
		topK = n
	}

	results, err := b.Engine.Search(r.Context(), engine.SearchOptions{
		Query: query, Mode: mode, TopK: topK,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		respondError(w, status, "SEARCH", err.Error())
		return
	}
	if results == nil {
		results = []engine.SearchResult{}
	}
	respondJSON(w, http.StatusOK, SearchResponse{
		Query: query, Mode: mode, Results: results, Total: len(results),
	})
}
