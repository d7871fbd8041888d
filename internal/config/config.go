// Package config provides layered configuration for Kokoro.
// Resolution order, lowest precedence first: built-in defaults, the
// resource-profile preset, the on-disk JSON file (<data>/config.json), and
// environment overrides with the KOKORO_ prefix. The resolved config is
// cached; invalidation is keyed on the config file's mtime and a signature
// of the KOKORO_ environment.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Config holds all settings for the Kokoro memory service.
type Config struct {
	// DataPath is the root of all persona-scoped state (default: ./data).
	DataPath string `json:"data_path"`

	// Timezone is the service timezone used for memory key generation
	// (default: Asia/Tokyo).
	Timezone string `json:"timezone"`

	ServerHost string `json:"server_host"`
	ServerPort int    `json:"server_port"`

	// Embedding and reranker model configuration. Models are loaded once
	// per process and shared across personas.
	EmbeddingsModel  string `json:"embeddings_model"`
	EmbeddingsDevice string `json:"embeddings_device"`
	EmbeddingsURL    string `json:"embeddings_url"`
	RerankerModel    string `json:"reranker_model"`
	RerankerURL      string `json:"reranker_url"`
	RerankerTopN     int    `json:"reranker_top_n"`

	// VectorBackend selects the vector index implementation:
	// "chromem" (embedded, default), "qdrant", or "pgvector".
	VectorBackend          string `json:"vector_backend"`
	QdrantURL              string `json:"qdrant_url"`
	QdrantAPIKey           string `json:"qdrant_api_key"`
	QdrantCollectionPrefix string `json:"qdrant_collection_prefix"`
	PostgresDSN            string `json:"postgres_dsn"`

	VectorRebuild     VectorRebuildConfig     `json:"vector_rebuild"`
	AutoCleanup       AutoCleanupConfig       `json:"auto_cleanup"`
	Summarization     SummarizationConfig     `json:"summarization"`
	ProgressiveSearch ProgressiveSearchConfig `json:"progressive_search"`
	Privacy           PrivacyConfig           `json:"privacy"`
	Dashboard         DashboardConfig         `json:"dashboard"`

	// ResourceProfile is one of normal, low, minimal. Profiles apply
	// presets only to leaves the user has not explicitly overridden.
	ResourceProfile string `json:"resource_profile"`
}

// VectorRebuildConfig controls the idle vector rebuilder.
type VectorRebuildConfig struct {
	Mode        string `json:"mode"` // "idle" or "off"
	IdleSeconds int    `json:"idle_seconds"`
	MinInterval int    `json:"min_interval"`
}

// AutoCleanupConfig controls the near-duplicate cleanup suggester.
type AutoCleanupConfig struct {
	Enabled               bool    `json:"enabled"`
	IdleMinutes           int     `json:"idle_minutes"`
	CheckIntervalSeconds  int     `json:"check_interval_seconds"`
	DuplicateThreshold    float64 `json:"duplicate_threshold"`
	MinSimilarityToReport float64 `json:"min_similarity_to_report"`
	MaxSuggestionsPerRun  int     `json:"max_suggestions_per_run"`
}

// SummarizationConfig controls the periodic auto-summarizer.
type SummarizationConfig struct {
	Enabled              bool    `json:"enabled"`
	UseLLM               bool    `json:"use_llm"`
	FrequencyDays        int     `json:"frequency_days"`
	MinImportance        float64 `json:"min_importance"`
	IdleMinutes          int     `json:"idle_minutes"`
	CheckIntervalSeconds int     `json:"check_interval_seconds"`
}

// ProgressiveSearchConfig tunes the search orchestrator's escalation from
// cheap keyword matching to semantic search.
type ProgressiveSearchConfig struct {
	KeywordFirst     bool `json:"keyword_first"`
	KeywordThreshold int  `json:"keyword_threshold"`
	MaxSemanticTopK  int  `json:"max_semantic_top_k"`
}

// DashboardConfig controls the web dashboard. In development mode requests
// need no token; production mode requires the bearer APIToken.
type DashboardConfig struct {
	Port               int     `json:"port"`
	SecurityMode       string  `json:"security_mode"` // "development" or "production"
	APIToken           string  `json:"api_token"`
	RateLimitPerSecond float64 `json:"rate_limit_per_second"`
	RateLimitBurst     int     `json:"rate_limit_burst"`
}

// PrivacyConfig controls privacy tagging and search visibility.
type PrivacyConfig struct {
	DefaultLevel   string `json:"default_level"`
	AutoRedactPII  bool   `json:"auto_redact_pii"`
	SearchMaxLevel string `json:"search_max_level"`
}

// Defaults returns the built-in default configuration.
func Defaults() *Config {
	return &Config{
		DataPath:         "./data",
		Timezone:         "Asia/Tokyo",
		ServerHost:       "127.0.0.1",
		ServerPort:       6360,
		EmbeddingsModel:  "nomic-embed-text",
		EmbeddingsDevice: "cpu",
		EmbeddingsURL:    "http://localhost:11434",
		RerankerModel:    "bge-reranker-base",
		RerankerURL:      "",
		RerankerTopN:     10,

		VectorBackend:          "chromem",
		QdrantURL:              "http://localhost:6333",
		QdrantCollectionPrefix: "kokoro_",

		VectorRebuild: VectorRebuildConfig{
			Mode:        "idle",
			IdleSeconds: 30,
			MinInterval: 120,
		},
		AutoCleanup: AutoCleanupConfig{
			Enabled:               true,
			IdleMinutes:           10,
			CheckIntervalSeconds:  300,
			DuplicateThreshold:    0.90,
			MinSimilarityToReport: 0.85,
			MaxSuggestionsPerRun:  20,
		},
		Summarization: SummarizationConfig{
			Enabled:              true,
			UseLLM:               false,
			FrequencyDays:        1,
			MinImportance:        0.3,
			IdleMinutes:          30,
			CheckIntervalSeconds: 600,
		},
		ProgressiveSearch: ProgressiveSearchConfig{
			KeywordFirst:     true,
			KeywordThreshold: 3,
			MaxSemanticTopK:  50,
		},
		Privacy: PrivacyConfig{
			DefaultLevel:   "internal",
			AutoRedactPII:  false,
			SearchMaxLevel: "private",
		},
		Dashboard: DashboardConfig{
			Port:               6363,
			SecurityMode:       "development",
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
		},
		ResourceProfile: "normal",
	}
}

// FilePath returns the path of the on-disk config file under dataPath.
func FilePath(dataPath string) string {
	return filepath.Join(dataPath, "config.json")
}

// Load resolves configuration from all layers. The dataPath argument locates
// the config file; an unreadable or malformed file falls back to defaults
// with a warning rather than failing startup.
func Load(dataPath string) *Config {
	defaults := Defaults()
	defaultLeaves := toLeaves(defaults)

	// File layer.
	fileLeaves := map[string]any{}
	path := FilePath(dataPath)
	if raw, err := os.ReadFile(path); err == nil {
		var doc map[string]any
		if jsonErr := json.Unmarshal(raw, &doc); jsonErr != nil {
			log.Printf("WARNING: config: unreadable %s, using defaults: %v", path, jsonErr)
		} else {
			flatten("", doc, fileLeaves)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("WARNING: config: cannot read %s, using defaults: %v", path, err)
	}

	// Environment layer.
	envLeaves := envOverrides(os.Environ())

	// Leaves explicitly set by the user (file or env) keep their value even
	// when a resource profile would preset them.
	userSet := map[string]bool{}
	merged := map[string]any{}
	for k, v := range defaultLeaves {
		merged[k] = v
	}
	for k, v := range fileLeaves {
		if _, known := defaultLeaves[k]; !known {
			log.Printf("WARNING: config: unknown key %q in %s ignored", k, path)
			continue
		}
		merged[k] = v
		userSet[k] = true
	}
	for k, v := range envLeaves {
		if _, known := defaultLeaves[k]; !known {
			continue
		}
		merged[k] = v
		userSet[k] = true
	}

	// Profile layer fills remaining leaves.
	profile := "normal"
	if p, ok := merged["resource_profile"].(string); ok && p != "" {
		profile = p
	}
	for k, v := range profilePreset(profile) {
		if !userSet[k] {
			merged[k] = v
		}
	}

	cfg, err := fromLeaves(merged)
	if err != nil {
		log.Printf("WARNING: config: merge failed, using defaults: %v", err)
		return defaults
	}
	// The data path that located the config file wins unless the user
	// explicitly redirected it.
	if dataPath != "" && !userSet["data_path"] {
		cfg.DataPath = dataPath
	}
	return cfg
}

// toLeaves flattens a Config into dotted leaf paths via its JSON form.
func toLeaves(cfg *Config) map[string]any {
	raw, _ := json.Marshal(cfg)
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	out := map[string]any{}
	flatten("", doc, out)
	return out
}

// fromLeaves rebuilds a Config from dotted leaf paths.
func fromLeaves(leaves map[string]any) (*Config, error) {
	doc := map[string]any{}
	for path, v := range leaves {
		cur := doc
		parts := splitPath(path)
		for i, p := range parts {
			if i == len(parts)-1 {
				cur[p] = v
				break
			}
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: marshal merged leaves: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode merged leaves: %w", err)
	}
	return &cfg, nil
}

// flatten appends nested map leaves into out using dotted paths.
func flatten(prefix string, doc map[string]any, out map[string]any) {
	for k, v := range doc {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(path, nested, out)
			continue
		}
		out[path] = v
	}
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}
