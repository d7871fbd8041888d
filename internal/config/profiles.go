package config

// profilePreset returns the leaf overrides applied by a resource profile.
// Presets only take effect where the user has not explicitly set the leaf
// via the file or environment layers.
//
//   - normal: no changes, the defaults are the normal profile.
//   - low: relaxed worker schedules, smaller search fan-out.
//   - minimal: no reranker, workers off, keyword-first search only.
func profilePreset(profile string) map[string]any {
	switch profile {
	case "low":
		return map[string]any{
			"vector_rebuild.idle_seconds":         120,
			"vector_rebuild.min_interval":         600,
			"auto_cleanup.check_interval_seconds": 900,
			"summarization.check_interval_seconds": 1800,
			"progressive_search.max_semantic_top_k": 20,
			"reranker_top_n":                      5,
		}
	case "minimal":
		return map[string]any{
			"reranker_model":                      "",
			"vector_rebuild.mode":                 "off",
			"auto_cleanup.enabled":                false,
			"summarization.enabled":               false,
			"progressive_search.keyword_first":    true,
			"progressive_search.max_semantic_top_k": 10,
		}
	default:
		return nil
	}
}
