package config

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// envPrefix is the service prefix for environment overrides.
const envPrefix = "KOKORO_"

// sectionPrefixes maps known single-underscore env prefixes to their config
// section. KOKORO_VECTOR_REBUILD_IDLE_SECONDS and the generic
// KOKORO_VECTOR_REBUILD__IDLE_SECONDS address the same leaf.
var sectionPrefixes = map[string]string{
	"VECTOR_REBUILD_": "vector_rebuild",
	"AUTO_CLEANUP_":   "auto_cleanup",
	"SUMMARIZATION_":  "summarization",
}

// envOverrides extracts config leaves from an environment snapshot
// (os.Environ() form). Keys map to nested paths via double-underscore
// separators; known section prefixes map their remainder to that section's
// leaf. Values parse as boolean, integer, float, JSON, or string, tried in
// that order.
func envOverrides(environ []string) map[string]any {
	out := map[string]any{}
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		path := envKeyToPath(strings.TrimPrefix(key, envPrefix))
		if path == "" {
			continue
		}
		out[path] = parseEnvValue(value)
	}
	return out
}

// envKeyToPath converts the suffix of a KOKORO_ env key to a dotted config
// path. Returns "" for unrecognizable keys.
func envKeyToPath(suffix string) string {
	if suffix == "" {
		return ""
	}
	// Section shorthand first: VECTOR_REBUILD_IDLE_SECONDS.
	for prefix, section := range sectionPrefixes {
		if strings.HasPrefix(suffix, prefix) && !strings.Contains(suffix, "__") {
			leaf := strings.ToLower(strings.TrimPrefix(suffix, prefix))
			if leaf == "" {
				return ""
			}
			return section + "." + leaf
		}
	}
	// Generic nesting: SECTION__LEAF -> section.leaf.
	parts := strings.Split(suffix, "__")
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}

// parseEnvValue interprets an environment value as boolean, integer, float,
// JSON, or string, in that order.
func parseEnvValue(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return value
}

// envSignature returns a deterministic signature of all KOKORO_ variables in
// the environment snapshot. Used as half of the config cache key.
func envSignature(environ []string) string {
	var relevant []string
	for _, kv := range environ {
		if strings.HasPrefix(kv, envPrefix) {
			relevant = append(relevant, kv)
		}
	}
	// Sort so the signature survives environment reordering across snapshots.
	sort.Strings(relevant)
	return strings.Join(relevant, "\x00")
}
