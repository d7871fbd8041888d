package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
	assert.Equal(t, "chromem", cfg.VectorBackend)
	assert.Equal(t, 30, cfg.VectorRebuild.IdleSeconds)
	assert.Equal(t, 120, cfg.VectorRebuild.MinInterval)
	assert.Equal(t, 0.90, cfg.AutoCleanup.DuplicateThreshold)
	assert.Equal(t, "internal", cfg.Privacy.DefaultLevel)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `{"server_port": 7000, "vector_rebuild": {"idle_seconds": 5}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600))

	cfg := Load(dir)
	assert.Equal(t, 7000, cfg.ServerPort)
	assert.Equal(t, 5, cfg.VectorRebuild.IdleSeconds)
	// Untouched leaves keep their defaults.
	assert.Equal(t, 120, cfg.VectorRebuild.MinInterval)
}

func TestLoadMalformedFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o600))

	cfg := Load(dir)
	assert.Equal(t, Defaults().ServerPort, cfg.ServerPort)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KOKORO_SERVER_PORT", "9999")
	t.Setenv("KOKORO_VECTOR_REBUILD_IDLE_SECONDS", "7")
	t.Setenv("KOKORO_SUMMARIZATION__ENABLED", "false")

	cfg := Load(t.TempDir())
	assert.Equal(t, 9999, cfg.ServerPort)
	assert.Equal(t, 7, cfg.VectorRebuild.IdleSeconds)
	assert.False(t, cfg.Summarization.Enabled)
}

func TestEnvKeyToPath(t *testing.T) {
	tests := []struct {
		suffix string
		want   string
	}{
		{"SERVER_PORT", "server_port"},
		{"VECTOR_REBUILD_IDLE_SECONDS", "vector_rebuild.idle_seconds"},
		{"AUTO_CLEANUP_ENABLED", "auto_cleanup.enabled"},
		{"SUMMARIZATION_MIN_IMPORTANCE", "summarization.min_importance"},
		{"PRIVACY__SEARCH_MAX_LEVEL", "privacy.search_max_level"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, envKeyToPath(tt.suffix), tt.suffix)
	}
}

func TestParseEnvValueOrder(t *testing.T) {
	assert.Equal(t, true, parseEnvValue("true"))
	assert.Equal(t, int64(42), parseEnvValue("42"))
	assert.Equal(t, 0.5, parseEnvValue("0.5"))
	assert.Equal(t, []any{"a", "b"}, parseEnvValue(`["a","b"]`))
	assert.Equal(t, "hello", parseEnvValue("hello"))
}

func TestProfilePresetRespectsUserOverrides(t *testing.T) {
	dir := t.TempDir()
	content := `{"resource_profile": "minimal", "summarization": {"enabled": true}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600))

	cfg := Load(dir)
	// Preset leaves the user never touched.
	assert.Equal(t, "off", cfg.VectorRebuild.Mode)
	assert.Empty(t, cfg.RerankerModel)
	assert.False(t, cfg.AutoCleanup.Enabled)
	// Explicit user override beats the preset.
	assert.True(t, cfg.Summarization.Enabled)
}

func TestLowProfileRelaxesWorkerSchedules(t *testing.T) {
	t.Setenv("KOKORO_RESOURCE_PROFILE", "low")
	cfg := Load(t.TempDir())
	assert.Equal(t, 120, cfg.VectorRebuild.IdleSeconds)
	assert.Equal(t, 600, cfg.VectorRebuild.MinInterval)
}

func TestLoaderCacheInvalidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server_port": 1111}`), 0o600))

	loader := NewLoader(dir)
	first := loader.Get()
	assert.Equal(t, 1111, first.ServerPort)

	// Same key: cached pointer is reused.
	assert.Same(t, first, loader.Get())

	// Environment change invalidates.
	t.Setenv("KOKORO_SERVER_PORT", "2222")
	second := loader.Get()
	assert.Equal(t, 2222, second.ServerPort)

	// Explicit invalidation forces a reload.
	loader.Invalidate()
	assert.NotSame(t, second, loader.Get())
}
