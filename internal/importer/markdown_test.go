package importer

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoroai/kokoro/internal/engine"
	"github.com/kokoroai/kokoro/pkg/types"
)

func TestParseFileFrontmatter(t *testing.T) {
	content := []byte(`---
tags:
  - travel
  - kyoto
importance: 0.8
emotion: joy
emotion_intensity: 0.6
privacy: private
---
Visited the temple in the rain.`)

	parsed, err := ParseFile(content, "trips/kyoto.md")
	require.NoError(t, err)

	assert.Equal(t, "Visited the temple in the rain.", parsed.Input.Content)
	assert.Equal(t, []string{"travel", "kyoto"}, parsed.Input.Tags)
	require.NotNil(t, parsed.Input.Importance)
	assert.Equal(t, 0.8, *parsed.Input.Importance)
	assert.Equal(t, "joy", parsed.Input.Emotion)
	require.NotNil(t, parsed.Input.EmotionIntensity)
	assert.Equal(t, 0.6, *parsed.Input.EmotionIntensity)
	assert.Equal(t, "private", parsed.Input.PrivacyLevel)
}

func TestParseFileWithoutFrontmatter(t *testing.T) {
	parsed, err := ParseFile([]byte("Plain note, no metadata."), "note.md")
	require.NoError(t, err)
	assert.Equal(t, "Plain note, no metadata.", parsed.Input.Content)
	assert.Nil(t, parsed.Input.Importance)
	assert.Empty(t, parsed.Input.Tags)
}

func TestParseFileCommaSeparatedTagsAndInline(t *testing.T) {
	content := []byte(`---
tags: "walk, rain"
---
Wet shoes again. #rain #weather`)

	parsed, err := ParseFile(content, "note.md")
	require.NoError(t, err)
	// frontmatter "rain" wins the dedupe, inline adds "weather"
	assert.Equal(t, []string{"walk", "rain", "weather"}, parsed.Input.Tags)
}

func TestParseFileRejectsEmptyBody(t *testing.T) {
	_, err := ParseFile([]byte("---\ntags: [a]\n---\n  \n"), "empty.md")
	assert.Error(t, err)
}

func TestParseFileBadYAML(t *testing.T) {
	_, err := ParseFile([]byte("---\ntags: [unclosed\n---\nbody"), "bad.md")
	assert.Error(t, err)
}

// captureWriter records create calls without a real engine.
type captureWriter struct {
	inputs []engine.CreateInput
	fail   bool
}

func (w *captureWriter) Create(ctx context.Context, in engine.CreateInput) (*types.MemoryRecord, error) {
	if w.fail {
		return nil, assert.AnError
	}
	w.inputs = append(w.inputs, in)
	return &types.MemoryRecord{Key: types.NewMemoryKeySuffix(time.Now(), len(w.inputs)+1), Content: in.Content}, nil
}

func TestImportDirWalksMarkdownOnly(t *testing.T) {
	fsys := fstest.MapFS{
		"a.md":        {Data: []byte("first note")},
		"sub/b.md":    {Data: []byte("---\ntags: [x]\n---\nsecond note")},
		"skip.txt":    {Data: []byte("not markdown")},
		"sub/bad.md":  {Data: []byte("---\ntags: [broken\n---\nbody")},
		"sub/c.MD":    {Data: []byte("case-insensitive extension")},
		"sub/none.md": {Data: []byte("   ")},
	}
	w := &captureWriter{}

	result, err := ImportDir(context.Background(), fsys, w)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Imported)
	assert.Equal(t, 2, result.Skipped)
	assert.Len(t, result.Keys, 3)
	assert.Len(t, result.Errors, 2)
	assert.Len(t, w.inputs, 3)
}

func TestImportDirContinuesPastWriteFailures(t *testing.T) {
	fsys := fstest.MapFS{
		"a.md": {Data: []byte("note")},
	}
	w := &captureWriter{fail: true}

	result, err := ImportDir(context.Background(), fsys, w)
	require.NoError(t, err)
	assert.Zero(t, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, result.Errors, 1)
}
