// Package importer bulk-imports markdown files as memories. YAML
// frontmatter supplies tags, importance, emotion, and privacy; the body
// becomes the memory content. Every file goes through the engine's normal
// write path so vectors and associations follow automatically.
package importer

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kokoroai/kokoro/internal/engine"
	"github.com/kokoroai/kokoro/pkg/types"
)

// Writer is the slice of the engine the importer needs.
type Writer interface {
	Create(ctx context.Context, in engine.CreateInput) (*types.MemoryRecord, error)
}

// ParsedMemory is one markdown file translated into a create request.
type ParsedMemory struct {
	// RelativePath is the path under the import root, kept for reporting.
	RelativePath string

	Input engine.CreateInput
}

// Result summarizes one import run.
type Result struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Keys     []string `json:"keys"`
	Errors   []string `json:"errors,omitempty"`
}

// ParseFile translates one markdown document. Recognized frontmatter keys:
// tags (list or comma-separated string), importance, emotion,
// emotion_intensity, privacy, action_tag, environment. Inline #hashtags in
// the body merge into the tag set.
func ParseFile(content []byte, relativePath string) (*ParsedMemory, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("frontmatter parse error in %s: %w", relativePath, err)
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%s: empty body", relativePath)
	}

	in := engine.CreateInput{
		Content:      body,
		Tags:         mergeTags(extractTags(fm), extractInlineTags(body)),
		Emotion:      extractString(fm, "emotion"),
		ActionTag:    extractString(fm, "action_tag"),
		Environment:  extractString(fm, "environment"),
		PrivacyLevel: extractString(fm, "privacy"),
	}
	if v, ok := extractFloat(fm, "importance"); ok {
		in.Importance = &v
	}
	if v, ok := extractFloat(fm, "emotion_intensity"); ok {
		in.EmotionIntensity = &v
	}

	return &ParsedMemory{RelativePath: relativePath, Input: in}, nil
}

// ImportDir walks root for .md files and writes each through the engine.
// Per-file failures are recorded and do not stop the run.
func ImportDir(ctx context.Context, fsys fs.FS, w Writer) (*Result, error) {
	result := &Result{}
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}

		parsed, err := ParseFile(content, path)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, err.Error())
			return nil
		}
		record, err := w.Create(ctx, parsed.Input)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			log.Printf("WARNING: import failed for %s: %v", path, err)
			return nil
		}
		result.Imported++
		result.Keys = append(result.Keys, record.Key)
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("import walk: %w", err)
	}
	return result, nil
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters) from
// the body. Returns an empty map and the full text when none is found.
func splitFrontmatter(text string) (map[string]any, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]any{}, text, nil
	}
	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		return map[string]any{}, text, nil
	}

	fm := map[string]any{}
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return map[string]any{}, text, fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

// extractTags handles both list and comma-separated string forms.
func extractTags(fm map[string]any) []string {
	switch v := fm["tags"].(type) {
	case []any:
		var tags []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		return tags
	}
	return nil
}

func extractString(fm map[string]any, key string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func extractFloat(fm map[string]any, key string) (float64, bool) {
	switch v := fm[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// inlineTagRe finds #hashtag patterns in body text.
var inlineTagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

func extractInlineTags(body string) []string {
	matches := inlineTagRe.FindAllStringSubmatch(body, -1)
	var tags []string
	seen := map[string]bool{}
	for _, m := range matches {
		lower := strings.ToLower(m[1])
		if !seen[lower] {
			seen[lower] = true
			tags = append(tags, m[1])
		}
	}
	return tags
}

// mergeTags combines two tag slices deduplicating by lowercase value.
func mergeTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, tag := range append(a, b...) {
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			out = append(out, tag)
		}
	}
	return out
}
