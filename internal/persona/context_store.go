package persona

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kokoroai/kokoro/pkg/types"
)

// ContextStore reads and writes the per-persona persona_context.json
// document. Writes go to a temp file first and are renamed into place; the
// previous version is kept as a single .backup copy.
type ContextStore struct {
	paths Paths
	mu    sync.Mutex
}

// NewContextStore creates a ContextStore over the given persona paths.
func NewContextStore(paths Paths) *ContextStore {
	return &ContextStore{paths: paths}
}

// Load returns the persona context, creating it with schema defaults on
// first access. A corrupt main file falls back to the backup copy before
// giving up and recreating defaults.
func (s *ContextStore) Load(persona string) (*types.PersonaContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, err := readContext(s.paths.ContextFile)
	if err == nil {
		return ctx, nil
	}
	if !os.IsNotExist(err) {
		log.Printf("WARNING: persona: context file unreadable, trying backup: %v", err)
		if ctx, backupErr := readContext(s.paths.ContextBackup); backupErr == nil {
			return ctx, nil
		}
	}

	ctx = types.NewPersonaContext(persona, time.Now())
	if err := s.writeLocked(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Save writes the context atomically, rotating the previous version into
// the backup slot.
func (s *ContextStore) Save(ctx *types.PersonaContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx)
}

// Touch refreshes the conversation timestamp. Called on every tool call;
// failures are logged and swallowed so they never fail the request.
func (s *ContextStore) Touch(persona string, now time.Time) {
	ctx, err := s.Load(persona)
	if err != nil {
		log.Printf("WARNING: persona: context touch failed for %q: %v", persona, err)
		return
	}
	ctx.Touch(now)
	if err := s.Save(ctx); err != nil {
		log.Printf("WARNING: persona: context save failed for %q: %v", persona, err)
	}
}

func (s *ContextStore) writeLocked(ctx *types.PersonaContext) error {
	raw, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("persona: marshal context: %w", err)
	}

	// Keep the previous version as the single backup copy.
	if _, err := os.Stat(s.paths.ContextFile); err == nil {
		if prev, readErr := os.ReadFile(s.paths.ContextFile); readErr == nil {
			_ = os.WriteFile(s.paths.ContextBackup, prev, 0o600)
		}
	}

	tmp := s.paths.ContextFile + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("persona: write context temp file: %w", err)
	}
	if err := os.Rename(tmp, s.paths.ContextFile); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("persona: rename context into place: %w", err)
	}
	syncDir(filepath.Dir(s.paths.ContextFile))
	return nil
}

func readContext(path string) (*types.PersonaContext, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ctx types.PersonaContext
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return nil, fmt.Errorf("persona: decode %s: %w", path, err)
	}
	return &ctx, nil
}
