// Package persona resolves the active persona for a request and derives the
// per-persona filesystem layout. A persona is a plain string label; all
// durable state is partitioned by it.
package persona

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultPersona is used when neither the transport header nor a request
// binding names one.
const DefaultPersona = "default"

// Sanitize makes a persona string safe for use as a directory name by
// replacing path separators with underscores.
func Sanitize(persona string) string {
	persona = strings.ReplaceAll(persona, "/", "_")
	persona = strings.ReplaceAll(persona, "\\", "_")
	persona = strings.ReplaceAll(persona, string(os.PathSeparator), "_")
	if persona == "" || persona == "." || persona == ".." {
		return DefaultPersona
	}
	return persona
}

// Resolve picks the active persona in priority order: the transport header
// value, the request-scoped binding, then the literal default.
func Resolve(header, bound string) string {
	if header != "" {
		return Sanitize(header)
	}
	if bound != "" {
		return Sanitize(bound)
	}
	return DefaultPersona
}

// Paths is the derived per-persona filesystem layout.
type Paths struct {
	Dir            string // <data>/memory/<persona>/
	MemoryDB       string // memory.sqlite
	EquipmentDB    string // equipment.db
	ContextFile    string // persona_context.json
	ContextBackup  string // persona_context.json.backup
	KnowledgeGraph string // knowledge_graph.html
}

// Resolver derives persona paths under a data directory and serializes
// access per persona with a process-wide lock table.
type Resolver struct {
	dataPath string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResolver creates a Resolver rooted at dataPath.
func NewResolver(dataPath string) *Resolver {
	return &Resolver{
		dataPath: dataPath,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Lock returns the mutex serializing writers for the given persona. The
// mutex is created on first use and lives for the process lifetime.
func (r *Resolver) Lock(persona string) *sync.Mutex {
	persona = Sanitize(persona)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[persona]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[persona] = l
	return l
}

// Paths returns the filesystem layout for a persona, creating the directory
// and migrating a legacy single-file database if one exists.
func (r *Resolver) Paths(persona string) (Paths, error) {
	persona = Sanitize(persona)
	dir := filepath.Join(r.dataPath, "memory", persona)

	l := r.Lock(persona)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Paths{}, fmt.Errorf("persona: create directory for %q: %w", persona, err)
	}

	p := Paths{
		Dir:            dir,
		MemoryDB:       filepath.Join(dir, "memory.sqlite"),
		EquipmentDB:    filepath.Join(dir, "equipment.db"),
		ContextFile:    filepath.Join(dir, "persona_context.json"),
		ContextBackup:  filepath.Join(dir, "persona_context.json.backup"),
		KnowledgeGraph: filepath.Join(dir, "knowledge_graph.html"),
	}

	if err := r.migrateLegacy(persona, p); err != nil {
		return Paths{}, err
	}
	return p, nil
}

// migrateLegacy moves a legacy single-file database at
// <data>/memory/<persona>.sqlite into the persona directory. The migration
// runs only when the legacy file exists and the new path does not; the
// rename is atomic and the parent directory is fsynced so a crash cannot
// leave both halves.
func (r *Resolver) migrateLegacy(persona string, p Paths) error {
	legacy := filepath.Join(r.dataPath, "memory", persona+".sqlite")
	if _, err := os.Stat(legacy); err != nil {
		return nil // no legacy file
	}
	if _, err := os.Stat(p.MemoryDB); err == nil {
		return nil // new layout already populated, leave the legacy file alone
	}

	if err := os.Rename(legacy, p.MemoryDB); err != nil {
		return fmt.Errorf("persona: migrate legacy database for %q: %w", persona, err)
	}
	syncDir(filepath.Dir(legacy))
	syncDir(p.Dir)
	log.Printf("persona: migrated legacy database %s -> %s", legacy, p.MemoryDB)
	return nil
}

// syncDir fsyncs a directory so a completed rename survives power loss.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
