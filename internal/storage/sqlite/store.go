// Package sqlite implements the persona-scoped durable store on top of
// modernc.org/sqlite (CGO-free).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kokoroai/kokoro/internal/storage"
	"github.com/kokoroai/kokoro/pkg/types"
)

// Store implements storage.MemoryStore and storage.TaskStore over a single
// per-persona SQLite file.
type Store struct {
	db    *sql.DB
	cache *queryCache
}

// memoryColumns enumerates the expected columns of the memories table with
// their ALTER-compatible definitions. Schema reconciliation at open adds any
// absent column in place; migrations are never destructive.
var memoryColumns = []struct {
	name string
	ddl  string
}{
	{"key", "TEXT PRIMARY KEY"},
	{"content", "TEXT NOT NULL DEFAULT ''"},
	{"created_at", "TEXT NOT NULL DEFAULT ''"},
	{"updated_at", "TEXT NOT NULL DEFAULT ''"},
	{"tags", "TEXT NOT NULL DEFAULT '[]'"},
	{"importance", "REAL NOT NULL DEFAULT 0.5"},
	{"emotion", "TEXT NOT NULL DEFAULT ''"},
	{"emotion_intensity", "REAL NOT NULL DEFAULT 0.0"},
	{"physical_state", "TEXT NOT NULL DEFAULT ''"},
	{"mental_state", "TEXT NOT NULL DEFAULT ''"},
	{"environment", "TEXT NOT NULL DEFAULT ''"},
	{"relationship_status", "TEXT NOT NULL DEFAULT ''"},
	{"action_tag", "TEXT NOT NULL DEFAULT ''"},
	{"related_keys", "TEXT NOT NULL DEFAULT '[]'"},
	{"summary_ref", "TEXT NOT NULL DEFAULT ''"},
	{"equipped_items", "TEXT NOT NULL DEFAULT '{}'"},
	{"access_count", "INTEGER NOT NULL DEFAULT 0"},
	{"last_accessed", "TEXT"},
	{"privacy_level", "TEXT NOT NULL DEFAULT 'internal'"},
}

// Open opens (or creates) the store at path and reconciles the schema.
// The open is safe to repeat: column adds are skipped when present and all
// auxiliary tables use CREATE TABLE IF NOT EXISTS. Concurrent opens of the
// same file within one process must be serialized by the caller's
// per-persona lock.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// SQLite supports one concurrent writer. A single open connection
	// serializes writes and avoids SQLITE_BUSY under concurrent load; WAL
	// lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, cache: newQueryCache()}
	if err := s.reconcileSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// reconcileSchema creates missing tables and adds absent memories columns
// in a single transaction.
func (s *Store) reconcileSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin schema reconcile: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS memories (key TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("sqlite: create memories table: %w", err)
	}

	existing, err := tableColumns(tx, "memories")
	if err != nil {
		return err
	}
	for _, col := range memoryColumns {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE memories ADD COLUMN %s %s", col.name, col.ddl)
		// PRIMARY KEY cannot be added after the fact; the CREATE above
		// already carries it.
		if col.name == "key" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: add column %s: %w", col.name, err)
		}
		log.Printf("sqlite: added missing column memories.%s", col.name)
	}

	if _, err := tx.Exec(auxSchema); err != nil {
		return fmt.Errorf("sqlite: create auxiliary tables: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit schema reconcile: %w", err)
	}
	return nil
}

// tableColumns returns the column set of a table via PRAGMA table_info.
func tableColumns(tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("sqlite: table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("sqlite: scan table_info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// auxSchema creates every auxiliary table. All creations are idempotent.
const auxSchema = `
CREATE TABLE IF NOT EXISTS operation_log (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	operation TEXT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	before_image TEXT,
	after_image TEXT,
	success INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS physical_sensations_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	memory_key TEXT NOT NULL DEFAULT '',
	fatigue REAL NOT NULL DEFAULT 0,
	warmth REAL NOT NULL DEFAULT 0,
	arousal REAL NOT NULL DEFAULT 0,
	touch_response REAL NOT NULL DEFAULT 0,
	heart_rate_metaphor TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS emotion_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	memory_key TEXT NOT NULL DEFAULT '',
	emotion TEXT NOT NULL,
	emotion_intensity REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS promises (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL,
	due_date TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	priority INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS goals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL,
	target_date TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	progress INTEGER NOT NULL DEFAULT 0,
	completed_at TEXT,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS memory_blocks (
	name TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_state_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	valid_from TEXT NOT NULL,
	valid_until TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_emotion_history_ts ON emotion_history(timestamp);
CREATE INDEX IF NOT EXISTS idx_physical_history_ts ON physical_sensations_history(timestamp);
CREATE INDEX IF NOT EXISTS idx_user_state_field ON user_state_history(field, valid_from);
`

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for collaborators (dashboard stats queries).
func (s *Store) DB() *sql.DB {
	return s.db
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		// Tolerate second-precision rows written by older versions.
		if t2, err2 := time.Parse(time.RFC3339, raw); err2 == nil {
			return t2
		}
		return time.Time{}
	}
	return t
}

const memorySelectColumns = `key, content, created_at, updated_at, tags, importance,
	emotion, emotion_intensity, physical_state, mental_state, environment,
	relationship_status, action_tag, related_keys, summary_ref,
	equipped_items, access_count, last_accessed, privacy_level`

// Upsert inserts or replaces a row by key. Validates the key shape, clamps
// numeric ranges, and serializes list/map fields as compact JSON. Clears
// the read cache.
func (s *Store) Upsert(ctx context.Context, record *types.MemoryRecord) error {
	if record == nil {
		return storage.ErrInvalidInput
	}
	if !types.ValidMemoryKey(record.Key) {
		return fmt.Errorf("%w: malformed memory key %q", storage.ErrInvalidInput, record.Key)
	}
	if record.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	record.Normalize()

	tagsJSON, err := marshalList(record.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: marshal tags: %w", err)
	}
	relatedJSON, err := marshalList(record.RelatedKeys)
	if err != nil {
		return fmt.Errorf("sqlite: marshal related_keys: %w", err)
	}
	equippedJSON, err := marshalMap(record.EquippedItems)
	if err != nil {
		return fmt.Errorf("sqlite: marshal equipped_items: %w", err)
	}

	var lastAccessed any
	if record.LastAccessed != nil {
		lastAccessed = formatTime(*record.LastAccessed)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories (`+memorySelectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Key, record.Content,
		formatTime(record.CreatedAt), formatTime(record.UpdatedAt),
		tagsJSON, record.Importance,
		record.Emotion, record.EmotionIntensity,
		record.PhysicalState, record.MentalState, record.Environment,
		record.RelationshipStatus, record.ActionTag,
		relatedJSON, record.SummaryRef, equippedJSON,
		record.AccessCount, lastAccessed, string(record.PrivacyLevel),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert %s: %w", record.Key, err)
	}

	s.cache.Purge()
	return nil
}

// Get fetches a single row with all columns parsed. Read-mostly callers are
// served from the TTL cache.
func (s *Store) Get(ctx context.Context, key string) (*types.MemoryRecord, error) {
	if cached, ok := s.cache.GetRecord(key); ok {
		return cached, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+memorySelectColumns+` FROM memories WHERE key = ?`, key)
	record, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s: %w", key, err)
	}

	s.cache.PutRecord(key, record)
	return record, nil
}

// Delete removes a row. Idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", key, err)
	}
	s.cache.Purge()
	return nil
}

// LoadAll reads every memory row into a snapshot keyed by memory key.
func (s *Store) LoadAll(ctx context.Context) (map[string]*types.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memorySelectColumns+` FROM memories`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*types.MemoryRecord)
	for rows.Next() {
		record, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan row: %w", err)
		}
		out[record.Key] = record
	}
	return out, rows.Err()
}

// RecentKeys returns up to n keys ordered by created_at descending.
func (s *Store) RecentKeys(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM memories ORDER BY created_at DESC, key DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Count returns the number of memory rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	if n, ok := s.cache.GetStat("count"); ok {
		return n, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	s.cache.PutStat("count", n)
	return n, nil
}

// SumContentChars returns the total content length across all rows.
func (s *Store) SumContentChars(ctx context.Context) (int, error) {
	if n, ok := s.cache.GetStat("content_chars"); ok {
		return n, nil
	}
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(content)) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: sum content chars: %w", err)
	}
	s.cache.PutStat("content_chars", int(n.Int64))
	return int(n.Int64), nil
}

// TouchAccess bumps access_count and last_accessed. Best-effort by
// contract: reads must never fail because the bump did.
func (s *Store) TouchAccess(key string) {
	_, err := s.db.Exec(
		`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE key = ?`,
		formatTime(time.Now()), key)
	if err != nil {
		log.Printf("WARNING: sqlite: access bump failed for %s: %v", key, err)
		return
	}
	s.cache.Purge()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*types.MemoryRecord, error) {
	var (
		rec                                  types.MemoryRecord
		createdAt, updatedAt                 string
		tagsJSON, relatedJSON, equippedJSON  string
		lastAccessed                         sql.NullString
		privacy                              string
	)
	err := row.Scan(
		&rec.Key, &rec.Content, &createdAt, &updatedAt, &tagsJSON,
		&rec.Importance, &rec.Emotion, &rec.EmotionIntensity,
		&rec.PhysicalState, &rec.MentalState, &rec.Environment,
		&rec.RelationshipStatus, &rec.ActionTag,
		&relatedJSON, &rec.SummaryRef, &equippedJSON,
		&rec.AccessCount, &lastAccessed, &privacy,
	)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.Tags = unmarshalList(tagsJSON)
	rec.RelatedKeys = unmarshalList(relatedJSON)
	rec.EquippedItems = unmarshalMap(equippedJSON)
	rec.PrivacyLevel = types.PrivacyLevel(privacy)
	if lastAccessed.Valid && lastAccessed.String != "" {
		t := parseTime(lastAccessed.String)
		rec.LastAccessed = &t
	}
	return &rec, nil
}

func marshalList(list []string) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(list)
	return string(raw), err
}

func unmarshalList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Printf("WARNING: sqlite: malformed JSON list %q", raw)
		return nil
	}
	return out
}

func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	return string(raw), err
}

func unmarshalMap(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Printf("WARNING: sqlite: malformed JSON map %q", raw)
		return nil
	}
	return out
}
