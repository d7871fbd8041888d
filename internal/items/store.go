// Package items implements the item/inventory collaborator store backed by
// the per-persona equipment.db SQLite file. Items live beside memories:
// the engine snapshots the equipped map into each memory at creation, and
// the memories sub-operation joins that snapshot back to items by name.
package items

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kokoroai/kokoro/internal/storage"
)

// Item is one inventory row. Name is unique per persona; Slot is set only
// while the item is equipped.
type Item struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	Quantity    int       `json:"quantity"`
	Slot        string    `json:"slot,omitempty"`
	Equipped    bool      `json:"equipped"`
	AcquiredAt  time.Time `json:"acquired_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HistoryEntry is one append-only audit row of the item store.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	ItemName  string    `json:"item_name"`
	Detail    string    `json:"detail,omitempty"`
}

// Stats summarizes the inventory.
type Stats struct {
	Total       int            `json:"total"`
	Equipped    int            `json:"equipped"`
	PerCategory map[string]int `json:"per_category"`
}

// Store is the equipment.db handle. One writer at a time, same connection
// discipline as the memory store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) equipment.db at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("items: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("items: %s: %w", pragma, err)
		}
	}

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL DEFAULT 1,
			slot TEXT NOT NULL DEFAULT '',
			equipped INTEGER NOT NULL DEFAULT 0,
			acquired_at TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS item_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			item_name TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_equipped ON items(equipped)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("items: create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a new item. Adding an existing name bumps its quantity
// instead of failing.
func (s *Store) Add(ctx context.Context, name, category, description string, quantity int) (*Item, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: item name is required", storage.ErrInvalidInput)
	}
	if quantity <= 0 {
		quantity = 1
	}
	now := time.Now()

	if existing, err := s.Get(ctx, name); err == nil {
		existing.Quantity += quantity
		existing.UpdatedAt = now
		if err := s.put(ctx, existing); err != nil {
			return nil, err
		}
		s.logHistory(ctx, now, "add", name, fmt.Sprintf("quantity +%d (now %d)", quantity, existing.Quantity))
		return existing, nil
	} else if err != storage.ErrNotFound {
		return nil, err
	}

	item := &Item{
		ID:          uuid.NewString(),
		Name:        name,
		Category:    strings.TrimSpace(category),
		Description: strings.TrimSpace(description),
		Quantity:    quantity,
		AcquiredAt:  now,
		UpdatedAt:   now,
	}
	if err := s.put(ctx, item); err != nil {
		return nil, err
	}
	s.logHistory(ctx, now, "add", name, fmt.Sprintf("quantity %d", quantity))
	return item, nil
}

// Remove decrements quantity, deleting the row when it reaches zero.
// Idempotent on a missing name.
func (s *Store) Remove(ctx context.Context, name string, quantity int) error {
	item, err := s.Get(ctx, name)
	if err == storage.ErrNotFound {
		return nil
	} else if err != nil {
		return err
	}
	if quantity <= 0 {
		quantity = item.Quantity
	}
	now := time.Now()

	if quantity >= item.Quantity {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE name = ?`, name); err != nil {
			return fmt.Errorf("items: remove %s: %w", name, err)
		}
		s.logHistory(ctx, now, "remove", name, "all")
		return nil
	}
	item.Quantity -= quantity
	item.UpdatedAt = now
	if err := s.put(ctx, item); err != nil {
		return err
	}
	s.logHistory(ctx, now, "remove", name, fmt.Sprintf("quantity -%d (now %d)", quantity, item.Quantity))
	return nil
}

// Equip places the item in a slot, displacing whatever occupies it.
func (s *Store) Equip(ctx context.Context, name, slot string) (*Item, error) {
	slot = strings.TrimSpace(slot)
	if slot == "" {
		return nil, fmt.Errorf("%w: slot is required", storage.ErrInvalidInput)
	}
	item, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	// One item per slot: displace the current occupant.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE items SET equipped = 0, slot = '', updated_at = ? WHERE slot = ? AND name != ?`,
		formatTime(now), slot, name); err != nil {
		return nil, fmt.Errorf("items: clear slot %s: %w", slot, err)
	}

	item.Slot = slot
	item.Equipped = true
	item.UpdatedAt = now
	if err := s.put(ctx, item); err != nil {
		return nil, err
	}
	s.logHistory(ctx, now, "equip", name, "slot "+slot)
	return item, nil
}

// Unequip clears the item's slot.
func (s *Store) Unequip(ctx context.Context, name string) (*Item, error) {
	item, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	slot := item.Slot

	item.Slot = ""
	item.Equipped = false
	item.UpdatedAt = now
	if err := s.put(ctx, item); err != nil {
		return nil, err
	}
	s.logHistory(ctx, now, "unequip", name, "slot "+slot)
	return item, nil
}

// Update replaces category/description/quantity; empty string and zero
// leave a field untouched.
func (s *Store) Update(ctx context.Context, name, category, description string, quantity int) (*Item, error) {
	item, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	if category != "" {
		item.Category = strings.TrimSpace(category)
	}
	if description != "" {
		item.Description = strings.TrimSpace(description)
	}
	if quantity > 0 {
		item.Quantity = quantity
	}
	item.UpdatedAt = now
	if err := s.put(ctx, item); err != nil {
		return nil, err
	}
	s.logHistory(ctx, now, "update", name, "")
	return item, nil
}

// Rename changes the item's name; history rows keep the old name with the
// rename recorded as its own entry so the audit trail stays coherent.
func (s *Store) Rename(ctx context.Context, oldName, newName string) (*Item, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, fmt.Errorf("%w: new name is required", storage.ErrInvalidInput)
	}
	item, err := s.Get(ctx, oldName)
	if err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, newName); err == nil {
		return nil, fmt.Errorf("%w: item %q already exists", storage.ErrInvalidInput, newName)
	} else if err != storage.ErrNotFound {
		return nil, err
	}
	now := time.Now()

	item.Name = newName
	item.UpdatedAt = now
	if _, err := s.db.ExecContext(ctx,
		`UPDATE items SET name = ?, updated_at = ? WHERE id = ?`,
		newName, formatTime(now), item.ID); err != nil {
		return nil, fmt.Errorf("items: rename %s: %w", oldName, err)
	}
	s.logHistory(ctx, now, "rename", oldName, "to "+newName)
	return item, nil
}

// Get fetches one item by name.
func (s *Store) Get(ctx context.Context, name string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, description, quantity, slot, equipped, acquired_at, updated_at
		FROM items WHERE name = ?`, name)
	return scanItem(row)
}

// Search returns items whose name, category, or description contains the
// query, case-insensitively. An empty query lists everything.
func (s *Store) Search(ctx context.Context, query string) ([]Item, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, description, quantity, slot, equipped, acquired_at, updated_at
		FROM items
		WHERE lower(name) LIKE ?1 OR lower(category) LIKE ?1 OR lower(description) LIKE ?1
		ORDER BY name ASC`, pattern)
	if err != nil {
		return nil, fmt.Errorf("items: search: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// EquippedMap returns the current slot→name mapping, the shape snapshotted
// into memories at creation.
func (s *Store) EquippedMap(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slot, name FROM items WHERE equipped = 1`)
	if err != nil {
		return nil, fmt.Errorf("items: equipped map: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var slot, name string
		if err := rows.Scan(&slot, &name); err != nil {
			return nil, fmt.Errorf("items: scan equipped: %w", err)
		}
		out[slot] = name
	}
	return out, rows.Err()
}

// History returns the most recent n audit entries, newest first. A name
// narrows the view to one item.
func (s *Store) History(ctx context.Context, name string, n int) ([]HistoryEntry, error) {
	if n <= 0 {
		n = 50
	}
	query := `SELECT timestamp, action, item_name, detail FROM item_history`
	args := []any{}
	if name != "" {
		query += ` WHERE item_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("items: history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var ts string
		if err := rows.Scan(&ts, &e.Action, &e.ItemName, &e.Detail); err != nil {
			return nil, fmt.Errorf("items: scan history: %w", err)
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats summarizes the inventory by category and equipped count.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{PerCategory: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT category, equipped FROM items`)
	if err != nil {
		return nil, fmt.Errorf("items: stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var equipped bool
		if err := rows.Scan(&category, &equipped); err != nil {
			return nil, fmt.Errorf("items: scan stats: %w", err)
		}
		stats.Total++
		if equipped {
			stats.Equipped++
		}
		if category == "" {
			category = "uncategorized"
		}
		stats.PerCategory[category]++
	}
	return stats, rows.Err()
}

func (s *Store) put(ctx context.Context, item *Item) error {
	equipped := 0
	if item.Equipped {
		equipped = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO items
			(id, name, category, description, quantity, slot, equipped, acquired_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Name, item.Category, item.Description, item.Quantity,
		item.Slot, equipped, formatTime(item.AcquiredAt), formatTime(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("items: put %s: %w", item.Name, err)
	}
	return nil
}

// logHistory is best-effort by the same contract as the memory op log.
func (s *Store) logHistory(ctx context.Context, now time.Time, action, name, detail string) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO item_history (timestamp, action, item_name, detail)
		VALUES (?, ?, ?, ?)`,
		formatTime(now), action, name, detail); err != nil {
		log.Printf("WARNING: item history append failed for %s: %v", name, err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var equipped int
	var acquired, updated string
	err := row.Scan(&item.ID, &item.Name, &item.Category, &item.Description,
		&item.Quantity, &item.Slot, &equipped, &acquired, &updated)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("items: scan item: %w", err)
	}
	item.Equipped = equipped != 0
	item.AcquiredAt = parseTime(acquired)
	item.UpdatedAt = parseTime(updated)
	return &item, nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
