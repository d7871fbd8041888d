// Package storage provides composable storage interfaces for the Kokoro
// memory system. Small, focused interfaces keep backends independently
// implementable and testable.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kokoroai/kokoro/pkg/types"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidInput indicates the caller supplied malformed input; no state
// was changed.
var ErrInvalidInput = errors.New("invalid input")

// MemoryStore is the per-persona durable store for memory rows and the
// auxiliary tables that hang off them.
type MemoryStore interface {
	// LoadAll reads every memory row into an in-memory snapshot, keyed by
	// memory key. Used by the vector rebuilder and as a warm cache.
	LoadAll(ctx context.Context) (map[string]*types.MemoryRecord, error)

	// Get fetches a single row with all columns parsed.
	// Returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) (*types.MemoryRecord, error)

	// Upsert inserts or replaces a row by key. Importance and emotion
	// intensity are clamped to [0,1]; list and map fields are serialized
	// as compact JSON.
	Upsert(ctx context.Context, record *types.MemoryRecord) error

	// Delete removes a row. Idempotent: deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// RecentKeys returns up to n keys ordered by created_at descending.
	RecentKeys(ctx context.Context, n int) ([]string, error)

	// Count returns the number of memory rows.
	Count(ctx context.Context) (int, error)

	// SumContentChars returns the total content length across all rows.
	SumContentChars(ctx context.Context) (int, error)

	// TouchAccess bumps access_count and last_accessed. Best-effort: the
	// caller never sees an error, failures are logged locally.
	TouchAccess(key string)

	// AppendOpLog records an audit entry. Best-effort: never fails the
	// caller, logs locally on error.
	AppendOpLog(entry types.OpLogEntry)

	// AppendPhysicalSensations appends one row to the physical sensations
	// history stream. Rows are never mutated after insert.
	AppendPhysicalSensations(ctx context.Context, snap types.PhysicalSnapshot) error

	// AppendEmotion appends one row to the emotion history stream.
	AppendEmotion(ctx context.Context, snap types.EmotionSnapshot) error

	// PhysicalHistory returns rows within [from, to] ordered by timestamp.
	PhysicalHistory(ctx context.Context, from, to time.Time) ([]types.PhysicalSnapshot, error)

	// EmotionHistory returns rows within [from, to] ordered by timestamp.
	EmotionHistory(ctx context.Context, from, to time.Time) ([]types.EmotionSnapshot, error)

	// Close releases the underlying database handle.
	Close() error
}

// TaskStore manages promises, goals, memory blocks, and the bitemporal
// user-state log. Owned solely by the durable store.
type TaskStore interface {
	UpsertPromise(ctx context.Context, p *types.Promise) error
	ListPromises(ctx context.Context, status types.TaskStatus) ([]types.Promise, error)
	UpsertGoal(ctx context.Context, g *types.Goal) error
	ListGoals(ctx context.Context, status types.TaskStatus) ([]types.Goal, error)

	// UpsertBlock writes a named always-in-context slot, unique per name.
	UpsertBlock(ctx context.Context, b *types.MemoryBlock) error
	ListBlocks(ctx context.Context) ([]types.MemoryBlock, error)

	// SetUserState writes a new bitemporal value for a user field: the
	// prior current row's valid_until is closed and a fresh row opens with
	// valid_until NULL.
	SetUserState(ctx context.Context, field, value string, now time.Time) error

	// CurrentUserState returns the row with valid_until NULL, or
	// ErrNotFound when the field was never written.
	CurrentUserState(ctx context.Context, field string) (*types.UserStateRecord, error)

	// UserStateHistory returns all rows for a field ordered by valid_from.
	UserStateHistory(ctx context.Context, field string) ([]types.UserStateRecord, error)
}
