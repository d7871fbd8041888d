package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kokoroai/kokoro/pkg/types"
)

// AppendOpLog records an audit entry. Best-effort by contract: the caller
// never sees an error; failures are logged locally. Entries are never
// deleted by the core.
func (s *Store) AppendOpLog(entry types.OpLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	before, after := marshalImage(entry.Before), marshalImage(entry.After)
	metadata := "{}"
	if len(entry.Metadata) > 0 {
		if raw, err := json.Marshal(entry.Metadata); err == nil {
			metadata = string(raw)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO operation_log (id, timestamp, operation, key, before_image, after_image, success, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTime(entry.Timestamp), entry.Operation, entry.Key,
		before, after, boolToInt(entry.Success), entry.Error, metadata)
	if err != nil {
		log.Printf("WARNING: sqlite: op log append failed for %s/%s: %v",
			entry.Operation, entry.Key, err)
	}
}

// OpLogTail returns the most recent n audit entries, newest first. Used by
// the dashboard activity view.
func (s *Store) OpLogTail(ctx context.Context, n int) ([]types.OpLogEntry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, operation, key, success, error
		FROM operation_log ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: op log tail: %w", err)
	}
	defer rows.Close()

	var out []types.OpLogEntry
	for rows.Next() {
		var (
			e       types.OpLogEntry
			ts      string
			success int
		)
		if err := rows.Scan(&e.ID, &ts, &e.Operation, &e.Key, &success, &e.Error); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendPhysicalSensations appends one row to the physical sensations
// history stream. Rows are never mutated after insert.
func (s *Store) AppendPhysicalSensations(ctx context.Context, snap types.PhysicalSnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO physical_sensations_history
			(timestamp, memory_key, fatigue, warmth, arousal, touch_response, heart_rate_metaphor)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(snap.Timestamp), snap.MemoryKey,
		snap.Fatigue, snap.Warmth, snap.Arousal, snap.TouchResponse, snap.HeartRateMetaphor)
	if err != nil {
		return fmt.Errorf("sqlite: append physical sensations: %w", err)
	}
	return nil
}

// AppendEmotion appends one row to the emotion history stream.
func (s *Store) AppendEmotion(ctx context.Context, snap types.EmotionSnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emotion_history (timestamp, memory_key, emotion, emotion_intensity)
		VALUES (?, ?, ?, ?)`,
		formatTime(snap.Timestamp), snap.MemoryKey, snap.Emotion,
		types.Clamp01(snap.EmotionIntensity))
	if err != nil {
		return fmt.Errorf("sqlite: append emotion: %w", err)
	}
	return nil
}

// PhysicalHistory returns rows within [from, to] ordered by timestamp.
func (s *Store) PhysicalHistory(ctx context.Context, from, to time.Time) ([]types.PhysicalSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, memory_key, fatigue, warmth, arousal, touch_response, heart_rate_metaphor
		FROM physical_sensations_history
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`,
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite: physical history: %w", err)
	}
	defer rows.Close()

	var out []types.PhysicalSnapshot
	for rows.Next() {
		var (
			snap types.PhysicalSnapshot
			ts   string
		)
		if err := rows.Scan(&ts, &snap.MemoryKey, &snap.Fatigue, &snap.Warmth,
			&snap.Arousal, &snap.TouchResponse, &snap.HeartRateMetaphor); err != nil {
			return nil, err
		}
		snap.Timestamp = parseTime(ts)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// EmotionHistory returns rows within [from, to] ordered by timestamp.
func (s *Store) EmotionHistory(ctx context.Context, from, to time.Time) ([]types.EmotionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, memory_key, emotion, emotion_intensity
		FROM emotion_history
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`,
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite: emotion history: %w", err)
	}
	defer rows.Close()

	var out []types.EmotionSnapshot
	for rows.Next() {
		var (
			snap types.EmotionSnapshot
			ts   string
		)
		if err := rows.Scan(&ts, &snap.MemoryKey, &snap.Emotion, &snap.EmotionIntensity); err != nil {
			return nil, err
		}
		snap.Timestamp = parseTime(ts)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func marshalImage(rec *types.MemoryRecord) any {
	if rec == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
