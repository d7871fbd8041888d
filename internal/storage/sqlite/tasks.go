package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kokoroai/kokoro/internal/storage"
	"github.com/kokoroai/kokoro/pkg/types"
)

// UpsertPromise inserts a promise when ID is zero, otherwise updates the
// existing row.
func (s *Store) UpsertPromise(ctx context.Context, p *types.Promise) error {
	if p == nil || p.Content == "" {
		return fmt.Errorf("%w: promise content is required", storage.ErrInvalidInput)
	}
	if p.Status == "" {
		p.Status = types.TaskActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	var due any
	if p.DueDate != nil {
		due = formatTime(*p.DueDate)
	}

	if p.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO promises (content, created_at, due_date, status, priority, notes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.Content, formatTime(p.CreatedAt), due, string(p.Status), p.Priority, p.Notes)
		if err != nil {
			return fmt.Errorf("sqlite: insert promise: %w", err)
		}
		p.ID, _ = res.LastInsertId()
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE promises SET content = ?, due_date = ?, status = ?, priority = ?, notes = ?
		WHERE id = ?`,
		p.Content, due, string(p.Status), p.Priority, p.Notes, p.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update promise %d: %w", p.ID, err)
	}
	return nil
}

// ListPromises returns promises, optionally filtered by status, ordered by
// due date then creation.
func (s *Store) ListPromises(ctx context.Context, status types.TaskStatus) ([]types.Promise, error) {
	query := `SELECT id, content, created_at, due_date, status, priority, notes FROM promises`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY due_date IS NULL, due_date, created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list promises: %w", err)
	}
	defer rows.Close()

	var out []types.Promise
	for rows.Next() {
		var (
			p            types.Promise
			createdAt    string
			due, statusS sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Content, &createdAt, &due, &statusS, &p.Priority, &p.Notes); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		p.Status = types.TaskStatus(statusS.String)
		if due.Valid && due.String != "" {
			t := parseTime(due.String)
			p.DueDate = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertGoal inserts a goal when ID is zero, otherwise updates the existing
// row. The progress≥100 auto-completion transition is applied before write.
func (s *Store) UpsertGoal(ctx context.Context, g *types.Goal) error {
	if g == nil || g.Content == "" {
		return fmt.Errorf("%w: goal content is required", storage.ErrInvalidInput)
	}
	if g.Status == "" {
		g.Status = types.TaskActive
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	g.ApplyProgress(g.Progress, time.Now())

	var target, completed any
	if g.TargetDate != nil {
		target = formatTime(*g.TargetDate)
	}
	if g.CompletedAt != nil {
		completed = formatTime(*g.CompletedAt)
	}

	if g.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO goals (content, created_at, target_date, status, progress, completed_at, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			g.Content, formatTime(g.CreatedAt), target, string(g.Status), g.Progress, completed, g.Notes)
		if err != nil {
			return fmt.Errorf("sqlite: insert goal: %w", err)
		}
		g.ID, _ = res.LastInsertId()
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE goals SET content = ?, target_date = ?, status = ?, progress = ?, completed_at = ?, notes = ?
		WHERE id = ?`,
		g.Content, target, string(g.Status), g.Progress, completed, g.Notes, g.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update goal %d: %w", g.ID, err)
	}
	return nil
}

// ListGoals returns goals, optionally filtered by status.
func (s *Store) ListGoals(ctx context.Context, status types.TaskStatus) ([]types.Goal, error) {
	query := `SELECT id, content, created_at, target_date, status, progress, completed_at, notes FROM goals`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY target_date IS NULL, target_date, created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list goals: %w", err)
	}
	defer rows.Close()

	var out []types.Goal
	for rows.Next() {
		var (
			g                 types.Goal
			createdAt         string
			target, completed sql.NullString
			statusS           string
		)
		if err := rows.Scan(&g.ID, &g.Content, &createdAt, &target, &statusS,
			&g.Progress, &completed, &g.Notes); err != nil {
			return nil, err
		}
		g.CreatedAt = parseTime(createdAt)
		g.Status = types.TaskStatus(statusS)
		if target.Valid && target.String != "" {
			t := parseTime(target.String)
			g.TargetDate = &t
		}
		if completed.Valid && completed.String != "" {
			t := parseTime(completed.String)
			g.CompletedAt = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertBlock writes a named always-in-context slot. Upsert-only, unique
// per name.
func (s *Store) UpsertBlock(ctx context.Context, b *types.MemoryBlock) error {
	if b == nil || b.Name == "" {
		return fmt.Errorf("%w: block name is required", storage.ErrInvalidInput)
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_blocks (name, content, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at`,
		b.Name, b.Content, formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert block %s: %w", b.Name, err)
	}
	return nil
}

// ListBlocks returns all memory blocks ordered by name.
func (s *Store) ListBlocks(ctx context.Context) ([]types.MemoryBlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, content, updated_at FROM memory_blocks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list blocks: %w", err)
	}
	defer rows.Close()

	var out []types.MemoryBlock
	for rows.Next() {
		var (
			b  types.MemoryBlock
			ts string
		)
		if err := rows.Scan(&b.Name, &b.Content, &ts); err != nil {
			return nil, err
		}
		b.UpdatedAt = parseTime(ts)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetUserState writes a new bitemporal value for a user field. The prior
// current row (valid_until NULL) is closed at now and a fresh row opens
// with valid_until NULL. Both statements run in one transaction so the
// intervals never overlap.
func (s *Store) SetUserState(ctx context.Context, field, value string, now time.Time) error {
	if field == "" {
		return fmt.Errorf("%w: user state field is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin user state write: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(now)
	if _, err := tx.ExecContext(ctx, `
		UPDATE user_state_history SET valid_until = ?
		WHERE field = ? AND valid_until IS NULL`, ts, field); err != nil {
		return fmt.Errorf("sqlite: close current user state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_state_history (field, value, valid_from, valid_until)
		VALUES (?, ?, ?, NULL)`, field, value, ts); err != nil {
		return fmt.Errorf("sqlite: insert user state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit user state write: %w", err)
	}
	return nil
}

// CurrentUserState returns the row with valid_until NULL for a field.
func (s *Store) CurrentUserState(ctx context.Context, field string) (*types.UserStateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT field, value, valid_from FROM user_state_history
		WHERE field = ? AND valid_until IS NULL`, field)

	var (
		rec  types.UserStateRecord
		from string
	)
	err := row.Scan(&rec.Field, &rec.Value, &from)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: current user state %s: %w", field, err)
	}
	rec.ValidFrom = parseTime(from)
	return &rec, nil
}

// UserStateHistory returns all rows for a field ordered by valid_from.
func (s *Store) UserStateHistory(ctx context.Context, field string) ([]types.UserStateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value, valid_from, valid_until FROM user_state_history
		WHERE field = ? ORDER BY valid_from`, field)
	if err != nil {
		return nil, fmt.Errorf("sqlite: user state history %s: %w", field, err)
	}
	defer rows.Close()

	var out []types.UserStateRecord
	for rows.Next() {
		var (
			rec         types.UserStateRecord
			from        string
			until       sql.NullString
		)
		if err := rows.Scan(&rec.Field, &rec.Value, &from, &until); err != nil {
			return nil, err
		}
		rec.ValidFrom = parseTime(from)
		if until.Valid && until.String != "" {
			t := parseTime(until.String)
			rec.ValidUntil = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
