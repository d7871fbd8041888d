package vector

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PgvectorIndex stores embeddings in Postgres with the pgvector extension,
// one table per persona. Distance uses the cosine operator, matching the
// other backends.
type PgvectorIndex struct {
	db       *sql.DB
	table    string
	embedder Embedder
}

var identPattern = regexp.MustCompile(`[^a-z0-9_]+`)

// tableName derives a safe identifier from the collection prefix and
// persona.
func tableName(prefix, persona string) string {
	raw := strings.ToLower(prefix + persona)
	return identPattern.ReplaceAllString(raw, "_")
}

// NewPgvectorIndex opens the connection and reconciles the persona table.
func NewPgvectorIndex(dsn, prefix, persona string, embedder Embedder) (*PgvectorIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	p := &PgvectorIndex{db: db, table: tableName(prefix, persona), embedder: embedder}
	if err := p.ensureTable(context.Background(), p.table); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PgvectorIndex) ensureTable(ctx context.Context, table string) error {
	if _, err := p.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		// Needs superuser on some installs; the CREATE TABLE below will
		// surface a real failure.
		log.Printf("WARNING: pgvector: create extension: %v", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		content TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		emotion TEXT NOT NULL DEFAULT '',
		importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		action_tag TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		embedding vector(%d) NOT NULL
	)`, table, p.embedder.Dimensions())
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("pgvector: create table %s: %w", table, err)
	}
	return nil
}

func (p *PgvectorIndex) Upsert(ctx context.Context, payload Payload, enriched string) error {
	embeddings, err := p.embedder.EmbedDocs(ctx, []string{enriched})
	if err != nil {
		return fmt.Errorf("pgvector: embed %s: %w", payload.Key, err)
	}
	return p.insertPoint(ctx, p.table, payload, embeddings[0])
}

func (p *PgvectorIndex) insertPoint(ctx context.Context, table string, payload Payload, vec []float32) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(id, key, content, tags, emotion, importance, action_tag, environment, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key) DO UPDATE SET
			content = EXCLUDED.content,
			tags = EXCLUDED.tags,
			emotion = EXCLUDED.emotion,
			importance = EXCLUDED.importance,
			action_tag = EXCLUDED.action_tag,
			environment = EXCLUDED.environment,
			created_at = EXCLUDED.created_at,
			embedding = EXCLUDED.embedding`, table)
	_, err := p.db.ExecContext(ctx, query,
		int64(PointID(payload.Key)), payload.Key, payload.Content, pq.Array(payload.Tags),
		payload.Emotion, payload.Importance, payload.ActionTag, payload.Environment,
		payload.CreatedAt, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("pgvector: upsert %s: %w", payload.Key, err)
	}
	return nil
}

func (p *PgvectorIndex) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE key = ANY($1)", p.table)
	if _, err := p.db.ExecContext(ctx, query, pq.Array(keys)); err != nil {
		return fmt.Errorf("pgvector: delete: %w", err)
	}
	return nil
}

func (p *PgvectorIndex) SearchByVector(ctx context.Context, vec []float32, k int, filter *Filter) ([]Hit, error) {
	where, args := pgFilterClause(filter, 2)
	query := fmt.Sprintf(`SELECT key, content, tags, emotion, importance, action_tag, environment, created_at,
		embedding <=> $1 AS distance
		FROM %s%s
		ORDER BY distance ASC
		LIMIT %d`, p.table, where, k)
	allArgs := append([]any{pgvector.NewVector(vec)}, args...)

	rows, err := p.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var tags pq.StringArray
		if err := rows.Scan(&h.Payload.Key, &h.Payload.Content, &tags, &h.Payload.Emotion,
			&h.Payload.Importance, &h.Payload.ActionTag, &h.Payload.Environment,
			&h.Payload.CreatedAt, &h.Distance); err != nil {
			return nil, fmt.Errorf("pgvector: scan hit: %w", err)
		}
		h.Payload.Tags = []string(tags)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (p *PgvectorIndex) SearchByText(ctx context.Context, query string, k int, filter *Filter) ([]Hit, error) {
	vec, err := p.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgvector: embed query: %w", err)
	}
	return p.SearchByVector(ctx, vec, k, filter)
}

// Rebuild fills a shadow table and swaps it in with a rename inside one
// transaction, so readers never observe a partially built table.
func (p *PgvectorIndex) Rebuild(ctx context.Context, docs []RebuildDoc) error {
	shadow := p.table + "_rebuild"
	if _, err := p.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+shadow); err != nil {
		return fmt.Errorf("pgvector: drop stale shadow: %w", err)
	}
	if err := p.ensureTable(ctx, shadow); err != nil {
		return err
	}

	const batchSize = 64
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Enriched
		}
		embeddings, err := p.embedder.EmbedDocs(ctx, texts)
		if err != nil {
			return fmt.Errorf("pgvector: rebuild embedding pass: %w", err)
		}
		for i, d := range batch {
			if err := p.insertPoint(ctx, shadow, d.Payload, embeddings[i]); err != nil {
				return err
			}
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgvector: begin swap: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+p.table); err != nil {
		return fmt.Errorf("pgvector: drop old table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", shadow, p.table)); err != nil {
		return fmt.Errorf("pgvector: rename shadow: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgvector: commit swap: %w", err)
	}
	return nil
}

func (p *PgvectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+p.table).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgvector: count: %w", err)
	}
	return n, nil
}

func (p *PgvectorIndex) Close() error {
	return p.db.Close()
}

// pgFilterColumns limits equality pushdown to known payload columns.
var pgFilterColumns = map[string]bool{
	"key": true, "emotion": true, "action_tag": true, "environment": true,
}

// pgFilterClause renders a Filter as a WHERE clause with placeholders
// starting at argIndex.
func pgFilterClause(f *Filter, argIndex int) (string, []any) {
	if f.Empty() {
		return "", nil
	}
	var conds []string
	var args []any
	for field, want := range f.Equals {
		if !pgFilterColumns[field] {
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = $%d", field, argIndex))
		args = append(args, want)
		argIndex++
	}
	if f.Importance != nil {
		if f.Importance.Min != nil {
			conds = append(conds, fmt.Sprintf("importance >= $%d", argIndex))
			args = append(args, *f.Importance.Min)
			argIndex++
		}
		if f.Importance.Max != nil {
			conds = append(conds, fmt.Sprintf("importance <= $%d", argIndex))
			args = append(args, *f.Importance.Max)
			argIndex++
		}
	}
	if len(f.TagsAny) > 0 {
		conds = append(conds, fmt.Sprintf("tags && $%d", argIndex))
		args = append(args, pq.Array(f.TagsAny))
		argIndex++
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
