package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/code-monkeys/internal/memory"
)

const defaultLongTermLimit = 20

// LongTerm is the long-term memory tier on Postgres, shared by every process
// pointing at the same database. Rows are only ever inserted.
type LongTerm struct {
	store *Store
}

// LongTerm returns the long-term memory tier of s.
func (s *Store) LongTerm() *LongTerm { return &LongTerm{store: s} }

// Write appends a fact. A repeated key adds a newer row.
func (l *LongTerm) Write(ctx context.Context, rec memory.Record) error {
	if rec.Key == "" {
		return memory.ErrEmptyKey
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := l.store.db.Exec(ctx, `
		INSERT INTO long_term_memory (id, run_id, key, value, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.RunID, rec.Key, rec.Value, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert long-term fact %s: %w", rec.Key, err)
	}
	return nil
}

// Query matches an exact key, or a key prefix, newest first.
func (l *LongTerm) Query(ctx context.Context, c memory.Criteria) ([]memory.Record, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = defaultLongTermLimit
	}

	const cols = `SELECT id, run_id, key, value, created_at FROM long_term_memory`
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case c.Key != "":
		rows, err = l.store.db.Query(ctx, cols+` WHERE key = $1 ORDER BY seq DESC LIMIT $2`, c.Key, limit)
	case c.Prefix != "":
		rows, err = l.store.db.Query(ctx, cols+` WHERE starts_with(key, $1) ORDER BY seq DESC LIMIT $2`, c.Prefix, limit)
	default:
		rows, err = l.store.db.Query(ctx, cols+` ORDER BY seq DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query long-term memory: %w", err)
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		rec := memory.Record{Tier: memory.TierLong}
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Key, &rec.Value, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan long-term fact: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
