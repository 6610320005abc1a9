package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const longTermSchema = `
CREATE TABLE IF NOT EXISTS long_term_memory (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	run_id     TEXT NOT NULL DEFAULT '',
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_long_term_key ON long_term_memory(key);
`

const defaultLongTermLimit = 20

// LongTerm is the durable tier: a SQLite file that survives restarts.
// Rows are only ever inserted.
type LongTerm struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// OpenLongTerm opens (or creates) the store at path, creating parent
// directories as needed.
func OpenLongTerm(path string, logger *zap.Logger) (*LongTerm, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create long-term directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open long-term store: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(longTermSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate long-term store: %w", err)
	}
	logger.Debug("long-term memory opened", zap.String("path", path))
	return &LongTerm{db: db, path: path, logger: logger}, nil
}

func (l *LongTerm) Path() string { return l.path }

func (l *LongTerm) Close() error { return l.db.Close() }

// Write appends a fact. A repeated key adds a newer row.
func (l *LongTerm) Write(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return ErrEmptyKey
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO long_term_memory (id, run_id, key, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.Key, rec.Value, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert long-term fact %s: %w", rec.Key, err)
	}
	return nil
}

// Query matches an exact key, or a key prefix, newest first. With neither set
// it returns the newest facts overall.
func (l *LongTerm) Query(ctx context.Context, c Criteria) ([]Record, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = defaultLongTermLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	const cols = `SELECT id, run_id, key, value, created_at FROM long_term_memory`
	switch {
	case c.Key != "":
		rows, err = l.db.QueryContext(ctx, cols+` WHERE key = ? ORDER BY seq DESC LIMIT ?`, c.Key, limit)
	case c.Prefix != "":
		rows, err = l.db.QueryContext(ctx,
			cols+` WHERE substr(key, 1, length(?)) = ? ORDER BY seq DESC LIMIT ?`, c.Prefix, c.Prefix, limit)
	default:
		rows, err = l.db.QueryContext(ctx, cols+` ORDER BY seq DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query long-term memory: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Key, &rec.Value, &created); err != nil {
			return nil, fmt.Errorf("scan long-term fact: %w", err)
		}
		rec.Tier = TierLong
		rec.CreatedAt = time.Unix(0, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
