// Package memory implements the tiered knowledge substrate consulted before
// every task and updated after it. All tiers are append-only: a newer record
// supersedes an older one by recency, never by overwriting it.
package memory

import (
	"context"
	"errors"
	"time"
)

// Tier names one of the three memory tiers.
type Tier string

const (
	TierLong   Tier = "long"
	TierShort  Tier = "short"
	TierEntity Tier = "entity"
)

// Record is one remembered fact. Embedding is only set on short-term and
// entity records. Score is filled by queries that rank by similarity.
type Record struct {
	ID        string    `json:"id"`
	Tier      Tier      `json:"tier"`
	RunID     string    `json:"run_id,omitempty"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Score     float64   `json:"score,omitempty"`
}

// Criteria selects records. Long-term uses Key or Prefix; the similarity
// tiers use RunID and Text. Limit <= 0 means the tier default.
type Criteria struct {
	RunID  string
	Key    string
	Prefix string
	Text   string
	Limit  int
}

// Store is the contract every tier implements. Query results are finite and
// ordered most relevant (or most recent) first.
type Store interface {
	Write(ctx context.Context, rec Record) error
	Query(ctx context.Context, c Criteria) ([]Record, error)
}

// Index is a run-scoped nearest-neighbour index backing the similarity tiers.
type Index interface {
	Add(ctx context.Context, rec Record) error
	Search(ctx context.Context, runID string, vector []float32, limit int) ([]Record, error)
	// Lookup returns every record of a run stored under key, newest first.
	Lookup(ctx context.Context, runID, key string) ([]Record, error)
	Drop(ctx context.Context, runID string) error
	Close() error
}

var (
	ErrEmptyKey = errors.New("memory: record key is required")
	ErrNoRun    = errors.New("memory: run id is required")
)

// Embedder is the subset of embedding.Provider the tiers need.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
