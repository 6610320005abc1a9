package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ShortTerm is the per-run similarity tier. Each written fact is embedded and
// queries return the top-k nearest facts for the query text.
type ShortTerm struct {
	embedder Embedder
	index    Index
	topK     int
	logger   *zap.Logger
}

func NewShortTerm(embedder Embedder, index Index, topK int, logger *zap.Logger) *ShortTerm {
	if topK <= 0 {
		topK = 3
	}
	return &ShortTerm{embedder: embedder, index: index, topK: topK, logger: logger}
}

func (s *ShortTerm) Write(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		return ErrNoRun
	}
	if rec.Key == "" {
		return ErrEmptyKey
	}
	rec.Tier = TierShort
	return addEmbedded(ctx, s.embedder, s.index, rec, rec.Value)
}

func (s *ShortTerm) Query(ctx context.Context, c Criteria) ([]Record, error) {
	if c.RunID == "" {
		return nil, ErrNoRun
	}
	limit := c.Limit
	if limit <= 0 {
		limit = s.topK
	}
	vec, err := embedOne(ctx, s.embedder, c.Text)
	if err != nil {
		return nil, err
	}
	hits, err := s.index.Search(ctx, c.RunID, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("short-term search: %w", err)
	}
	s.logger.Debug("short-term recall", zap.String("run", c.RunID), zap.Int("hits", len(hits)))
	return hits, nil
}

// Drop discards the run's short-term facts.
func (s *ShortTerm) Drop(ctx context.Context, runID string) error {
	return s.index.Drop(ctx, runID)
}

// Entity is the per-run tier keyed by normalized entity names. Repeated
// mentions of one entity converge on a single profile at query time.
type Entity struct {
	embedder Embedder
	index    Index
	topK     int
	logger   *zap.Logger
}

func NewEntity(embedder Embedder, index Index, topK int, logger *zap.Logger) *Entity {
	if topK <= 0 {
		topK = 3
	}
	return &Entity{embedder: embedder, index: index, topK: topK, logger: logger}
}

// Write normalizes the key before storing the fact.
func (e *Entity) Write(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		return ErrNoRun
	}
	rec.Key = NormalizeEntity(rec.Key)
	if rec.Key == "" {
		return ErrEmptyKey
	}
	rec.Tier = TierEntity
	return addEmbedded(ctx, e.embedder, e.index, rec, rec.Key+" "+rec.Value)
}

// Query ranks entities by their best matching fact and returns one profile
// record per entity. A profile's Value lists the entity's distinct facts,
// newest first.
func (e *Entity) Query(ctx context.Context, c Criteria) ([]Record, error) {
	if c.RunID == "" {
		return nil, ErrNoRun
	}
	limit := c.Limit
	if limit <= 0 {
		limit = e.topK
	}

	if c.Key != "" {
		key := NormalizeEntity(c.Key)
		facts, err := e.index.Lookup(ctx, c.RunID, key)
		if err != nil {
			return nil, fmt.Errorf("entity lookup: %w", err)
		}
		if len(facts) == 0 {
			return nil, nil
		}
		p := profile(key, facts)
		p.Score = 1
		return []Record{p}, nil
	}

	vec, err := embedOne(ctx, e.embedder, c.Text)
	if err != nil {
		return nil, err
	}
	// Over-fetch so several facts of one entity do not crowd out others.
	hits, err := e.index.Search(ctx, c.RunID, vec, limit*4)
	if err != nil {
		return nil, fmt.Errorf("entity search: %w", err)
	}

	var order []string
	best := make(map[string]float64)
	for _, h := range hits {
		if _, ok := best[h.Key]; !ok {
			order = append(order, h.Key)
			best[h.Key] = h.Score
		}
	}
	if len(order) > limit {
		order = order[:limit]
	}

	out := make([]Record, 0, len(order))
	for _, key := range order {
		facts, err := e.index.Lookup(ctx, c.RunID, key)
		if err != nil {
			return nil, fmt.Errorf("entity lookup %s: %w", key, err)
		}
		p := profile(key, facts)
		p.Score = best[key]
		out = append(out, p)
	}
	e.logger.Debug("entity recall", zap.String("run", c.RunID), zap.Int("entities", len(out)))
	return out, nil
}

func (e *Entity) Drop(ctx context.Context, runID string) error {
	return e.index.Drop(ctx, runID)
}

// profile collapses the facts of one entity. facts must be newest first.
func profile(key string, facts []Record) Record {
	p := Record{Tier: TierEntity, Key: key}
	seen := make(map[string]bool)
	var value string
	for _, f := range facts {
		if seen[f.Value] {
			continue
		}
		seen[f.Value] = true
		if value != "" {
			value += "\n"
		}
		value += f.Value
		if p.CreatedAt.IsZero() {
			p.ID, p.RunID, p.CreatedAt = f.ID, f.RunID, f.CreatedAt
		}
	}
	p.Value = value
	return p
}

func addEmbedded(ctx context.Context, embedder Embedder, index Index, rec Record, text string) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	vec, err := embedOne(ctx, embedder, text)
	if err != nil {
		return err
	}
	rec.Embedding = vec
	if err := index.Add(ctx, rec); err != nil {
		return fmt.Errorf("index %s fact %s: %w", rec.Tier, rec.Key, err)
	}
	return nil
}

func embedOne(ctx context.Context, embedder Embedder, text string) ([]float32, error) {
	vecs, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed: got %d vectors", len(vecs))
	}
	return vecs[0], nil
}
