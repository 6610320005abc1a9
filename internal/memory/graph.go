package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/embedding"
)

// GraphIndex stores facts in Neo4j as (:Fact)-[:DESCRIBES]->(:Entity) so all
// facts of one entity hang off a single node. Similarity is scored in Go.
type GraphIndex struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraphIndex connects to Neo4j.
func NewGraphIndex(uri, user, password string, logger *zap.Logger) (*GraphIndex, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &GraphIndex{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *GraphIndex) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

func (g *GraphIndex) Close() error {
	return g.driver.Close(context.Background())
}

func (g *GraphIndex) Add(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		return ErrNoRun
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	vec := make([]float64, len(rec.Embedding))
	for i, v := range rec.Embedding {
		vec[i] = float64(v)
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (e:Entity {run_id: $runId, key: $key})
		 CREATE (f:Fact {
			id: $id, run_id: $runId, key: $key, tier: $tier,
			value: $value, embedding: $embedding, created_at: $created
		 })-[:DESCRIBES]->(e)`,
		map[string]interface{}{
			"id":        rec.ID,
			"runId":     rec.RunID,
			"key":       rec.Key,
			"tier":      string(rec.Tier),
			"value":     rec.Value,
			"embedding": vec,
			"created":   rec.CreatedAt.UnixNano(),
		})
	if err != nil {
		return fmt.Errorf("create fact node: %w", err)
	}
	return nil
}

func (g *GraphIndex) Search(ctx context.Context, runID string, vector []float32, limit int) ([]Record, error) {
	start := time.Now()
	recs, err := g.facts(ctx,
		`MATCH (f:Fact {run_id: $runId})
		 RETURN f.id AS id, f.key AS key, f.tier AS tier, f.value AS value,
		        f.embedding AS embedding, f.created_at AS created`,
		map[string]interface{}{"runId": runID})
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].RunID = runID
		recs[i].Score = embedding.Cosine(vector, recs[i].Embedding)
	}
	sortRecords(recs)
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	g.logger.Debug("graph search complete",
		zap.String("run", runID),
		zap.Int("hits", len(recs)),
		zap.Duration("duration", time.Since(start)))
	return recs, nil
}

func (g *GraphIndex) Lookup(ctx context.Context, runID, key string) ([]Record, error) {
	recs, err := g.facts(ctx,
		`MATCH (f:Fact)-[:DESCRIBES]->(e:Entity {run_id: $runId, key: $key})
		 RETURN f.id AS id, f.key AS key, f.tier AS tier, f.value AS value,
		        f.embedding AS embedding, f.created_at AS created
		 ORDER BY f.created_at DESC`,
		map[string]interface{}{"runId": runID, "key": key})
	for i := range recs {
		recs[i].RunID = runID
	}
	return recs, err
}

// Drop deletes every node of the run.
func (g *GraphIndex) Drop(ctx context.Context, runID string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (n {run_id: $runId}) WHERE n:Fact OR n:Entity DETACH DELETE n`,
		map[string]interface{}{"runId": runID})
	if err != nil {
		return fmt.Errorf("drop run %s: %w", runID, err)
	}
	return nil
}

func (g *GraphIndex) facts(ctx context.Context, cypher string, params map[string]interface{}) ([]Record, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}

	var recs []Record
	for result.Next(ctx) {
		row := result.Record()
		var rec Record
		if v, ok := row.Get("id"); ok && v != nil {
			rec.ID = v.(string)
		}
		if v, ok := row.Get("key"); ok && v != nil {
			rec.Key = v.(string)
		}
		if v, ok := row.Get("tier"); ok && v != nil {
			rec.Tier = Tier(v.(string))
		}
		if v, ok := row.Get("value"); ok && v != nil {
			rec.Value = v.(string)
		}
		if v, ok := row.Get("created"); ok && v != nil {
			rec.CreatedAt = time.Unix(0, v.(int64))
		}
		if v, ok := row.Get("embedding"); ok && v != nil {
			if list, ok := v.([]interface{}); ok {
				rec.Embedding = make([]float32, len(list))
				for i, x := range list {
					if f, ok := x.(float64); ok {
						rec.Embedding[i] = float32(f)
					}
				}
			}
		}
		recs = append(recs, rec)
	}
	return recs, result.Err()
}
