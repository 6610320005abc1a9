// Package vectorstore backs the similarity memory tiers with Qdrant. Every
// point carries its run id in the payload and all reads filter on it.
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/code-monkeys/internal/memory"
)

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient dials the Qdrant gRPC endpoint.
func NewClient(host string, port int) (*Client, error) {
	if port == 0 {
		port = 6334
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates the named collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Index is a memory.Index over one Qdrant collection.
type Index struct {
	client     *Client
	collection string
	logger     *zap.Logger
}

// NewIndex ensures the collection exists, sized for dimension.
func NewIndex(ctx context.Context, client *Client, collection string, dimension int, logger *zap.Logger) (*Index, error) {
	if err := client.EnsureCollection(ctx, collection, uint64(dimension)); err != nil {
		return nil, err
	}
	return &Index{client: client, collection: collection, logger: logger}, nil
}

var _ memory.Index = (*Index)(nil)

func (i *Index) Add(ctx context.Context, rec memory.Record) error {
	if rec.RunID == "" {
		return memory.ErrNoRun
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	payload := map[string]*pb.Value{
		"run_id":     stringValue(rec.RunID),
		"key":        stringValue(rec.Key),
		"value":      stringValue(rec.Value),
		"tier":       stringValue(string(rec.Tier)),
		"created_at": stringValue(strconv.FormatInt(rec.CreatedAt.UnixNano(), 10)),
	}
	_, err := i.client.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: i.collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: rec.ID}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Embedding}}},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", i.collection, err)
	}
	return nil
}

// Search performs a run-scoped nearest-neighbour search.
func (i *Index) Search(ctx context.Context, runID string, vector []float32, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	resp, err := i.client.points.Search(ctx, &pb.SearchPoints{
		CollectionName: i.collection,
		Vector:         vector,
		Filter:         matchAll(map[string]string{"run_id": runID}),
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", i.collection, err)
	}
	out := make([]memory.Record, 0, len(resp.Result))
	for _, r := range resp.Result {
		rec := fromPayload(r.Id.GetUuid(), r.Payload)
		rec.Score = float64(r.Score)
		out = append(out, rec)
	}
	return out, nil
}

// Lookup scrolls every point of the run stored under key.
func (i *Index) Lookup(ctx context.Context, runID, key string) ([]memory.Record, error) {
	var out []memory.Record
	var offset *pb.PointId
	limit := uint32(256)
	for {
		resp, err := i.client.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: i.collection,
			Filter:         matchAll(map[string]string{"run_id": runID, "key": key}),
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", i.collection, err)
		}
		for _, p := range resp.Result {
			out = append(out, fromPayload(p.Id.GetUuid(), p.Payload))
		}
		if resp.NextPageOffset == nil {
			break
		}
		offset = resp.NextPageOffset
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

// Drop deletes every point of the run.
func (i *Index) Drop(ctx context.Context, runID string) error {
	_, err := i.client.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: i.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: matchAll(map[string]string{"run_id": runID})},
		},
	})
	if err != nil {
		return fmt.Errorf("drop run %s from %s: %w", runID, i.collection, err)
	}
	i.logger.Debug("dropped run points", zap.String("collection", i.collection), zap.String("run", runID))
	return nil
}

// Close is a no-op; the shared Client is closed by its owner.
func (i *Index) Close() error { return nil }

func matchAll(fields map[string]string) *pb.Filter {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	must := make([]*pb.Condition, 0, len(keys))
	for _, k := range keys {
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   k,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: fields[k]}},
				},
			},
		})
	}
	return &pb.Filter{Must: must}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func fromPayload(id string, payload map[string]*pb.Value) memory.Record {
	str := func(k string) string {
		if v, ok := payload[k]; ok {
			if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
				return sv.StringValue
			}
		}
		return ""
	}
	rec := memory.Record{
		ID:    id,
		RunID: str("run_id"),
		Key:   str("key"),
		Value: str("value"),
		Tier:  memory.Tier(str("tier")),
	}
	if ns, err := strconv.ParseInt(str("created_at"), 10, 64); err == nil {
		rec.CreatedAt = time.Unix(0, ns)
	}
	return rec
}
