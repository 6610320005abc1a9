package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamPrefix = "monkeys:run:"
	streamMaxLen = 10000
	emitTimeout  = 2 * time.Second
)

// readBackoff spaces out stream reads after a failed XRead.
var readBackoff = 500 * time.Millisecond

// MessageBus publishes run events to one Redis stream per run.
type MessageBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewMessageBus connects to Redis and checks the connection.
func NewMessageBus(ctx context.Context, redisURL string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &MessageBus{rdb: rdb, logger: logger}, nil
}

// Stream returns the stream key of a run.
func Stream(runID string) string { return streamPrefix + runID }

// Publish appends an event to its run's stream.
func (mb *MessageBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	stream := Stream(ev.RunID)
	err = mb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"task": ev.TaskID,
			"to":   string(ev.To),
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// Emit publishes an event as an EventSink. Failures are logged and dropped
// so a slow bus never stalls a run.
func (mb *MessageBus) Emit(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := mb.Publish(ctx, ev); err != nil {
		mb.logger.Warn("event publish failed", zap.String("run", ev.RunID), zap.Error(err))
	}
}

// Subscribe streams a run's events from the beginning until ctx is done or
// the run-finished event arrives.
func (mb *MessageBus) Subscribe(ctx context.Context, runID string) <-chan Event {
	ch := make(chan Event, 16)
	stream := Stream(runID)

	go func() {
		defer close(ch)
		lastID := "0"
		for {
			results, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   32,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				mb.logger.Debug("event read failed", zap.String("run", runID), zap.Error(err))
				select {
				case <-time.After(readBackoff):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
					if ev.TaskID == "" && ev.RunStatus != "" && ev.RunStatus != RunRunning {
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}
