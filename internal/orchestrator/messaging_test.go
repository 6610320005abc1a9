package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type xreadCounter struct{ n atomic.Int32 }

func (c *xreadCounter) DialHook(next redis.DialHook) redis.DialHook { return next }

func (c *xreadCounter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "xread" {
			c.n.Add(1)
		}
		return next(ctx, cmd)
	}
}

func (c *xreadCounter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestSubscribeBacksOffOnReadErrors(t *testing.T) {
	// Nothing listens on port 1, so every read fails at once.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { rdb.Close() })
	counter := &xreadCounter{}
	rdb.AddHook(counter)
	mb := &MessageBus{rdb: rdb, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	ch := mb.Subscribe(ctx, "run-down")
	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected event from an unreachable bus")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop after cancel")
	}
	if got := counter.n.Load(); got > 2 {
		t.Errorf("xread issued %d times in 300ms, want at most 2", got)
	}
}
