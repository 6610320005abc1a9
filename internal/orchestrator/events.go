package orchestrator

import (
	"context"

	"go.uber.org/zap"
)

// EventSink receives every task transition and run boundary. Emit is called
// from the engine loop and must not block for long.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// LogSink writes events to the process log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Emit(_ context.Context, ev Event) {
	if ev.TaskID == "" {
		s.logger.Info("run "+string(ev.RunStatus), zap.String("run", ev.RunID))
		return
	}
	fields := []zap.Field{
		zap.String("run", ev.RunID),
		zap.String("task", ev.TaskID),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
	}
	if ev.WorkerID != "" {
		fields = append(fields, zap.String("worker", ev.WorkerID), zap.String("via", string(ev.Via)))
	}
	if ev.Retries > 0 {
		fields = append(fields, zap.Int("retry", ev.Retries))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("kind", ev.ErrorKind), zap.String("error", ev.Error))
	}
	switch ev.To {
	case StatusFailed:
		s.logger.Error("task transition", fields...)
	case StatusRetrying, StatusCanceled:
		s.logger.Warn("task transition", fields...)
	default:
		s.logger.Info("task transition", fields...)
	}
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}
