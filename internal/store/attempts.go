package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/orchestrator"
)

const recordTimeout = 3 * time.Second

// AttemptRecorder is an EventSink that stores one row per finished attempt:
// every transition out of Running.
type AttemptRecorder struct {
	store *Store
}

// Attempts returns the attempt recorder of s.
func (s *Store) Attempts() *AttemptRecorder { return &AttemptRecorder{store: s} }

// Attempt is one recorded task attempt.
type Attempt struct {
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Via       string    `json:"via"`
	Attempt   int       `json:"attempt"`
	Outcome   string    `json:"outcome"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func (r *AttemptRecorder) Emit(ctx context.Context, ev orchestrator.Event) {
	if ev.TaskID == "" || ev.From != orchestrator.StatusRunning {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	_, err := r.store.db.Exec(ctx, `
		INSERT INTO task_attempts (run_id, task_id, worker_id, via, attempt, outcome, error_kind, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.RunID, ev.TaskID, ev.WorkerID, string(ev.Via), ev.Attempt, string(ev.To), ev.ErrorKind, ev.Error, ev.At,
	)
	if err != nil {
		r.store.logger.Warn("record attempt failed",
			zap.String("run", ev.RunID), zap.String("task", ev.TaskID), zap.Error(err))
	}
}

// ListAttempts returns the attempts of a run in the order they finished.
func (s *Store) ListAttempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT task_id, worker_id, via, attempt, outcome, error_kind, error, recorded_at
		FROM task_attempts
		WHERE run_id = $1
		ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.TaskID, &a.WorkerID, &a.Via, &a.Attempt, &a.Outcome, &a.ErrorKind, &a.Error, &a.At); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
