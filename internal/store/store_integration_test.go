//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/memory"
	"github.com/nidhogg/code-monkeys/internal/orchestrator"
)

func startStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("monkeys_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	s, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Applying twice must be harmless.
	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	return s
}

func TestStore(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()

	t.Run("runs", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		report := &orchestrator.Report{
			RunID:  "run-a",
			Status: orchestrator.RunFailed,
			Tasks: []orchestrator.TaskReport{
				{TaskID: "design", WorkerID: "architect_agent", Status: orchestrator.StatusSucceeded, Attempts: 1},
				{TaskID: "docs", WorkerID: "utility_agent", Status: orchestrator.StatusFailed, Attempts: 3, Retries: 2, ErrorKind: "RetryExhaustedError"},
			},
			Failure:    &orchestrator.Failure{TaskID: "docs", Kind: "RetryExhaustedError", LastErrorKind: "WorkerError"},
			StartedAt:  now,
			FinishedAt: now.Add(time.Minute),
		}
		if err := s.SaveRun(ctx, RunRecord{ID: "run-a", Requirement: "tic tac toe", Report: report}); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := s.GetRun(ctx, "run-a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Report.Status != orchestrator.RunFailed || len(got.Report.Tasks) != 2 || got.Report.Failure.TaskID != "docs" {
			t.Errorf("report round trip = %+v", got.Report)
		}
		if got.Artifacts == nil {
			t.Errorf("artifacts should decode as an empty list")
		}
		if _, err := s.GetRun(ctx, "missing"); err != ErrRunNotFound {
			t.Errorf("missing run err = %v", err)
		}
		list, err := s.ListRuns(ctx, 10)
		if err != nil || len(list) != 1 {
			t.Fatalf("list = %v, %v", list, err)
		}
	})

	t.Run("attempts", func(t *testing.T) {
		rec := s.Attempts()
		at := time.Now()
		rec.Emit(ctx, orchestrator.Event{RunID: "run-b", TaskID: "t1", From: orchestrator.StatusPending, To: orchestrator.StatusAssigned, At: at})
		rec.Emit(ctx, orchestrator.Event{RunID: "run-b", TaskID: "t1", From: orchestrator.StatusRunning, To: orchestrator.StatusRetrying, Attempt: 1, ErrorKind: "ExecutionTimeoutError", At: at})
		rec.Emit(ctx, orchestrator.Event{RunID: "run-b", TaskID: "t1", From: orchestrator.StatusRunning, To: orchestrator.StatusSucceeded, Attempt: 2, At: at})
		rec.Emit(ctx, orchestrator.Event{RunID: "run-b", RunStatus: orchestrator.RunSucceeded, At: at})

		attempts, err := s.ListAttempts(ctx, "run-b")
		if err != nil {
			t.Fatalf("list attempts: %v", err)
		}
		if len(attempts) != 2 {
			t.Fatalf("attempts = %+v, want the two finished attempts", attempts)
		}
		if attempts[0].Outcome != "retrying" || attempts[0].ErrorKind != "ExecutionTimeoutError" || attempts[1].Attempt != 2 {
			t.Errorf("attempts = %+v", attempts)
		}
	})

	t.Run("long term", func(t *testing.T) {
		lt := s.LongTerm()
		for _, v := range []string{"sqlite", "postgres"} {
			if err := lt.Write(ctx, memory.Record{Key: "design.db", Value: v, RunID: "r"}); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		if err := lt.Write(ctx, memory.Record{Key: "design.api", Value: "rest"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := lt.Write(ctx, memory.Record{Value: "orphan"}); err != memory.ErrEmptyKey {
			t.Errorf("empty key err = %v", err)
		}

		exact, err := lt.Query(ctx, memory.Criteria{Key: "design.db"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(exact) != 2 || exact[0].Value != "postgres" {
			t.Errorf("exact = %+v, want newest first", exact)
		}
		prefix, err := lt.Query(ctx, memory.Criteria{Prefix: "design."})
		if err != nil {
			t.Fatalf("prefix query: %v", err)
		}
		if len(prefix) != 3 || prefix[0].Key != "design.api" {
			t.Errorf("prefix = %+v", prefix)
		}
	})
}
