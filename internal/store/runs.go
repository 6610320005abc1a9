package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/code-monkeys/internal/orchestrator"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one finished pipeline run.
type RunRecord struct {
	ID          string               `json:"id"`
	Requirement string               `json:"requirement"`
	OutputDir   string               `json:"output_dir,omitempty"`
	Artifacts   []string             `json:"artifacts"`
	Report      *orchestrator.Report `json:"report"`
}

// SaveRun upserts a run and its report.
func (s *Store) SaveRun(ctx context.Context, rec RunRecord) error {
	if rec.Report == nil {
		return fmt.Errorf("save run %s: report is required", rec.ID)
	}
	reportJSON, err := json.Marshal(rec.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	artifacts := rec.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	var failureTask, failureKind string
	if f := rec.Report.Failure; f != nil {
		failureTask, failureKind = f.TaskID, f.Kind
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO runs (id, requirement, status, failure_task, failure_kind, output_dir, artifacts, report, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			failure_task = EXCLUDED.failure_task,
			failure_kind = EXCLUDED.failure_kind,
			output_dir = EXCLUDED.output_dir,
			artifacts = EXCLUDED.artifacts,
			report = EXCLUDED.report,
			finished_at = EXCLUDED.finished_at`,
		rec.ID, rec.Requirement, string(rec.Report.Status), failureTask, failureKind,
		rec.OutputDir, artifactsJSON, reportJSON, rec.Report.StartedAt, rec.Report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.ID, err)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, requirement, output_dir, artifacts, report
		FROM runs WHERE id = $1`, id)
	rec, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return rec, nil
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, requirement, output_dir, artifacts, report
		FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*RunRecord, error) {
	var rec RunRecord
	var artifactsJSON, reportJSON []byte
	if err := row.Scan(&rec.ID, &rec.Requirement, &rec.OutputDir, &artifactsJSON, &reportJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(artifactsJSON, &rec.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	rec.Report = &orchestrator.Report{}
	if err := json.Unmarshal(reportJSON, rec.Report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &rec, nil
}
