package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run kinds.
const (
	RunKindIngest = "ingest"
	RunKindRetry  = "retry"
)

// Run is the audit record of one ingestion run or retry pass.
type Run struct {
	ID         string
	Kind       string
	Source     string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	// Summary is marshalled to JSON. Callers usually pass the run summary
	// struct; reads return it as a generic map.
	Summary any
	Error   string
}

// WriteRun stores a run record.
func (s *Store) WriteRun(ctx context.Context, r *Run) error {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingestion_runs (id, kind, source, dry_run, started_at, finished_at, summary_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Kind, r.Source, r.DryRun, formatTime(r.StartedAt), formatTime(r.FinishedAt),
		string(summary), nullString(r.Error))
	if err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, source, dry_run, started_at, finished_at, summary_json, error
		FROM ingestion_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                     Run
			startedAt, finishedAt string
			summary               string
			errMsg                sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Source, &r.DryRun, &startedAt, &finishedAt, &summary, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(summary), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run summary: %w", err)
		}
		r.Summary = m
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
