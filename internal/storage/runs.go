package storage

import (
	"context"
	"fmt"
)

// RecordRun stores the summary of a finished operation.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_runs (id, kind, descriptor, started_at, finished_at, outcome, seen, persisted, duplicates, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Descriptor, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.Outcome,
		r.Seen, r.Persisted, r.Duplicates, r.Failed, r.Error,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("recording run %s: %w", r.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("recording run %s: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty kind lists
// every kind.
func (s *Store) ListRuns(ctx context.Context, kind string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, kind, descriptor, started_at, finished_at, outcome, seen, persisted, duplicates, failed, error
		FROM operation_runs`
	var args []any
	if kind != "" {
		q += " WHERE kind = ?"
		args = append(args, kind)
	}
	q += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Descriptor, &started, &finished, &r.Outcome,
			&r.Seen, &r.Persisted, &r.Duplicates, &r.Failed, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
