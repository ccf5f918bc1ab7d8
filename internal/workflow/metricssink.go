package workflow

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// SQLMetricsSink persists one row per terminal workflow execution, grounded
// on the teacher's sendDBMetrics/MetricsDB *sql.DB pattern in
// pipeline/coordinator.go: a nil *sql.DB (no connection string configured)
// makes every RecordCompletion call a no-op rather than an error.
type SQLMetricsSink struct {
	db *sql.DB
}

// NewSQLMetricsSink opens (but does not ping) a postgres connection pool for
// dsn. An empty dsn yields a disabled sink.
func NewSQLMetricsSink(dsn string) (*SQLMetricsSink, error) {
	if dsn == "" {
		return &SQLMetricsSink{}, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &SQLMetricsSink{db: db}, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS workflow_completions (
	job_id TEXT NOT NULL,
	template_name TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	status TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
)`

// EnsureSchema creates the completions table if it does not already exist.
// A disabled sink treats this as a no-op so callers can invoke it
// unconditionally at startup.
func (s *SQLMetricsSink) EnsureSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, createTableSQL)
	return err
}

func (s *SQLMetricsSink) RecordCompletion(ctx context.Context, jobID, templateName string, duration time.Duration, status string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_completions (job_id, template_name, duration_ms, status, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
		jobID, templateName, duration.Milliseconds(), status, time.Now().UTC(),
	)
	return err
}

func (s *SQLMetricsSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
