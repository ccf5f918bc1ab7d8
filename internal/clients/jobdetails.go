package clients

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/livepeer/video-compositor-api/internal/videojob"
)

// JobDetailsStore is the persistent job/element/timeline database spec.md §1
// treats as a black box: "CRUD + change notifications". JobStore already
// owns the in-memory state machine and its own change callback
// (jobstore.Store.OnChange), so this interface's job is narrower — durable
// storage of the request's elements/timeline for the details endpoint and
// for recovery after a restart, not the live status machine itself.
type JobDetailsStore interface {
	SaveDetails(ctx context.Context, jobID string, req videojob.Request, result UploadResult) error
	Elements(ctx context.Context, jobID string) ([]videojob.VideoElement, error)
}

// SQLJobDetailsStore persists to postgres, grounded on
// workflow.SQLMetricsSink's nil-db-means-disabled idiom and lib/pq dialect.
type SQLJobDetailsStore struct {
	db *sql.DB
}

func NewSQLJobDetailsStore(dsn string) (*SQLJobDetailsStore, error) {
	if dsn == "" {
		return &SQLJobDetailsStore{}, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &SQLJobDetailsStore{db: db}, nil
}

const createJobDetailsTableSQL = `
CREATE TABLE IF NOT EXISTS job_details (
	job_id TEXT PRIMARY KEY,
	elements JSONB NOT NULL,
	result_bucket TEXT,
	result_key TEXT,
	result_url TEXT,
	updated_at TIMESTAMPTZ NOT NULL
)`

func (s *SQLJobDetailsStore) EnsureSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, createJobDetailsTableSQL)
	return err
}

func (s *SQLJobDetailsStore) SaveDetails(ctx context.Context, jobID string, req videojob.Request, result UploadResult) error {
	if s.db == nil {
		return nil
	}
	elements, err := json.Marshal(req.Elements)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_details (job_id, elements, result_bucket, result_key, result_url, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			elements = EXCLUDED.elements,
			result_bucket = EXCLUDED.result_bucket,
			result_key = EXCLUDED.result_key,
			result_url = EXCLUDED.result_url,
			updated_at = EXCLUDED.updated_at`,
		jobID, elements, result.Bucket, result.Key, result.URL, time.Now().UTC())
	return err
}

func (s *SQLJobDetailsStore) Elements(ctx context.Context, jobID string) ([]videojob.VideoElement, error) {
	if s.db == nil {
		return nil, nil
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT elements FROM job_details WHERE job_id = $1`, jobID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var elements []videojob.VideoElement
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, err
	}
	return elements, nil
}

func (s *SQLJobDetailsStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InMemoryJobDetailsStore is a test/local-dev stand-in requiring no database.
type InMemoryJobDetailsStore struct {
	mu   sync.Mutex
	rows map[string][]videojob.VideoElement
}

func NewInMemoryJobDetailsStore() *InMemoryJobDetailsStore {
	return &InMemoryJobDetailsStore{rows: make(map[string][]videojob.VideoElement)}
}

func (s *InMemoryJobDetailsStore) SaveDetails(ctx context.Context, jobID string, req videojob.Request, result UploadResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[jobID] = req.Elements
	return nil
}

func (s *InMemoryJobDetailsStore) Elements(ctx context.Context, jobID string) ([]videojob.VideoElement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[jobID], nil
}
