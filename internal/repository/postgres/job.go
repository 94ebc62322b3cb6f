package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/ragengine/internal/repository"
)

// JobRepo implements repository.JobRepository
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new ingestion job repository
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Save inserts the job or overwrites its mutable fields.
func (r *JobRepo) Save(ctx context.Context, job *repository.IngestJob) error {
	errs := job.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to marshal job errors: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO ingest_jobs (id, state, total, processed, indexed, errors, error, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, total = EXCLUDED.total, processed = EXCLUDED.processed,
		    indexed = EXCLUDED.indexed, errors = EXCLUDED.errors, error = EXCLUDED.error,
		    started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at
	`, job.ID, string(job.State), job.Total, job.Processed, job.Indexed, errorsJSON,
		job.Error, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID
func (r *JobRepo) Get(ctx context.Context, id uuid.UUID) (*repository.IngestJob, error) {
	var (
		job        repository.IngestJob
		state      string
		errorsJSON []byte
	)
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, state, total, processed, indexed, errors, error, created_at, started_at, completed_at
		FROM ingest_jobs
		WHERE id = $1
	`, id).Scan(&job.ID, &state, &job.Total, &job.Processed, &job.Indexed, &errorsJSON,
		&job.Error, &job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job.State = repository.JobState(state)
	if err := json.Unmarshal(errorsJSON, &job.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job errors: %w", err)
	}
	return &job, nil
}

// Ensure JobRepo implements the interface
var _ repository.JobRepository = (*JobRepo)(nil)
