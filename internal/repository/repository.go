// Package repository defines domain models and data access interfaces for
// documents, chunks and ingestion jobs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Document represents an ingested document
type Document struct {
	ID          uuid.UUID
	Name        string
	Link        string
	ContentHash string
	ChunkCount  int
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is a retrievable slice of a document. Locator is the page or nearest
// heading the text came from.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Index      int
	Text       string
	Locator    string
	// Embedding is nil when vectors live in an external store.
	Embedding []float32
	CreatedAt time.Time
}

// JobState is the lifecycle state of an ingestion job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the job can no longer change.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// IngestJob is the read model of an ingestion job.
type IngestJob struct {
	ID          uuid.UUID  `json:"job_id"`
	State       JobState   `json:"state"`
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Indexed     int        `json:"indexed"`
	Errors      []string   `json:"errors"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stats holds index counts.
type Stats struct {
	Documents  int64 `json:"documents"`
	Chunks     int64 `json:"chunks"`
	Embeddings int64 `json:"embeddings"`
}

// DocumentRepository defines operations for document persistence
type DocumentRepository interface {
	// Create stores a document together with its chunks atomically.
	Create(ctx context.Context, doc *Document, chunks []*Chunk) error
	GetByHash(ctx context.Context, hash string) (*Document, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (Stats, error)
}

// JobRepository defines operations for ingestion job persistence
type JobRepository interface {
	Save(ctx context.Context, job *IngestJob) error
	Get(ctx context.Context, id uuid.UUID) (*IngestJob, error)
}
