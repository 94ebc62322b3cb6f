package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/knoguchi/ragengine/internal/ingestion"
	"github.com/knoguchi/ragengine/internal/jobs"
	"github.com/knoguchi/ragengine/internal/repository"
)

// MaxIngestDocuments bounds the documents accepted in one job.
const MaxIngestDocuments = 1000

// JobQueue runs ingestion jobs. jobs.Queue satisfies it.
type JobQueue interface {
	Submit(ctx context.Context, total int, work jobs.Work) (*repository.IngestJob, error)
	Status(ctx context.Context, id uuid.UUID) (*repository.IngestJob, error)
}

// WorkBuilder turns documents into a job body. ingestion.Indexer satisfies it.
type WorkBuilder interface {
	Work(docs []ingestion.Document) jobs.Work
}

// IngestService accepts document batches and reports job progress.
type IngestService struct {
	queue   JobQueue
	builder WorkBuilder
}

// NewIngestService creates an IngestService.
func NewIngestService(queue JobQueue, builder WorkBuilder) *IngestService {
	return &IngestService{queue: queue, builder: builder}
}

// Submit validates docs and queues them as one job.
func (s *IngestService) Submit(ctx context.Context, docs []ingestion.Document) (*repository.IngestJob, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no documents", ErrInvalidRequest)
	}
	if len(docs) > MaxIngestDocuments {
		return nil, fmt.Errorf("%w: at most %d documents per job", ErrInvalidRequest, MaxIngestDocuments)
	}
	for i, d := range docs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("%w: document %d has no name", ErrInvalidRequest, i)
		}
	}

	job, err := s.queue.Submit(ctx, len(docs), s.builder.Work(docs))
	if err != nil {
		return nil, fmt.Errorf("failed to submit ingest job: %w", err)
	}
	return job, nil
}

// Status returns the job's current state.
func (s *IngestService) Status(ctx context.Context, id uuid.UUID) (*repository.IngestJob, error) {
	return s.queue.Status(ctx, id)
}

var (
	_ JobQueue    = (*jobs.Queue)(nil)
	_ WorkBuilder = (*ingestion.Indexer)(nil)
)
