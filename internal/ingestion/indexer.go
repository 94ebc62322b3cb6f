package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/knoguchi/ragengine/internal/jobs"
	"github.com/knoguchi/ragengine/internal/repository"
	"github.com/knoguchi/ragengine/internal/vectorstore"
)

const (
	DefaultBatchSize   = 32
	DefaultConcurrency = 4
)

var (
	// ErrEmptyDocument is returned for a document without name or text.
	ErrEmptyDocument = errors.New("document has no content")

	// ErrEmbeddingCount is returned when the embedder answers with the wrong
	// number of vectors.
	ErrEmbeddingCount = errors.New("embedding count does not match chunks")
)

// Document is a text document submitted for indexing.
type Document struct {
	Name     string            `json:"name"`
	Link     string            `json:"link,omitempty"`
	Text     string            `json:"text,omitempty"`
	Pages    []string          `json:"pages,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BatchEmbedder embeds many texts at once, in input order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentStore persists documents and chunks.
type DocumentStore interface {
	Create(ctx context.Context, doc *repository.Document, chunks []*repository.Chunk) error
	GetByHash(ctx context.Context, hash string) (*repository.Document, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Indexer chunks, embeds and stores documents.
type Indexer struct {
	chunker   *Chunker
	embedder  BatchEmbedder
	documents DocumentStore
	vectors   vectorstore.VectorStore

	batchSize   int
	concurrency int
	pool        *ants.Pool
	logger      *slog.Logger
}

// IndexerOption is a functional option for configuring Indexer.
type IndexerOption func(*Indexer)

// WithVectorStore sends embeddings to an external vector store instead of the
// chunk rows.
func WithVectorStore(vs vectorstore.VectorStore) IndexerOption {
	return func(ix *Indexer) {
		ix.vectors = vs
	}
}

// WithBatchSize sets the number of chunks per embedding call.
func WithBatchSize(n int) IndexerOption {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

// WithConcurrency sets the number of embedding calls in flight.
func WithConcurrency(n int) IndexerOption {
	return func(ix *Indexer) {
		if n > 0 {
			ix.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) IndexerOption {
	return func(ix *Indexer) {
		if l != nil {
			ix.logger = l
		}
	}
}

// NewIndexer creates an Indexer. Call Release when done.
func NewIndexer(chunker *Chunker, embedder BatchEmbedder, documents DocumentStore, opts ...IndexerOption) (*Indexer, error) {
	ix := &Indexer{
		chunker:     chunker,
		embedder:    embedder,
		documents:   documents,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With("component", "indexer")

	pool, err := ants.NewPool(ix.concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding pool: %w", err)
	}
	ix.pool = pool
	return ix, nil
}

// Release stops the embedding workers.
func (ix *Indexer) Release() {
	ix.pool.Release()
}

// Work returns a job body that indexes docs one by one and reports each
// outcome. A document that fails is recorded and the job continues.
func (ix *Indexer) Work(docs []Document) jobs.Work {
	return func(ctx context.Context, p *jobs.Progress) error {
		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				return err
			}
			indexed, err := ix.Index(ctx, doc)
			if err != nil {
				ix.logger.Warn("document not indexed", "job_id", p.JobID(), "document", doc.Name, "error", err)
				p.Failed(doc.Name, err)
				continue
			}
			p.Done(indexed)
		}
		return nil
	}
}

// Index stores doc and returns true, or returns false when a document with the
// same content is already indexed.
func (ix *Indexer) Index(ctx context.Context, doc Document) (bool, error) {
	if strings.TrimSpace(doc.Name) == "" {
		return false, fmt.Errorf("%w: missing name", ErrEmptyDocument)
	}

	hash := hashContent(doc)
	if _, err := ix.documents.GetByHash(ctx, hash); err == nil {
		ix.logger.Debug("document already indexed", "document", doc.Name)
		return false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("failed to check document: %w", err)
	}

	pieces := ix.chunker.ChunkDocument(doc.Text, doc.Pages)
	if len(pieces) == 0 {
		return false, ErrEmptyDocument
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	start := time.Now()
	vectors, err := ix.embedAll(ctx, texts)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	record := &repository.Document{
		ID:          uuid.New(),
		Name:        doc.Name,
		Link:        doc.Link,
		ContentHash: hash,
		Metadata:    doc.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if record.Metadata == nil {
		record.Metadata = map[string]string{}
	}
	chunks := make([]*repository.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = &repository.Chunk{
			ID:         uuid.New(),
			DocumentID: record.ID,
			Index:      p.Index,
			Text:       p.Text,
			Locator:    p.Locator,
			CreatedAt:  now,
		}
		if ix.vectors == nil {
			chunks[i].Embedding = vectors[i]
		}
	}

	if err := ix.documents.Create(ctx, record, chunks); err != nil {
		return false, fmt.Errorf("failed to store document: %w", err)
	}

	if ix.vectors != nil {
		points := make([]vectorstore.Point, len(chunks))
		for i, c := range chunks {
			points[i] = vectorstore.Point{
				ChunkID:      c.ID.String(),
				DocumentID:   record.ID.String(),
				DocumentName: record.Name,
				Link:         record.Link,
				Locator:      c.Locator,
				Text:         c.Text,
				Vector:       vectors[i],
			}
		}
		if err := ix.vectors.Upsert(ctx, points); err != nil {
			if delErr := ix.documents.Delete(ctx, record.ID); delErr != nil {
				ix.logger.Error("failed to roll back document", "document_id", record.ID, "error", delErr)
			}
			return false, fmt.Errorf("failed to upsert vectors: %w", err)
		}
	}

	ix.logger.Info("document indexed",
		"document", doc.Name,
		"chunks", len(chunks),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true, nil
}

// embedAll embeds texts in batches, running up to concurrency batches at once.
func (ix *Indexer) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	type batch struct {
		start int
		texts []string
	}
	var batches []batch
	for start := 0; start < len(texts); start += ix.batchSize {
		end := min(start+ix.batchSize, len(texts))
		batches = append(batches, batch{start: start, texts: texts[start:end]})
	}

	out := make([][]float32, len(texts))
	errs := make([]error, len(batches))
	var wg sync.WaitGroup
	for i, b := range batches {
		wg.Add(1)
		err := ix.pool.Submit(func() {
			defer wg.Done()
			vectors, err := ix.embedder.EmbedBatch(ctx, b.texts)
			if err != nil {
				errs[i] = err
				return
			}
			if len(vectors) != len(b.texts) {
				errs[i] = fmt.Errorf("%w: got %d, want %d", ErrEmbeddingCount, len(vectors), len(b.texts))
				return
			}
			copy(out[b.start:], vectors)
		})
		if err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	return out, nil
}

// hashContent returns the SHA-256 of the document name and content.
func hashContent(doc Document) string {
	h := sha256.New()
	h.Write([]byte(doc.Name))
	h.Write([]byte{0})
	h.Write([]byte(doc.Text))
	for _, p := range doc.Pages {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
