package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/knoguchi/ragengine/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// Create inserts the document and its chunks in one transaction.
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document, chunks []*repository.Chunk) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO documents (id, name, link, content_hash, chunk_count, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, doc.ID, doc.Name, doc.Link, doc.ContentHash, len(chunks), metadataJSON, doc.CreatedAt, doc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, c := range chunks {
			var embedding any
			if c.Embedding != nil {
				embedding = pgvector.NewVector(c.Embedding)
			}
			batch.Queue(`
				INSERT INTO chunks (id, document_id, chunk_index, text, locator, embedding, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, c.ID, doc.ID, c.Index, c.Text, c.Locator, embedding, c.CreatedAt)
		}

		results := tx.SendBatch(ctx, batch)
		for range chunks {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to create chunk: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to create chunks: %w", err)
		}
		doc.ChunkCount = len(chunks)
		return nil
	})
}

// GetByHash retrieves a document by content hash
func (r *DocumentRepo) GetByHash(ctx context.Context, hash string) (*repository.Document, error) {
	var doc repository.Document
	var metadataJSON []byte

	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, name, link, content_hash, chunk_count, metadata, created_at, updated_at
		FROM documents
		WHERE content_hash = $1
	`, hash).Scan(
		&doc.ID, &doc.Name, &doc.Link, &doc.ContentHash,
		&doc.ChunkCount, &metadataJSON, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Metadata = make(map[string]string)
	if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &doc, nil
}

// Delete deletes a document and, by cascade, its chunks
func (r *DocumentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Stats counts documents, chunks and stored embeddings.
func (r *DocumentRepo) Stats(ctx context.Context) (repository.Stats, error) {
	var s repository.Stats
	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM chunks),
			(SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL)
	`).Scan(&s.Documents, &s.Chunks, &s.Embeddings)
	if err != nil {
		return repository.Stats{}, fmt.Errorf("failed to count index: %w", err)
	}
	return s, nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
