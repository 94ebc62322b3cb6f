// Package vectorstore provides an external vector index for the semantic
// retrieval signal.
package vectorstore

import (
	"context"

	"github.com/knoguchi/ragengine/internal/retrieval"
)

// Point is a chunk with its embedding and the document fields returned on search.
type Point struct {
	ChunkID      string
	DocumentID   string
	DocumentName string
	Link         string
	Locator      string
	Text         string
	Vector       []float32
}

// VectorStore defines the interface for vector storage operations
type VectorStore interface {
	retrieval.VectorSearcher

	// EnsureCollection creates the collection if it does not exist yet.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert inserts or updates points
	Upsert(ctx context.Context, points []Point) error

	// DeleteDocument removes every point of a document
	DeleteDocument(ctx context.Context, documentID string) error
}
