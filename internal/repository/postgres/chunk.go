package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/knoguchi/ragengine/internal/retrieval"
)

const vectorSearchSQL = `
	SELECT c.id::text, c.document_id::text, d.name, d.link, c.locator, c.text,
	       1 - (c.embedding <=> $1) AS score
	FROM chunks c
	JOIN documents d ON d.id = c.document_id
	WHERE c.embedding IS NOT NULL
	ORDER BY c.embedding <=> $1 ASC, c.id
	LIMIT $2
`

const keywordSearchSQL = `
	SELECT c.id::text, c.document_id::text, d.name, d.link, c.locator, c.text,
	       ts_rank(c.tsv, q) AS score
	FROM chunks c
	JOIN documents d ON d.id = c.document_id,
	     plainto_tsquery('simple', $1) q
	WHERE c.tsv @@ q
	ORDER BY score DESC, c.id
	LIMIT $2
`

// ChunkRepo answers the vector and keyword retrieval signals from the chunks table.
type ChunkRepo struct {
	db *DB
}

// NewChunkRepo creates a new chunk repository
func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// VectorSearch returns the k chunks closest to vector by cosine distance. The
// signal score is the cosine similarity.
func (r *ChunkRepo) VectorSearch(ctx context.Context, vector []float32, k int) (retrieval.RankedList, error) {
	rows, err := r.db.Pool.Query(ctx, vectorSearchSQL, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	return scanCandidates(rows, retrieval.SignalVector)
}

// KeywordSearch returns the k chunks with the best full-text rank for text.
func (r *ChunkRepo) KeywordSearch(ctx context.Context, text string, k int) (retrieval.RankedList, error) {
	rows, err := r.db.Pool.Query(ctx, keywordSearchSQL, text, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search keywords: %w", err)
	}
	return scanCandidates(rows, retrieval.SignalKeyword)
}

func scanCandidates(rows pgx.Rows, signal string) (retrieval.RankedList, error) {
	defer rows.Close()

	list := retrieval.RankedList{}
	for rows.Next() {
		var (
			c     retrieval.Candidate
			score float64
		)
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.DocumentName, &c.Link, &c.Locator, &c.Text, &score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Signals = map[string]float64{signal: score}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	return list, nil
}

var (
	_ retrieval.VectorSearcher  = (*ChunkRepo)(nil)
	_ retrieval.KeywordSearcher = (*ChunkRepo)(nil)
)
