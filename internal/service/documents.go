package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/knoguchi/ragengine/internal/answer"
	"github.com/knoguchi/ragengine/internal/retrieval"
)

const (
	// DefaultDocumentChunks is the fused chunk count aggregated by SearchDocuments.
	DefaultDocumentChunks = 100

	// DocumentSnippets is the number of snippets kept per document.
	DocumentSnippets = 3
)

// DocumentHit is one document ranked by its best matching chunk.
type DocumentHit struct {
	DocumentID   string   `json:"document_id"`
	DocumentName string   `json:"file_name"`
	Link         string   `json:"link"`
	BestScore    float64  `json:"best_score"`
	Hits         int      `json:"hits"`
	Snippets     []string `json:"snippets"`
}

// DocumentSearchResponse is the result of SearchDocuments.
type DocumentSearchResponse struct {
	Query       string        `json:"query"`
	Documents   []DocumentHit `json:"documents"`
	TotalChunks int           `json:"total_chunks"`
	LatencyMS   int64         `json:"latency_ms"`
	Status      Status        `json:"status"`
}

// SearchDocuments retrieves up to maxChunks fused chunks and groups them by
// document. Documents are ordered by best chunk score, then by hit count.
// topDocs <= 0 returns every document.
func (e *Engine) SearchDocuments(ctx context.Context, query string, maxChunks, topDocs int) (DocumentSearchResponse, error) {
	start := time.Now()
	if err := validateQuery(query); err != nil {
		return DocumentSearchResponse{}, err
	}
	if maxChunks <= 0 {
		maxChunks = DefaultDocumentChunks
	}

	status := newStatus()
	res, err := e.retriever.Retrieve(ctx, query, maxChunks)
	if err != nil {
		return DocumentSearchResponse{}, fmt.Errorf("failed to search documents: %w", err)
	}
	status.addSignals(res.Degraded)

	docs := groupByDocument(res.Candidates)
	if topDocs > 0 && len(docs) > topDocs {
		docs = docs[:topDocs]
	}

	return DocumentSearchResponse{
		Query:       query,
		Documents:   docs,
		TotalChunks: len(res.Candidates),
		LatencyMS:   time.Since(start).Milliseconds(),
		Status:      status,
	}, nil
}

func groupByDocument(candidates retrieval.RankedList) []DocumentHit {
	index := make(map[string]int)
	docs := []DocumentHit{}
	for _, c := range candidates {
		key := c.DocumentID
		if key == "" {
			key = c.DocumentName
		}
		i, ok := index[key]
		if !ok {
			i = len(docs)
			index[key] = i
			docs = append(docs, DocumentHit{
				DocumentID:   c.DocumentID,
				DocumentName: c.DocumentName,
				Link:         c.Link,
				BestScore:    c.FusedScore,
				Snippets:     []string{},
			})
		}
		d := &docs[i]
		d.Hits++
		if c.FusedScore > d.BestScore {
			d.BestScore = c.FusedScore
		}
		// Candidates arrive in fused order, so the first snippets are the best.
		if len(d.Snippets) < DocumentSnippets {
			d.Snippets = append(d.Snippets, answer.Snippet(c.Text))
		}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].BestScore != docs[j].BestScore {
			return docs[i].BestScore > docs[j].BestScore
		}
		return docs[i].Hits > docs[j].Hits
	})
	return docs
}
