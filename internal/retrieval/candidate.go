// Package retrieval implements hybrid candidate retrieval: the semantic and keyword
// signals, Reciprocal Rank Fusion, and the per-signal degradation bookkeeping.
package retrieval

import (
	"context"
	"sort"
)

// Signal names used as keys in Candidate.Signals.
const (
	SignalVector  = "vector"
	SignalKeyword = "keyword"
)

// Candidate is a chunk moving through retrieval, fusion and reranking.
// Identity is ChunkID; every other field may be updated by later stages.
type Candidate struct {
	ChunkID      string
	DocumentID   string
	DocumentName string
	Link         string
	Locator      string // page or heading
	Text         string

	// Signals holds the raw score reported by each retrieval signal.
	Signals map[string]float64

	FusedScore  float64
	RerankScore float64
	Reranked    bool
}

// RankedList is an ordered sequence of candidates. Rank is the 1-based position.
type RankedList []Candidate

// IDs returns the chunk IDs in rank order.
func (l RankedList) IDs() []string {
	ids := make([]string, len(l))
	for i, c := range l {
		ids[i] = c.ChunkID
	}
	return ids
}

// Truncate returns at most k leading candidates. k <= 0 returns the list unchanged.
func (l RankedList) Truncate(k int) RankedList {
	if k <= 0 || len(l) <= k {
		return l
	}
	return l[:k]
}

// VectorSearcher answers approximate nearest neighbour queries by cosine similarity.
type VectorSearcher interface {
	VectorSearch(ctx context.Context, vector []float32, k int) (RankedList, error)
}

// KeywordSearcher answers lexical relevance queries.
type KeywordSearcher interface {
	KeywordSearch(ctx context.Context, text string, k int) (RankedList, error)
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

func cloneSignals(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SortByRelevance orders candidates for presentation: reranked candidates first
// by rerank score, the rest by fused score, ties broken by chunk ID.
func SortByRelevance(l RankedList) {
	sort.SliceStable(l, func(i, j int) bool {
		a, b := l[i], l[j]
		if a.Reranked != b.Reranked {
			return a.Reranked
		}
		if a.Reranked {
			if a.RerankScore != b.RerankScore {
				return a.RerankScore > b.RerankScore
			}
		} else if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		return a.ChunkID < b.ChunkID
	})
}
