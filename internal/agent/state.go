// Package agent implements the confidence-driven iterative retrieval loop.
package agent

import (
	"time"

	"github.com/knoguchi/ragengine/internal/retrieval"
)

// State is a step of the iteration state machine.
type State int

const (
	StateInit State = iota
	StateRetrieving
	StateAssessing
	StateExpanding
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRetrieving:
		return "RETRIEVING"
	case StateAssessing:
		return "ASSESSING"
	case StateExpanding:
		return "EXPANDING"
	case StateFinalizing:
		return "FINALIZING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IterationRecord describes one completed retrieval round.
type IterationRecord struct {
	Index         int           `json:"iteration"`
	SubQuery      string        `json:"query"`
	NewCandidates int           `json:"new_sources"`
	PoolSize      int           `json:"total_sources"`
	Confidence    float64       `json:"confidence"`
	Assessment    string        `json:"assessment"`
	MissingInfo   []string      `json:"missing_info"`
	Duration      time.Duration `json:"-"`
}

// RetrievalState is the request-scoped pool of chunks found so far. It is not
// safe for concurrent use.
type RetrievalState struct {
	pool       map[string]retrieval.Candidate
	Trace      []IterationRecord
	Confidence float64
}

// NewRetrievalState returns an empty state.
func NewRetrievalState() *RetrievalState {
	return &RetrievalState{pool: make(map[string]retrieval.Candidate)}
}

// Len returns the number of distinct chunks in the pool.
func (s *RetrievalState) Len() int {
	return len(s.pool)
}

// Contains reports whether chunkID is already pooled.
func (s *RetrievalState) Contains(chunkID string) bool {
	_, ok := s.pool[chunkID]
	return ok
}

// CountNew returns how many distinct chunks of l are not pooled yet.
func (s *RetrievalState) CountNew(l retrieval.RankedList) int {
	seen := make(map[string]bool, len(l))
	n := 0
	for _, c := range l {
		if seen[c.ChunkID] || s.Contains(c.ChunkID) {
			continue
		}
		seen[c.ChunkID] = true
		n++
	}
	return n
}

// Merge adds candidates to the pool. A chunk already present keeps the higher
// fused score, the higher rerank score and the highest score per signal.
// It returns the number of chunks that were not pooled before.
func (s *RetrievalState) Merge(l retrieval.RankedList) int {
	added := 0
	for _, c := range l {
		cur, ok := s.pool[c.ChunkID]
		if !ok {
			c.Signals = copySignals(c.Signals)
			s.pool[c.ChunkID] = c
			added++
			continue
		}
		if c.FusedScore > cur.FusedScore {
			cur.FusedScore = c.FusedScore
		}
		if c.Reranked && (!cur.Reranked || c.RerankScore > cur.RerankScore) {
			cur.RerankScore = c.RerankScore
			cur.Reranked = true
		}
		for name, v := range c.Signals {
			if old, ok := cur.Signals[name]; !ok || v > old {
				if cur.Signals == nil {
					cur.Signals = make(map[string]float64)
				}
				cur.Signals[name] = v
			}
		}
		s.pool[c.ChunkID] = cur
	}
	return added
}

// Candidates returns the pool in presentation order (see retrieval.SortByRelevance).
func (s *RetrievalState) Candidates() retrieval.RankedList {
	out := make(retrieval.RankedList, 0, len(s.pool))
	for _, c := range s.pool {
		out = append(out, c)
	}
	retrieval.SortByRelevance(out)
	return out
}

// Top returns the n best pooled candidates.
func (s *RetrievalState) Top(n int) retrieval.RankedList {
	return s.Candidates().Truncate(n)
}

func copySignals(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
