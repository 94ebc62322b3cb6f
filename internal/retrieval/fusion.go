package retrieval

import (
	"sort"
)

// DefaultRRFK is the Reciprocal Rank Fusion constant from the literature.
const DefaultRRFK = 60

// Fuse merges ranked lists with Reciprocal Rank Fusion using K = 60.
func Fuse(lists ...RankedList) RankedList {
	return FuseWithK(DefaultRRFK, lists...)
}

// FuseWithK merges ranked lists with Reciprocal Rank Fusion:
//
//	fused(c) = Σ 1 / (k + rank_L(c))
//
// over every list L containing c, rank being 1-based. Ties are broken by the lowest
// rank the chunk reached in any list, then by chunk ID. Empty lists are ignored and
// nothing is truncated. The result does not depend on the order of lists.
func FuseWithK(k int, lists ...RankedList) RankedList {
	if k <= 0 {
		k = DefaultRRFK
	}

	type entry struct {
		cand    Candidate
		terms   []float64
		minRank int
	}

	entries := make(map[string]*entry)
	for _, list := range lists {
		seen := make(map[string]bool, len(list))
		for idx, c := range list {
			if seen[c.ChunkID] {
				// A chunk counts once per list, at its best rank.
				continue
			}
			seen[c.ChunkID] = true
			rank := idx + 1

			e, ok := entries[c.ChunkID]
			if !ok {
				e = &entry{cand: c, minRank: rank}
				e.cand.Signals = cloneSignals(c.Signals)
				entries[c.ChunkID] = e
			} else {
				mergePayload(&e.cand, c)
				if rank < e.minRank {
					e.minRank = rank
				}
			}
			e.terms = append(e.terms, 1.0/float64(k+rank))
		}
	}

	fused := make([]*entry, 0, len(entries))
	for _, e := range entries {
		// Summing in a fixed order keeps the float result independent of list order.
		sort.Float64s(e.terms)
		var score float64
		for _, t := range e.terms {
			score += t
		}
		e.cand.FusedScore = score
		fused = append(fused, e)
	}

	sort.Slice(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.cand.FusedScore != b.cand.FusedScore {
			return a.cand.FusedScore > b.cand.FusedScore
		}
		if a.minRank != b.minRank {
			return a.minRank < b.minRank
		}
		return a.cand.ChunkID < b.cand.ChunkID
	})

	out := make(RankedList, len(fused))
	for i, e := range fused {
		out[i] = e.cand
	}
	return out
}

// mergePayload fills missing metadata on dst from src and keeps the highest score
// per signal.
func mergePayload(dst *Candidate, src Candidate) {
	if dst.DocumentID == "" {
		dst.DocumentID = src.DocumentID
	}
	if dst.DocumentName == "" {
		dst.DocumentName = src.DocumentName
	}
	if dst.Link == "" {
		dst.Link = src.Link
	}
	if dst.Locator == "" {
		dst.Locator = src.Locator
	}
	if dst.Text == "" {
		dst.Text = src.Text
	}
	for name, score := range src.Signals {
		if cur, ok := dst.Signals[name]; !ok || score > cur {
			dst.Signals[name] = score
		}
	}
	if src.Reranked && (!dst.Reranked || src.RerankScore > dst.RerankScore) {
		dst.RerankScore = src.RerankScore
		dst.Reranked = true
	}
}
