package reranker

import (
	"strings"
	"unicode"
)

const (
	// BaseTargetK is the window for an ordinary question.
	BaseTargetK = 8
	// MinTargetK is the smallest window ever returned.
	MinTargetK = 4
	// MaxTargetK caps the window outside exhaustive mode.
	MaxTargetK = 16
	// ExhaustiveTargetK is the window for exhaustive queries.
	ExhaustiveTargetK = 100
)

var breadthWords = map[string]bool{
	"all": true, "every": true, "each": true, "comprehensive": true, "complete": true,
	"entire": true, "list": true, "find": true, "search": true, "overview": true,
	"summary": true, "summarize": true, "compare": true,
}

var comparativeWords = map[string]bool{
	"difference": true, "differences": true, "versus": true, "vs": true, "between": true,
	"contrast": true,
}

var conjunctions = map[string]bool{"and": true, "also": true}

var narrowPrefixes = []string{"what is", "who is", "when", "where", "define"}

func queryWords(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

// IsExhaustive reports whether the query asks for breadth ("list all", "find every").
func IsExhaustive(query string) bool {
	for _, w := range queryWords(query) {
		if breadthWords[w] {
			return true
		}
	}
	return false
}

// TargetK sizes the reranked window for a query. Breadth quantifiers widen it to
// MaxTargetK, or ExhaustiveTargetK in exhaustive mode. Long and multi-part
// questions add to the base; short narrowly scoped lookups shrink it toward
// MinTargetK.
func TargetK(query string, exhaustive bool) int {
	words := queryWords(query)
	lower := strings.ToLower(strings.TrimSpace(query))

	k := BaseTargetK
	breadth := false
	comparative := false
	markers := strings.Count(query, "?")
	for _, w := range words {
		switch {
		case breadthWords[w]:
			breadth = true
		case comparativeWords[w]:
			comparative = true
		case conjunctions[w]:
			markers++
		}
	}

	if exhaustive {
		return ExhaustiveTargetK
	}
	if breadth {
		k = MaxTargetK
	}

	switch n := len(words); {
	case n > 20:
		k += 4
	case n > 10:
		k += 2
	}

	switch {
	case markers > 2:
		k += 4
	case markers > 1:
		k += 2
	}

	if comparative {
		k += 4
	}

	if !breadth && len(words) < 5 {
		for _, p := range narrowPrefixes {
			if strings.HasPrefix(lower, p) {
				k = MinTargetK
				break
			}
		}
	}

	return max(MinTargetK, min(k, MaxTargetK))
}
