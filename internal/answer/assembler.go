// Package answer builds the numbered context handed to the generator and checks
// the citations in what comes back.
package answer

import (
	"fmt"
	"strings"

	"github.com/knoguchi/ragengine/internal/retrieval"
)

// SnippetChars is the citation snippet length before the ellipsis.
const SnippetChars = 200

// Citation identifies one passage of the assembled context.
type Citation struct {
	Marker       int    `json:"marker"`
	DocumentName string `json:"file_name"`
	Link         string `json:"link"`
	Locator      string `json:"locator"`
	ChunkID      string `json:"chunk_id"`
	Snippet      string `json:"snippet"`
}

// Context is the numbered passage set for one answer.
type Context struct {
	Passages  retrieval.RankedList
	Text      string
	Citations []Citation
}

// Len returns the number of passages.
func (c Context) Len() int {
	return len(c.Passages)
}

// Assemble orders chunks by relevance, drops repeated chunk IDs, keeps at most
// limit passages (limit <= 0 keeps all) and numbers them from 1.
func Assemble(chunks retrieval.RankedList, limit int) Context {
	ordered := make(retrieval.RankedList, 0, len(chunks))
	seen := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		if seen[c.ChunkID] {
			continue
		}
		seen[c.ChunkID] = true
		ordered = append(ordered, c)
	}
	retrieval.SortByRelevance(ordered)
	ordered = ordered.Truncate(limit)

	var sb strings.Builder
	citations := make([]Citation, len(ordered))
	for i, c := range ordered {
		marker := i + 1
		if i > 0 {
			sb.WriteString("\n\n")
		}
		name := c.DocumentName
		if name == "" {
			name = "Unknown"
		}
		if c.Locator != "" {
			fmt.Fprintf(&sb, "[%d] %s (%s)\n%s", marker, name, c.Locator, c.Text)
		} else {
			fmt.Fprintf(&sb, "[%d] %s\n%s", marker, name, c.Text)
		}
		citations[i] = Citation{
			Marker:       marker,
			DocumentName: name,
			Link:         c.Link,
			Locator:      c.Locator,
			ChunkID:      c.ChunkID,
			Snippet:      Snippet(c.Text),
		}
	}

	return Context{Passages: ordered, Text: sb.String(), Citations: citations}
}

// Snippet returns the first SnippetChars characters of text, with "..." when
// something was cut.
func Snippet(text string) string {
	r := []rune(text)
	if len(r) <= SnippetChars {
		return text
	}
	return string(r[:SnippetChars]) + "..."
}
