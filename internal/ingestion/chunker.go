// Package ingestion turns submitted documents into indexed chunks: chunking,
// batch embedding and storage.
package ingestion

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	DefaultMaxWords     = 300
	DefaultOverlapWords = 45
)

var (
	headingPattern   = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	paragraphPattern = regexp.MustCompile(`\n\s*\n`)
)

// Piece is one chunk of a document before embedding.
type Piece struct {
	Index int
	Text  string
	// Locator is "page N" for paged input, otherwise the nearest heading.
	Locator string
}

// Chunker splits text into overlapping word windows that respect paragraph and
// heading boundaries.
type Chunker struct {
	maxWords int
	overlap  int
}

// NewChunker creates a Chunker. Out of range values fall back to the defaults.
func NewChunker(maxWords, overlap int) *Chunker {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	if overlap < 0 || overlap >= maxWords {
		overlap = min(DefaultOverlapWords, maxWords/2)
	}
	return &Chunker{maxWords: maxWords, overlap: overlap}
}

// ChunkDocument chunks a document. When pages are given each page is chunked on
// its own and text is ignored.
func (c *Chunker) ChunkDocument(text string, pages []string) []Piece {
	var pieces []Piece
	if len(pages) > 0 {
		for i, page := range pages {
			for _, s := range c.chunkSections(page) {
				pieces = append(pieces, Piece{Text: s.Text, Locator: fmt.Sprintf("page %d", i+1)})
			}
		}
	} else {
		pieces = c.chunkSections(text)
	}
	for i := range pieces {
		pieces[i].Index = i
	}
	return pieces
}

// Chunk splits markdown-ish text into pieces located by heading.
func (c *Chunker) Chunk(text string) []Piece {
	return c.ChunkDocument(text, nil)
}

type section struct {
	heading    string
	paragraphs []string
}

func (c *Chunker) chunkSections(text string) []Piece {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var pieces []Piece
	for _, s := range parseSections(text) {
		for _, body := range c.pack(s.paragraphs) {
			pieces = append(pieces, Piece{Text: body, Locator: s.heading})
		}
	}
	return pieces
}

// parseSections groups paragraphs under the heading that precedes them. A
// heading line starts a new section; text before the first heading has none.
func parseSections(text string) []section {
	var (
		sections []section
		current  section
	)
	flush := func() {
		if len(current.paragraphs) > 0 {
			sections = append(sections, current)
		}
	}

	for _, para := range paragraphPattern.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.SplitN(para, "\n", 2)
		if m := headingPattern.FindStringSubmatch(strings.TrimSpace(lines[0])); m != nil {
			flush()
			current = section{heading: strings.TrimSpace(m[2])}
			if len(lines) == 2 && strings.TrimSpace(lines[1]) != "" {
				current.paragraphs = append(current.paragraphs, strings.TrimSpace(lines[1]))
			}
			continue
		}
		current.paragraphs = append(current.paragraphs, para)
	}
	flush()
	return sections
}

// pack groups paragraphs into bodies of at most maxWords words. Consecutive
// bodies share overlap words; paragraphs longer than maxWords are split by
// sentence and then by word window.
func (c *Chunker) pack(paragraphs []string) []string {
	var units []string
	for _, p := range paragraphs {
		if wordCount(p) <= c.maxWords {
			units = append(units, p)
			continue
		}
		units = append(units, c.splitLong(p)...)
	}

	var (
		bodies  []string
		current []string
		words   int
	)
	for _, u := range units {
		n := wordCount(u)
		if words+n > c.maxWords && words > 0 {
			bodies = append(bodies, strings.Join(current, "\n\n"))
			tail := lastWords(current, c.overlap)
			current, words = nil, 0
			if tail != "" && wordCount(tail)+n <= c.maxWords {
				current = append(current, tail)
				words = wordCount(tail)
			}
		}
		current = append(current, u)
		words += n
	}
	if len(current) > 0 {
		bodies = append(bodies, strings.Join(current, "\n\n"))
	}
	return bodies
}

// splitLong breaks an oversized paragraph into sentence groups, falling back
// to fixed word windows for a single oversized sentence.
func (c *Chunker) splitLong(text string) []string {
	var (
		out     []string
		current []string
		words   int
	)
	flush := func() {
		if len(current) > 0 {
			out = append(out, strings.Join(current, " "))
			current, words = nil, 0
		}
	}
	for _, s := range splitSentences(text) {
		n := wordCount(s)
		if n > c.maxWords {
			flush()
			out = append(out, c.windows(strings.Fields(s))...)
			continue
		}
		if words+n > c.maxWords {
			flush()
		}
		current = append(current, s)
		words += n
	}
	flush()
	return out
}

// windows splits words into fixed windows advancing by maxWords minus overlap.
func (c *Chunker) windows(words []string) []string {
	step := c.maxWords - c.overlap
	if step <= 0 {
		step = 1
	}
	var out []string
	for i := 0; i < len(words); i += step {
		end := min(i+c.maxWords, len(words))
		out = append(out, strings.Join(words[i:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}

func lastWords(parts []string, n int) string {
	if n <= 0 || len(parts) == 0 {
		return ""
	}
	words := strings.Fields(strings.Join(parts, " "))
	if len(words) <= n {
		return ""
	}
	return strings.Join(words[len(words)-n:], " ")
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// splitSentences splits text on . ! ? followed by whitespace, skipping common
// abbreviations.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if r == '.' || r == '!' || r == '?' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				sentence := strings.TrimSpace(current.String())
				if sentence != "" && !isAbbreviation(sentence) {
					sentences = append(sentences, sentence)
					current.Reset()
				}
			}
		}
	}

	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		sentences = append(sentences, remaining)
	}
	return sentences
}

var abbreviations = []string{
	"mr.", "mrs.", "ms.", "dr.", "prof.",
	"inc.", "ltd.", "corp.",
	"etc.", "e.g.", "i.e.",
	"vs.", "no.", "vol.", "pg.",
}

func isAbbreviation(text string) bool {
	lower := strings.ToLower(text)
	for _, abbr := range abbreviations {
		if strings.HasSuffix(lower, " "+abbr) || lower == abbr {
			return true
		}
	}
	return false
}
