package ingestion

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(prefix string, n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(w, " ")
}

func TestNewChunker_Defaults(t *testing.T) {
	c := NewChunker(0, -1)
	assert.Equal(t, DefaultMaxWords, c.maxWords)
	assert.Equal(t, DefaultOverlapWords, c.overlap)

	c = NewChunker(10, 10)
	assert.Equal(t, 5, c.overlap)
}

func TestChunker_EmptyContent(t *testing.T) {
	c := NewChunker(10, 2)
	assert.Nil(t, c.Chunk(""))
	assert.Nil(t, c.Chunk("   \n\n  "))
}

func TestChunker_HeadingLocator(t *testing.T) {
	c := NewChunker(300, 45)
	text := "Preface line.\n\n# Intro\n\nHello world.\n\n## Vacation\nYou get 25 days.\n\nPlan ahead."

	pieces := c.Chunk(text)

	assert.Equal(t, []Piece{
		{Index: 0, Text: "Preface line.", Locator: ""},
		{Index: 1, Text: "Hello world.", Locator: "Intro"},
		{Index: 2, Text: "You get 25 days.\n\nPlan ahead.", Locator: "Vacation"},
	}, pieces)
}

func TestChunker_PageLocator(t *testing.T) {
	c := NewChunker(300, 45)

	pieces := c.ChunkDocument("ignored", []string{"first page", "  ", "third page"})

	assert.Equal(t, []Piece{
		{Index: 0, Text: "first page", Locator: "page 1"},
		{Index: 1, Text: "third page", Locator: "page 3"},
	}, pieces)
}

func TestChunker_ParagraphOverlap(t *testing.T) {
	c := NewChunker(10, 2)
	text := "a1 a2 a3 a4 a5 a6\n\nb1 b2 b3 b4 b5 b6"

	pieces := c.Chunk(text)

	require.Len(t, pieces, 2)
	assert.Equal(t, "a1 a2 a3 a4 a5 a6", pieces[0].Text)
	assert.Equal(t, "a5 a6\n\nb1 b2 b3 b4 b5 b6", pieces[1].Text)
}

func TestChunker_LongSentenceWindows(t *testing.T) {
	c := NewChunker(10, 2)

	pieces := c.Chunk(words("w", 25))

	require.Len(t, pieces, 3)
	for i, p := range pieces {
		assert.Equal(t, i, p.Index)
		assert.LessOrEqual(t, wordCount(p.Text), 10)
	}
	assert.True(t, strings.HasPrefix(pieces[1].Text, "w8 w9 "))
	assert.True(t, strings.HasSuffix(pieces[2].Text, " w24"))
}

func TestChunker_LongParagraphSplitsBySentence(t *testing.T) {
	c := NewChunker(8, 0)
	text := "One two three four five. Six seven eight nine ten. Eleven twelve."

	pieces := c.Chunk(text)

	require.Len(t, pieces, 2)
	assert.Equal(t, "One two three four five.", pieces[0].Text)
	assert.Equal(t, "Six seven eight nine ten. Eleven twelve.", pieces[1].Text)
}

func TestSplitSentences(t *testing.T) {
	assert.Equal(t,
		[]string{"Dr. Smith arrived.", "He left!", "Why?", "trailing"},
		splitSentences("Dr. Smith arrived. He left! Why? trailing"),
	)
	assert.Nil(t, splitSentences("  "))
}
