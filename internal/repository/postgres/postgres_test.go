package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderSchema(t *testing.T) {
	s := renderSchema(768)

	assert.Contains(t, s, "embedding   vector(768)")
	assert.NotContains(t, s, "{{dimension}}")
	for _, table := range []string{"documents", "chunks", "ingest_jobs"} {
		assert.Contains(t, s, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, s, "to_tsvector('simple', text)")
}

func TestSearchSQL(t *testing.T) {
	assert.Contains(t, vectorSearchSQL, "1 - (c.embedding <=> $1) AS score")
	assert.Contains(t, vectorSearchSQL, "ORDER BY c.embedding <=> $1 ASC")
	assert.Contains(t, keywordSearchSQL, "plainto_tsquery('simple', $1)")
	assert.Contains(t, keywordSearchSQL, "ts_rank(c.tsv, q)")
}
