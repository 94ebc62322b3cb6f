package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragengine/internal/jobs"
	"github.com/knoguchi/ragengine/internal/repository"
	"github.com/knoguchi/ragengine/internal/retrieval"
	"github.com/knoguchi/ragengine/internal/vectorstore"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	err     error
	short   bool
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, texts)
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

type fakeDocuments struct {
	mu      sync.Mutex
	docs    map[string]*repository.Document
	chunks  map[uuid.UUID][]*repository.Chunk
	deleted []uuid.UUID
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{
		docs:   make(map[string]*repository.Document),
		chunks: make(map[uuid.UUID][]*repository.Chunk),
	}
}

func (f *fakeDocuments) Create(_ context.Context, doc *repository.Document, chunks []*repository.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ContentHash] = doc
	f.chunks[doc.ID] = chunks
	return nil
}

func (f *fakeDocuments) GetByHash(_ context.Context, hash string) (*repository.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[hash]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDocuments) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	for h, d := range f.docs {
		if d.ID == id {
			delete(f.docs, h)
		}
	}
	delete(f.chunks, id)
	return nil
}

type fakeVectors struct {
	points []vectorstore.Point
	err    error
}

func (f *fakeVectors) VectorSearch(context.Context, []float32, int) (retrieval.RankedList, error) {
	return nil, nil
}
func (f *fakeVectors) EnsureCollection(context.Context, int) error { return nil }
func (f *fakeVectors) DeleteDocument(context.Context, string) error { return nil }
func (f *fakeVectors) Upsert(_ context.Context, points []vectorstore.Point) error {
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	return nil
}

func newTestIndexer(t *testing.T, emb BatchEmbedder, docs DocumentStore, opts ...IndexerOption) *Indexer {
	t.Helper()
	ix, err := NewIndexer(NewChunker(5, 0), emb, docs, opts...)
	require.NoError(t, err)
	t.Cleanup(ix.Release)
	return ix
}

var handbook = Document{
	Name: "handbook.md",
	Link: "https://docs/handbook",
	Text: "# Vacation\n\nYou get 25 days.\n\nCarry over 5 days.\n\n# Travel\n\nPer diem is 40 EUR.",
}

func TestIndexer_StoresChunksWithEmbeddings(t *testing.T) {
	emb := &fakeEmbedder{}
	docs := newFakeDocuments()
	ix := newTestIndexer(t, emb, docs, WithBatchSize(2))

	indexed, err := ix.Index(context.Background(), handbook)
	require.NoError(t, err)
	assert.True(t, indexed)

	require.Len(t, docs.docs, 1)
	var doc *repository.Document
	for _, d := range docs.docs {
		doc = d
	}
	assert.Equal(t, "handbook.md", doc.Name)
	assert.Equal(t, "https://docs/handbook", doc.Link)

	chunks := docs.chunks[doc.ID]
	require.Len(t, chunks, 3)
	assert.Equal(t, "You get 25 days.", chunks[0].Text)
	assert.Equal(t, "Vacation", chunks[0].Locator)
	assert.Equal(t, "Carry over 5 days.", chunks[1].Text)
	assert.Equal(t, "Travel", chunks[2].Locator)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, doc.ID, c.DocumentID)
		assert.Equal(t, []float32{float32(len(c.Text)), 1}, c.Embedding)
	}
	assert.Len(t, emb.batches, 2)
}

func TestIndexer_SkipsDuplicate(t *testing.T) {
	docs := newFakeDocuments()
	ix := newTestIndexer(t, &fakeEmbedder{}, docs)

	first, err := ix.Index(context.Background(), handbook)
	require.NoError(t, err)
	second, err := ix.Index(context.Background(), handbook)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Len(t, docs.docs, 1)
}

func TestIndexer_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     Document
		emb     *fakeEmbedder
		wantErr error
	}{
		{name: "no name", doc: Document{Text: "text"}, emb: &fakeEmbedder{}, wantErr: ErrEmptyDocument},
		{name: "no text", doc: Document{Name: "a.txt", Text: "  "}, emb: &fakeEmbedder{}, wantErr: ErrEmptyDocument},
		{name: "short embedding", doc: handbook, emb: &fakeEmbedder{short: true}, wantErr: ErrEmbeddingCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := newFakeDocuments()
			ix := newTestIndexer(t, tt.emb, docs)

			indexed, err := ix.Index(context.Background(), tt.doc)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, indexed)
			assert.Empty(t, docs.docs)
		})
	}

	t.Run("embedder failure", func(t *testing.T) {
		docs := newFakeDocuments()
		ix := newTestIndexer(t, &fakeEmbedder{err: errors.New("ollama down")}, docs)

		_, err := ix.Index(context.Background(), handbook)
		assert.ErrorContains(t, err, "ollama down")
		assert.Empty(t, docs.docs)
	})
}

func TestIndexer_VectorStore(t *testing.T) {
	docs := newFakeDocuments()
	vs := &fakeVectors{}
	ix := newTestIndexer(t, &fakeEmbedder{}, docs, WithVectorStore(vs))

	_, err := ix.Index(context.Background(), handbook)
	require.NoError(t, err)

	require.Len(t, vs.points, 3)
	for _, c := range docs.chunks {
		for i, chunk := range c {
			assert.Nil(t, chunk.Embedding)
			assert.Equal(t, chunk.ID.String(), vs.points[i].ChunkID)
			assert.Equal(t, "handbook.md", vs.points[i].DocumentName)
			assert.Equal(t, chunk.Locator, vs.points[i].Locator)
		}
	}
}

func TestIndexer_VectorStoreFailureRollsBack(t *testing.T) {
	docs := newFakeDocuments()
	ix := newTestIndexer(t, &fakeEmbedder{}, docs, WithVectorStore(&fakeVectors{err: errors.New("qdrant down")}))

	_, err := ix.Index(context.Background(), handbook)
	assert.ErrorContains(t, err, "qdrant down")
	assert.Empty(t, docs.docs)
	assert.Len(t, docs.deleted, 1)
}

func TestIndexer_Work(t *testing.T) {
	store := jobs.NewMemoryStore()
	q, err := jobs.NewQueue(store)
	require.NoError(t, err)

	ix := newTestIndexer(t, &fakeEmbedder{}, newFakeDocuments())
	batch := []Document{
		handbook,
		{Name: "empty.txt"},
		{Name: "faq.txt", Text: "Parking is free."},
		handbook,
	}

	job, err := q.Submit(context.Background(), len(batch), ix.Work(batch))
	require.NoError(t, err)
	require.NoError(t, q.Close(context.Background()))

	final, err := q.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobCompleted, final.State)
	assert.Equal(t, 4, final.Processed)
	assert.Equal(t, 2, final.Indexed)
	require.Len(t, final.Errors, 1)
	assert.Contains(t, final.Errors[0], "empty.txt")
}
