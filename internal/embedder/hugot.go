package embedder

import (
	"context"
	"fmt"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
)

// HugotEmbedder runs a sentence-transformers ONNX model in process with the pure Go
// hugot backend. Pipelines are not safe for concurrent use, so calls are serialized.
type HugotEmbedder struct {
	mu        sync.Mutex
	session   *hugot.Session
	pipeline  *pipelines.FeatureExtractionPipeline
	model     string
	dimension int
}

// NewHugotEmbedder loads the model found at modelPath. The directory must contain
// the exported ONNX model and its tokenizer.
func NewHugotEmbedder(modelPath string, dimension int) (*HugotEmbedder, error) {
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "query-embedder",
	}
	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create embedding pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create embedding pipeline: %w", err)
	}

	if dimension <= 0 {
		dimension = 384
	}
	return &HugotEmbedder{
		session:   session,
		pipeline:  pipeline,
		model:     modelPath,
		dimension: dimension,
	}, nil
}

// Embed generates an embedding vector for a single text input.
func (e *HugotEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embedding vectors for multiple text inputs.
func (e *HugotEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmptyEmbedding, len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *HugotEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the model path.
func (e *HugotEmbedder) ModelName() string {
	return e.model
}

// Close releases the ONNX session.
func (e *HugotEmbedder) Close() error {
	return e.session.Destroy()
}

var _ Embedder = (*HugotEmbedder)(nil)
