package embedder

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// Cached memoizes query embeddings. Vectors are immutable once produced, so the
// cache is shared across requests.
type Cached struct {
	Embedder
	cache *ristretto.Cache[string, []float32]
}

// NewCached wraps next with a cache holding roughly maxEntries vectors.
func NewCached(next Embedder, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &Cached{Embedder: next, cache: cache}, nil
}

// Embed returns the cached vector for text or computes and stores it.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}
	v, err := c.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, v, 1)
	return v, nil
}

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *Cached) Close() {
	c.cache.Close()
}

var _ Embedder = (*Cached)(nil)
