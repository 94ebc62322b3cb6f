package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/ragengine/internal/timeout"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPerSignalK is the number of results requested from each signal.
	DefaultPerSignalK = 50

	// DefaultSignalTimeout bounds each signal call, embedding included.
	DefaultSignalTimeout = 5 * time.Second
)

// Result is the fused output of one hybrid retrieval.
type Result struct {
	Candidates RankedList
	// Degraded lists the signals that were replaced by an empty list.
	Degraded []SignalError
}

// HybridRetriever runs the vector and keyword signals concurrently and fuses them.
type HybridRetriever struct {
	embedder Embedder
	vector   VectorSearcher
	keyword  KeywordSearcher
	timeout  time.Duration
	rrfK     int
	logger   *slog.Logger
}

// HybridOption is a functional option for configuring HybridRetriever.
type HybridOption func(*HybridRetriever)

// WithSignalTimeout sets the per-call timeout applied to each signal.
func WithSignalTimeout(d time.Duration) HybridOption {
	return func(h *HybridRetriever) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithRRFK overrides the fusion constant.
func WithRRFK(k int) HybridOption {
	return func(h *HybridRetriever) {
		if k > 0 {
			h.rrfK = k
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HybridOption {
	return func(h *HybridRetriever) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHybridRetriever creates a retriever over the given capabilities.
func NewHybridRetriever(embedder Embedder, vector VectorSearcher, keyword KeywordSearcher, opts ...HybridOption) *HybridRetriever {
	h := &HybridRetriever{
		embedder: embedder,
		vector:   vector,
		keyword:  keyword,
		timeout:  DefaultSignalTimeout,
		rrfK:     DefaultRRFK,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hybrid-retriever")
	return h
}

// Retrieve issues both signals for query, each bounded to perSignalK results, and
// returns the fused list truncated to perSignalK. A failing signal degrades to an
// empty list; only cancellation of ctx is returned as an error.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, perSignalK int) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, ErrEmptyQuery
	}
	if perSignalK <= 0 {
		perSignalK = DefaultPerSignalK
	}

	var (
		vectorList, keywordList RankedList
		vectorErr, keywordErr   error
	)

	var g errgroup.Group
	g.Go(func() error {
		vectorList, vectorErr = h.vectorSignal(ctx, query, perSignalK)
		return nil
	})
	g.Go(func() error {
		keywordList, keywordErr = h.keywordSignal(ctx, query, perSignalK)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("failed to retrieve: %w", err)
	}

	var res Result
	if vectorErr != nil {
		res.Degraded = append(res.Degraded, SignalError{Signal: SignalVector, Err: vectorErr})
		h.logger.Warn("vector signal unavailable", "error", vectorErr)
		vectorList = nil
	}
	if keywordErr != nil {
		res.Degraded = append(res.Degraded, SignalError{Signal: SignalKeyword, Err: keywordErr})
		h.logger.Warn("keyword signal unavailable", "error", keywordErr)
		keywordList = nil
	}

	res.Candidates = FuseWithK(h.rrfK, vectorList, keywordList).Truncate(perSignalK)

	h.logger.Debug("hybrid retrieval complete",
		"vector_hits", len(vectorList),
		"keyword_hits", len(keywordList),
		"fused", len(res.Candidates),
	)
	return res, nil
}

// RetrieveMulti retrieves every query variant in order and fuses the per-variant
// lists, truncating to perSignalK.
func (h *HybridRetriever) RetrieveMulti(ctx context.Context, queries []string, perSignalK int) (Result, error) {
	if len(queries) == 1 {
		return h.Retrieve(ctx, queries[0], perSignalK)
	}

	var (
		lists    []RankedList
		degraded []SignalError
	)
	for _, q := range queries {
		if strings.TrimSpace(q) == "" {
			continue
		}
		res, err := h.Retrieve(ctx, q, perSignalK)
		if err != nil {
			return Result{}, err
		}
		lists = append(lists, res.Candidates)
		degraded = append(degraded, res.Degraded...)
	}
	if len(lists) == 0 {
		return Result{}, ErrEmptyQuery
	}

	return Result{
		Candidates: FuseWithK(h.rrfK, lists...).Truncate(perSignalK),
		Degraded:   degraded,
	}, nil
}

func (h *HybridRetriever) vectorSignal(ctx context.Context, query string, k int) (RankedList, error) {
	return timeout.Call(ctx, h.timeout, func(ctx context.Context) (RankedList, error) {
		vec, err := h.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		list, err := h.vector.VectorSearch(ctx, vec, k)
		if err != nil {
			return nil, fmt.Errorf("failed to search vectors: %w", err)
		}
		return list.Truncate(k), nil
	})
}

func (h *HybridRetriever) keywordSignal(ctx context.Context, query string, k int) (RankedList, error) {
	return timeout.Call(ctx, h.timeout, func(ctx context.Context) (RankedList, error) {
		list, err := h.keyword.KeywordSearch(ctx, query, k)
		if err != nil {
			return nil, fmt.Errorf("failed to search keywords: %w", err)
		}
		return list.Truncate(k), nil
	})
}
