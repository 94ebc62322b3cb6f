package reranker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPScorer calls a cross-encoder served over HTTP. The wire format is the one
// shared by Hugging Face TEI and Infinity: POST /rerank with the query and raw
// texts, answered by a list of {index, score}.
type HTTPScorer struct {
	client *resty.Client
	model  string
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	Truncate  bool     `json:"truncate"`
	RawScores bool     `json:"raw_scores"`
}

type rerankItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

type rerankError struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// NewHTTPScorer creates a scorer for the server at baseURL.
func NewHTTPScorer(baseURL, model string) *HTTPScorer {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(60*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPScorer{client: client, model: model}
}

// ScoreRelevance returns one score per passage in input order.
func (s *HTTPScorer) ScoreRelevance(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	var items []rerankItem
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(rerankRequest{Model: s.model, Query: query, Texts: passages, Truncate: true}).
		SetResult(&items).
		SetError(&rerankError{}).
		Post("/rerank")
	if err != nil {
		return nil, fmt.Errorf("failed to call rerank server: %w", err)
	}
	if resp.IsError() {
		if apiErr, ok := resp.Error().(*rerankError); ok && apiErr.Error != "" {
			return nil, fmt.Errorf("rerank server error (status %d): %s", resp.StatusCode(), apiErr.Error)
		}
		return nil, fmt.Errorf("rerank server error (status %d): %s", resp.StatusCode(), resp.String())
	}

	scores := make([]float64, len(passages))
	seen := make([]bool, len(passages))
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(passages) || seen[it.Index] {
			return nil, fmt.Errorf("rerank server returned invalid index %d", it.Index)
		}
		seen[it.Index] = true
		scores[it.Index] = it.Score
	}
	if len(items) != len(passages) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrScoreCount, len(items), len(passages))
	}
	return scores, nil
}

var _ Scorer = (*HTTPScorer)(nil)
