package reranker

import (
	"context"
	"fmt"
	"strings"

	"github.com/knoguchi/ragengine/internal/llm"
)

// LLMScorer uses an LLM as a pointwise relevance judge. The model sees the query
// and every passage together, which approximates a cross-encoder when no
// dedicated rerank server is deployed.
type LLMScorer struct {
	llmClient llm.LLM
	model     string
}

// LLMScorerOption is a functional option for configuring LLMScorer.
type LLMScorerOption func(*LLMScorer)

// WithModel sets the model to use for scoring.
func WithModel(model string) LLMScorerOption {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// NewLLMScorer creates a new LLM-based scorer.
func NewLLMScorer(llmClient llm.LLM, opts ...LLMScorerOption) *LLMScorer {
	s := &LLMScorer{llmClient: llmClient}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

type scoreResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// ScoreRelevance asks the LLM to score each passage's relevance to the query.
func (s *LLMScorer) ScoreRelevance(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	opts := llm.GenerateOptions{
		Model:       s.model,
		Temperature: 0.0, // Deterministic scoring
		MaxTokens:   1024,
		JSON:        true,
	}

	response, err := s.llmClient.Generate(ctx, buildScorePrompt(query, passages), opts)
	if err != nil {
		return nil, fmt.Errorf("LLM scoring failed: %w", err)
	}
	return parseScoreResponse(response, len(passages))
}

// buildScorePrompt constructs the prompt for LLM-based scoring.
func buildScorePrompt(query string, passages []string) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, p := range passages {
		// Truncate content to avoid token limits
		if r := []rune(p); len(r) > 500 {
			p = string(r[:500]) + "..."
		}
		fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, p)
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScoreResponse extracts scores from the LLM response. Documents the model
// skipped get a neutral 0.5.
func parseScoreResponse(response string, n int) ([]float64, error) {
	var parsed scoreResponse
	if err := llm.DecodeObject(response, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse score response: %w", err)
	}
	if len(parsed.Scores) == 0 {
		return nil, fmt.Errorf("failed to parse score response: no scores")
	}

	scores := make([]float64, n)
	for i := range scores {
		scores[i] = 0.5
	}
	for _, s := range parsed.Scores {
		if s.DocIndex >= 0 && s.DocIndex < n {
			scores[s.DocIndex] = min(max(s.Score, 0), 1)
		}
	}
	return scores, nil
}

var _ Scorer = (*LLMScorer)(nil)
