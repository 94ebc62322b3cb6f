// Package service exposes the query-time operations of the engine: search,
// single-shot and iterative question answering, document search and research.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/ragengine/internal/agent"
	"github.com/knoguchi/ragengine/internal/answer"
	"github.com/knoguchi/ragengine/internal/config"
	"github.com/knoguchi/ragengine/internal/llm"
	"github.com/knoguchi/ragengine/internal/reranker"
	"github.com/knoguchi/ragengine/internal/retrieval"
	"github.com/knoguchi/ragengine/internal/timeout"
)

// NoInformationAnswer is returned when retrieval finds nothing to answer from.
const NoInformationAnswer = "No relevant information was found in the indexed documents."

// Provider is the generation capability the engine needs. llm.Provider
// satisfies it.
type Provider interface {
	agent.Planner
	GenerateAnswer(ctx context.Context, query, contextText string) (string, error)
	ExpandQuery(ctx context.Context, query string) ([]string, error)
	HypotheticalDocument(ctx context.Context, query string) (string, error)
	DecomposeQuestion(ctx context.Context, query string) ([]string, error)
	SynthesizeFindings(ctx context.Context, query, findings string) (string, error)
}

var _ Provider = (llm.Provider)(nil)

// AskRequest is a question with its expansion switches. TopK 0 sizes the
// context window from the query.
type AskRequest struct {
	Query      string `json:"query"`
	MultiQuery bool   `json:"multi_query"`
	HyDE       bool   `json:"hyde"`
	TopK       int    `json:"top_k"`
}

// SearchHit is one retrieved chunk.
type SearchHit struct {
	ChunkID      string             `json:"chunk_id"`
	DocumentID   string             `json:"document_id"`
	DocumentName string             `json:"file_name"`
	Link         string             `json:"link"`
	Locator      string             `json:"locator"`
	Text         string             `json:"text"`
	Score        float64            `json:"score"`
	FusedScore   float64            `json:"fused_score"`
	RerankScore  *float64           `json:"rerank_score,omitempty"`
	Signals      map[string]float64 `json:"signals"`
}

// SearchResponse is the result of Search.
type SearchResponse struct {
	Query     string      `json:"query"`
	Results   []SearchHit `json:"results"`
	LatencyMS int64       `json:"latency_ms"`
	Status    Status      `json:"status"`
}

// AskResponse is the result of Ask.
type AskResponse struct {
	Query     string            `json:"query"`
	Answer    string            `json:"answer"`
	Sources   []answer.Citation `json:"sources"`
	LatencyMS int64             `json:"latency_ms"`
	Status    Status            `json:"status"`
}

// IterativeResponse is the result of AskIterative.
type IterativeResponse struct {
	Query           string                  `json:"query"`
	Answer          string                  `json:"answer"`
	Sources         []answer.Citation       `json:"sources"`
	Iterations      []agent.IterationRecord `json:"iterations"`
	TotalSources    int                     `json:"total_sources"`
	TotalIterations int                     `json:"total_iterations"`
	FinalConfidence float64                 `json:"final_confidence"`
	LatencyMS       int64                   `json:"latency_ms"`
	Status          Status                  `json:"status"`
}

// Engine wires retrieval, reranking, the orchestrator and generation together.
type Engine struct {
	retriever    agent.Retriever
	reranker     agent.Reranker
	provider     Provider
	orchestrator *agent.Orchestrator
	cfg          config.RetrievalConfig
	logger       *slog.Logger
}

// Option is a functional option for configuring Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(retriever agent.Retriever, rr agent.Reranker, provider Provider, cfg config.RetrievalConfig, opts ...Option) *Engine {
	def := config.DefaultRetrievalConfig()
	if cfg.CandidateBudget <= 0 {
		cfg.CandidateBudget = def.CandidateBudget
	}
	if cfg.ExhaustiveCandidateBudget <= 0 {
		cfg.ExhaustiveCandidateBudget = def.ExhaustiveCandidateBudget
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = def.MaxSources
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = def.GenerationTimeout
	}

	e := &Engine{
		retriever: retriever,
		reranker:  rr,
		provider:  provider,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.orchestrator = agent.NewOrchestrator(retriever, rr, provider, cfg, agent.WithLogger(e.logger))
	e.logger = e.logger.With("component", "engine")
	return e
}

// Search retrieves and reranks chunks for query without generation. k <= 0
// sizes the result from the query.
func (e *Engine) Search(ctx context.Context, query string, k int) (SearchResponse, error) {
	start := time.Now()
	if err := validateQuery(query); err != nil {
		return SearchResponse{}, err
	}

	exhaustive := reranker.IsExhaustive(query)
	if k <= 0 {
		k = reranker.TargetK(query, false)
	}
	status := newStatus()

	res, err := e.retriever.Retrieve(ctx, query, e.budget(exhaustive))
	if err != nil {
		return SearchResponse{}, fmt.Errorf("failed to search: %w", err)
	}
	status.addSignals(res.Degraded)

	ranked := e.rerank(ctx, query, res.Candidates, k, &status)

	return SearchResponse{
		Query:     query,
		Results:   toHits(ranked),
		LatencyMS: time.Since(start).Milliseconds(),
		Status:    status,
	}, nil
}

// Ask answers a question from a single retrieval round.
func (e *Engine) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	start := time.Now()
	if err := validateQuery(req.Query); err != nil {
		return AskResponse{}, err
	}

	status := newStatus()
	exhaustive := reranker.IsExhaustive(req.Query)
	variants := e.variants(ctx, req, &status)

	res, err := e.retriever.RetrieveMulti(ctx, variants, e.budget(exhaustive))
	if err != nil {
		return AskResponse{}, fmt.Errorf("failed to retrieve: %w", err)
	}
	status.addSignals(res.Degraded)

	resp := AskResponse{Query: req.Query, Sources: []answer.Citation{}}
	if len(res.Candidates) == 0 {
		resp.Answer = NoInformationAnswer
		resp.Status = status
		resp.LatencyMS = time.Since(start).Milliseconds()
		return resp, nil
	}

	// Exhaustive mode widens the candidate budget only. The single-shot window
	// stays within MaxTargetK.
	k := req.TopK
	if k <= 0 {
		k = reranker.TargetK(req.Query, false)
	}
	ranked := e.rerank(ctx, req.Query, res.Candidates, k, &status)

	resp.Answer, resp.Sources, err = e.synthesize(ctx, req.Query, answer.Assemble(ranked, k), &status)
	if err != nil {
		return AskResponse{}, err
	}
	resp.Status = status
	resp.LatencyMS = time.Since(start).Milliseconds()

	e.logger.Info("ask complete",
		"candidates", len(res.Candidates),
		"sources", len(resp.Sources),
		"degraded", status.Kinds(),
		"latency_ms", resp.LatencyMS)
	return resp, nil
}

// AskIterative answers a question after confidence-driven retrieval rounds.
func (e *Engine) AskIterative(ctx context.Context, req AskRequest) (IterativeResponse, error) {
	start := time.Now()
	if err := validateQuery(req.Query); err != nil {
		return IterativeResponse{}, err
	}

	status := newStatus()
	exhaustive := reranker.IsExhaustive(req.Query)
	outcome, err := e.orchestrator.Run(ctx, agent.Request{
		Query:      req.Query,
		Variants:   e.variants(ctx, req, &status),
		Exhaustive: exhaustive,
	})
	if err != nil {
		return IterativeResponse{}, err
	}
	status.addOrchestration(outcome.Degradation)

	resp := IterativeResponse{
		Query:           req.Query,
		Sources:         []answer.Citation{},
		Iterations:      outcome.Trace,
		TotalSources:    outcome.PoolSize,
		TotalIterations: outcome.Iterations(),
		FinalConfidence: outcome.Confidence,
	}
	if resp.Iterations == nil {
		resp.Iterations = []agent.IterationRecord{}
	}

	if len(outcome.Candidates) == 0 {
		resp.Answer = NoInformationAnswer
	} else {
		limit := e.cfg.MaxSources
		if exhaustive {
			limit = min(reranker.TargetK(req.Query, true), limit)
		}
		if req.TopK > 0 {
			limit = min(req.TopK, limit)
		}
		resp.Answer, resp.Sources, err = e.synthesize(ctx, req.Query, answer.Assemble(outcome.Candidates, limit), &status)
		if err != nil {
			return IterativeResponse{}, err
		}
	}
	resp.Status = status
	resp.LatencyMS = time.Since(start).Milliseconds()
	return resp, nil
}

// variants returns the first-round queries: the query itself, its
// rephrasings when MultiQuery is set and a hypothetical answer when HyDE is set.
func (e *Engine) variants(ctx context.Context, req AskRequest, status *Status) []string {
	variants := []string{req.Query}

	if req.MultiQuery {
		expanded, err := timeout.Call(ctx, e.cfg.GenerationTimeout, func(ctx context.Context) ([]string, error) {
			return e.provider.ExpandQuery(ctx, req.Query)
		})
		if err != nil {
			e.logger.Warn("query expansion unavailable", "error", err)
			status.ExpansionDegraded = true
		} else {
			variants = mergeVariants(variants, expanded, llm.MaxQueryVariants)
		}
	}

	if req.HyDE {
		doc, err := timeout.Call(ctx, e.cfg.GenerationTimeout, func(ctx context.Context) (string, error) {
			return e.provider.HypotheticalDocument(ctx, req.Query)
		})
		if err != nil || strings.TrimSpace(doc) == "" {
			e.logger.Warn("hypothetical document unavailable", "error", err)
			status.ExpansionDegraded = true
		} else {
			variants = append(variants, strings.TrimSpace(doc))
		}
	}
	return variants
}

func mergeVariants(base, extra []string, limit int) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	for _, q := range base {
		seen[strings.ToLower(q)] = true
	}
	for _, q := range extra {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		if len(base) >= limit {
			break
		}
		seen[key] = true
		base = append(base, q)
	}
	return base
}

func (e *Engine) budget(exhaustive bool) int {
	if exhaustive {
		return e.cfg.ExhaustiveCandidateBudget
	}
	return e.cfg.CandidateBudget
}

func (e *Engine) rerank(ctx context.Context, query string, candidates retrieval.RankedList, k int, status *Status) retrieval.RankedList {
	res := e.reranker.Rerank(ctx, query, candidates, k)
	if res.Degraded {
		status.RerankDegraded = true
	}
	return res.Candidates
}

// synthesize generates an answer over assembled and validates its citations.
// A generation failure yields no answer and every assembled source; only
// cancellation of ctx is returned as an error.
func (e *Engine) synthesize(ctx context.Context, query string, assembled answer.Context, status *Status) (string, []answer.Citation, error) {
	text, err := timeout.Call(ctx, e.cfg.GenerationTimeout, func(ctx context.Context) (string, error) {
		return e.provider.GenerateAnswer(ctx, query, assembled.Text)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, fmt.Errorf("failed to generate answer: %w", ctx.Err())
		}
		e.logger.Warn("answer generation failed, returning sources only", "error", err)
		status.SynthesisSkipped = true
		return "", assembled.Citations, nil
	}

	v := answer.Validate(text, assembled)
	if len(v.Mismatches) > 0 {
		e.logger.Warn("answer cites unknown sources", "mismatches", len(v.Mismatches))
		status.addMismatches(v.Mismatches)
	}
	return text, v.Sources, nil
}

func validateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, retrieval.ErrEmptyQuery)
	}
	return nil
}

func toHits(l retrieval.RankedList) []SearchHit {
	hits := make([]SearchHit, len(l))
	for i, c := range l {
		h := SearchHit{
			ChunkID:      c.ChunkID,
			DocumentID:   c.DocumentID,
			DocumentName: c.DocumentName,
			Link:         c.Link,
			Locator:      c.Locator,
			Text:         c.Text,
			Score:        c.FusedScore,
			FusedScore:   c.FusedScore,
			Signals:      c.Signals,
		}
		if c.Reranked {
			score := c.RerankScore
			h.Score = score
			h.RerankScore = &score
		}
		hits[i] = h
	}
	return hits
}
