package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/knoguchi/ragengine/internal/config"
	"github.com/knoguchi/ragengine/internal/llm"
	"github.com/knoguchi/ragengine/internal/reranker"
	"github.com/knoguchi/ragengine/internal/retrieval"
	"github.com/knoguchi/ragengine/internal/timeout"
)

// AssessmentPassages is the number of top pooled chunks shown to the assessor.
const AssessmentPassages = 15

// Retriever produces fused candidates for one or more query variants.
type Retriever interface {
	Retrieve(ctx context.Context, query string, perSignalK int) (retrieval.Result, error)
	RetrieveMulti(ctx context.Context, queries []string, perSignalK int) (retrieval.Result, error)
}

// Reranker reorders candidates against the original question.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates retrieval.RankedList, targetK int) reranker.Result
}

// Planner judges coverage and proposes follow-up queries.
type Planner interface {
	AssessCoverage(ctx context.Context, query string, passages []llm.Passage) (llm.Assessment, error)
	GenerateFollowupQuery(ctx context.Context, query string, missing []string) (string, error)
}

// Request is one iterative retrieval run.
type Request struct {
	Query string
	// Variants are the first-round queries (multi-query, HyDE). Empty means
	// Query alone.
	Variants   []string
	Exhaustive bool
}

// Degradation collects every fallback taken during a run.
type Degradation struct {
	Signals            []retrieval.SignalError
	RerankDegraded     bool
	AssessmentDegraded bool
	FollowupDegraded   bool
	BudgetExhausted    bool
}

// Outcome is the result of a completed run.
type Outcome struct {
	Candidates retrieval.RankedList
	Trace      []IterationRecord
	Confidence float64
	PoolSize   int
	FinalState State
	Degradation
}

// Iterations returns the number of completed rounds.
func (o Outcome) Iterations() int {
	return len(o.Trace)
}

// Orchestrator drives retrieve, rerank and assess rounds until the assessed
// confidence reaches the threshold or a limit is hit.
type Orchestrator struct {
	retriever Retriever
	reranker  Reranker
	planner   Planner
	cfg       config.RetrievalConfig
	logger    *slog.Logger
}

// Option is a functional option for configuring Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator creates an orchestrator. Zero values in cfg fall back to the
// package defaults of internal/config.
func NewOrchestrator(retriever Retriever, rr Reranker, planner Planner, cfg config.RetrievalConfig, opts ...Option) *Orchestrator {
	def := config.DefaultRetrievalConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = def.MaxSources
	}
	if cfg.CandidateBudget <= 0 {
		cfg.CandidateBudget = def.CandidateBudget
	}
	if cfg.ExhaustiveCandidateBudget <= 0 {
		cfg.ExhaustiveCandidateBudget = def.ExhaustiveCandidateBudget
	}
	if cfg.AssessTimeout <= 0 {
		cfg.AssessTimeout = def.AssessTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = def.GenerationTimeout
	}
	if cfg.RequestBudget <= 0 {
		cfg.RequestBudget = def.RequestBudget
	}

	o := &Orchestrator{
		retriever: retriever,
		reranker:  rr,
		planner:   planner,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// run carries the mutable bookkeeping of one Run call.
type run struct {
	req       Request
	state     *RetrievalState
	subQuery  string
	missing   []string
	iteration int
	started   time.Time
	deg       Degradation
}

// Run executes the loop. It returns an error only when the parent context is
// cancelled or the query is blank; every capability failure degrades instead.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Outcome{FinalState: StateFailed}, retrieval.ErrEmptyQuery
	}

	budgetCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestBudget)
	defer cancel()

	r := &run{req: req, state: NewRetrievalState(), started: time.Now()}
	st := StateInit

	for {
		o.logger.Debug("state", "state", st.String(), "iteration", r.iteration)

		switch st {
		case StateInit:
			r.subQuery = req.Query
			r.iteration = 1
			st = StateRetrieving

		case StateRetrieving:
			roundStart := time.Now()
			added, err := o.retrieve(budgetCtx, r)
			if err != nil {
				if ctx.Err() != nil {
					st = StateFailed
					continue
				}
				if budgetCtx.Err() != nil {
					r.deg.BudgetExhausted = true
				} else {
					o.logger.Warn("retrieval round failed", "iteration", r.iteration, "error", err)
				}
				st = StateFinalizing
				continue
			}
			r.state.Trace = append(r.state.Trace, IterationRecord{
				Index:         r.iteration,
				SubQuery:      r.subQuery,
				NewCandidates: added,
				PoolSize:      r.state.Len(),
				Duration:      time.Since(roundStart),
			})
			st = StateAssessing

		case StateAssessing:
			a := o.assess(budgetCtx, r)
			if ctx.Err() != nil {
				st = StateFailed
				continue
			}
			last := &r.state.Trace[len(r.state.Trace)-1]
			last.Confidence = a.Confidence
			last.Assessment = a.Reasoning
			last.MissingInfo = a.MissingInfo
			r.state.Confidence = a.Confidence
			r.missing = a.MissingInfo

			st = o.next(budgetCtx, r)

		case StateExpanding:
			r.subQuery = o.followup(budgetCtx, r)
			if ctx.Err() != nil {
				st = StateFailed
				continue
			}
			r.iteration++
			st = StateRetrieving

		case StateFinalizing:
			out := Outcome{
				Candidates:  r.state.Top(o.cfg.MaxSources),
				Trace:       r.state.Trace,
				Confidence:  r.state.Confidence,
				PoolSize:    r.state.Len(),
				FinalState:  StateDone,
				Degradation: r.deg,
			}
			o.logger.Info("iterative retrieval finished",
				"iterations", out.Iterations(),
				"sources", len(out.Candidates),
				"confidence", out.Confidence,
				"elapsed", time.Since(r.started))
			return out, nil

		case StateFailed:
			return Outcome{Trace: r.state.Trace, FinalState: StateFailed, Degradation: r.deg},
				fmt.Errorf("failed to complete iterative retrieval: %w", ctx.Err())

		default:
			return Outcome{FinalState: StateFailed}, fmt.Errorf("invalid state %v", st)
		}
	}
}

// next decides between another round and finalizing.
func (o *Orchestrator) next(budgetCtx context.Context, r *run) State {
	if budgetCtx.Err() != nil {
		r.deg.BudgetExhausted = true
		return StateFinalizing
	}
	switch {
	case r.state.Confidence >= o.cfg.ConfidenceThreshold:
		return StateFinalizing
	case r.iteration >= o.cfg.MaxIterations:
		return StateFinalizing
	case len(r.missing) == 0:
		return StateFinalizing
	default:
		return StateExpanding
	}
}

// retrieve runs one round and merges the reranked union into the pool.
func (o *Orchestrator) retrieve(ctx context.Context, r *run) (int, error) {
	budget := o.cfg.CandidateBudget
	if r.req.Exhaustive {
		budget = o.cfg.ExhaustiveCandidateBudget
	}

	var (
		res retrieval.Result
		err error
	)
	if r.iteration == 1 && len(r.req.Variants) > 1 {
		res, err = o.retriever.RetrieveMulti(ctx, r.req.Variants, budget)
	} else {
		res, err = o.retriever.Retrieve(ctx, r.subQuery, budget)
	}
	if err != nil {
		return 0, err
	}
	r.deg.Signals = append(r.deg.Signals, res.Degraded...)

	added := r.state.CountNew(res.Candidates)
	union := append(r.state.Candidates(), res.Candidates...)
	target := min(r.state.Len()+added, o.cfg.MaxSources)

	reranked := o.reranker.Rerank(ctx, r.req.Query, union, target)
	if reranked.Degraded {
		r.deg.RerankDegraded = true
	}
	r.state.Merge(reranked.Candidates)
	// Chunks cut by the rerank window still count as found.
	r.state.Merge(res.Candidates)
	return added, nil
}

// assess asks the planner for coverage. Failures and out-of-range confidences
// yield a zero assessment with no missing items, which finalizes the loop.
func (o *Orchestrator) assess(ctx context.Context, r *run) llm.Assessment {
	top := r.state.Top(AssessmentPassages)
	passages := make([]llm.Passage, len(top))
	for i, c := range top {
		passages[i] = llm.Passage{DocumentName: c.DocumentName, Text: c.Text}
	}

	a, err := timeout.Call(ctx, o.cfg.AssessTimeout, func(ctx context.Context) (llm.Assessment, error) {
		return o.planner.AssessCoverage(ctx, r.req.Query, passages)
	})
	if err == nil && (math.IsNaN(a.Confidence) || a.Confidence < 0 || a.Confidence > 1) {
		err = fmt.Errorf("%w: %v", llm.ErrInvalidConfidence, a.Confidence)
	}
	if err != nil {
		o.logger.Warn("assessment unavailable", "iteration", r.iteration, "error", err)
		r.deg.AssessmentDegraded = true
		return llm.Assessment{Reasoning: "assessment unavailable"}
	}
	return a
}

// followup produces the next sub-query, falling back to the original query
// extended with the first missing item.
func (o *Orchestrator) followup(ctx context.Context, r *run) string {
	q, err := timeout.Call(ctx, o.cfg.GenerationTimeout, func(ctx context.Context) (string, error) {
		return o.planner.GenerateFollowupQuery(ctx, r.req.Query, r.missing)
	})
	q = strings.TrimSpace(q)
	if err == nil && q == "" {
		err = errors.New("empty follow-up query")
	}
	if err != nil {
		o.logger.Warn("follow-up generation failed, using fallback", "iteration", r.iteration, "error", err)
		r.deg.FollowupDegraded = true
		return r.req.Query + " " + r.missing[0]
	}
	return q
}
