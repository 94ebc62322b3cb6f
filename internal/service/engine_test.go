package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragengine/internal/config"
	"github.com/knoguchi/ragengine/internal/llm/llmtest"
	"github.com/knoguchi/ragengine/internal/reranker"
	"github.com/knoguchi/ragengine/internal/retrieval"
)

func chunk(id, doc string, fused float64) retrieval.Candidate {
	return retrieval.Candidate{
		ChunkID:      id,
		DocumentID:   doc,
		DocumentName: doc + ".pdf",
		Locator:      "page 1",
		Text:         id,
		FusedScore:   fused,
		Signals:      map[string]float64{retrieval.SignalKeyword: fused},
	}
}

func chunks(ids ...string) retrieval.RankedList {
	l := make(retrieval.RankedList, len(ids))
	for i, id := range ids {
		l[i] = chunk(id, "doc-"+id, 1/float64(retrieval.DefaultRRFK+i+1))
	}
	return l
}

type fakeRetriever struct {
	mu       sync.Mutex
	byQuery  map[string]retrieval.RankedList
	fallback retrieval.RankedList
	degraded []retrieval.SignalError
	err      error

	queries []string
	multi   [][]string
	ks      []int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, k int) (retrieval.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.ks = append(f.ks, k)
	if f.err != nil {
		return retrieval.Result{}, f.err
	}
	l, ok := f.byQuery[query]
	if !ok {
		l = f.fallback
	}
	if l == nil {
		l = retrieval.RankedList{}
	}
	return retrieval.Result{Candidates: l, Degraded: f.degraded}, nil
}

func (f *fakeRetriever) RetrieveMulti(ctx context.Context, queries []string, k int) (retrieval.Result, error) {
	f.mu.Lock()
	f.multi = append(f.multi, queries)
	f.mu.Unlock()

	var lists []retrieval.RankedList
	var degraded []retrieval.SignalError
	for _, q := range queries {
		res, err := f.Retrieve(ctx, q, k)
		if err != nil {
			return retrieval.Result{}, err
		}
		lists = append(lists, res.Candidates)
		degraded = append(degraded, res.Degraded...)
	}
	return retrieval.Result{Candidates: retrieval.Fuse(lists...), Degraded: degraded}, nil
}

type tableScorer struct {
	table map[string]float64
	err   error
}

func (s *tableScorer) ScoreRelevance(ctx context.Context, query string, passages []string) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float64, len(passages))
	for i, p := range passages {
		if v, ok := s.table[p]; ok {
			out[i] = v
		} else {
			out[i] = 0.1
		}
	}
	return out, nil
}

func newTestEngine(r *fakeRetriever, p *llmtest.Provider, scorerErr error) *Engine {
	scorer := &tableScorer{table: map[string]float64{"a": 0.9, "b": 0.8, "c": 0.7, "d": 0.95}, err: scorerErr}
	return NewEngine(r, reranker.NewCrossEncoder(scorer), p, config.DefaultRetrievalConfig())
}

func TestSearch(t *testing.T) {
	r := &fakeRetriever{
		fallback: chunks("c", "a", "b"),
		degraded: []retrieval.SignalError{{Signal: retrieval.SignalVector, Err: errors.New("timeout")}},
	}
	e := newTestEngine(r, &llmtest.Provider{}, nil)

	resp, err := e.Search(context.Background(), "vacation policy", 2)
	require.NoError(t, err)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].ChunkID)
	assert.Equal(t, "b", resp.Results[1].ChunkID)
	assert.InDelta(t, 0.9, resp.Results[0].Score, 1e-9)
	require.NotNil(t, resp.Results[0].RerankScore)
	assert.Equal(t, []string{retrieval.SignalVector}, resp.Status.DegradedSignals)
	assert.Equal(t, []int{config.DefaultCandidateBudget}, r.ks)
}

func TestSearch_RerankDegradedKeepsFusedOrder(t *testing.T) {
	r := &fakeRetriever{fallback: chunks("c", "a", "b")}
	e := newTestEngine(r, &llmtest.Provider{}, errors.New("rerank server down"))

	resp, err := e.Search(context.Background(), "vacation policy", 2)
	require.NoError(t, err)
	assert.True(t, resp.Status.RerankDegraded)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "c", resp.Results[0].ChunkID)
	assert.Nil(t, resp.Results[0].RerankScore)
}

func TestEngine_RejectsBlankQuery(t *testing.T) {
	e := newTestEngine(&fakeRetriever{}, &llmtest.Provider{}, nil)
	ctx := context.Background()

	_, err := e.Search(ctx, " ", 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, retrieval.ErrEmptyQuery)

	_, err = e.Ask(ctx, AskRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.AskIterative(ctx, AskRequest{Query: "\t"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.SearchDocuments(ctx, "", 0, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.Research(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAsk(t *testing.T) {
	r := &fakeRetriever{fallback: chunks("c", "a", "b")}
	p := &llmtest.Provider{Answer: "Vacation is 25 days [1]. Parking is free [9]."}
	e := newTestEngine(r, p, nil)

	resp, err := e.Ask(context.Background(), AskRequest{Query: "vacation policy"})
	require.NoError(t, err)

	assert.Equal(t, "Vacation is 25 days [1]. Parking is free [9].", resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "a", resp.Sources[0].ChunkID)
	assert.Equal(t, 1, resp.Sources[0].Marker)
	assert.Equal(t, []string{"[9]"}, resp.Status.CitationMismatches)
	assert.False(t, resp.Status.SynthesisSkipped)

	require.Len(t, p.Contexts, 1)
	assert.Contains(t, p.Contexts[0], "[1] doc-a.pdf (page 1)\na")
	assert.Contains(t, p.Contexts[0], "[3] doc-c.pdf (page 1)\nc")
	assert.Equal(t, [][]string{{"vacation policy"}}, r.multi)
}

func TestAsk_EmptyRetrieval(t *testing.T) {
	p := &llmtest.Provider{Answer: "should not be used"}
	e := newTestEngine(&fakeRetriever{}, p, nil)

	resp, err := e.Ask(context.Background(), AskRequest{Query: "vacation policy"})
	require.NoError(t, err)
	assert.Equal(t, NoInformationAnswer, resp.Answer)
	assert.NotNil(t, resp.Sources)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, p.AnswerCalls)
}

func TestAsk_GenerationFailedReturnsSources(t *testing.T) {
	r := &fakeRetriever{fallback: chunks("a", "b")}
	p := &llmtest.Provider{AnswerErr: errors.New("model offline")}
	e := newTestEngine(r, p, nil)

	resp, err := e.Ask(context.Background(), AskRequest{Query: "vacation policy"})
	require.NoError(t, err)
	assert.True(t, resp.Status.SynthesisSkipped)
	assert.Empty(t, resp.Answer)
	assert.Len(t, resp.Sources, 2)
}

func TestAsk_CancelledDuringGeneration(t *testing.T) {
	r := &fakeRetriever{fallback: chunks("a")}
	ctx, cancel := context.WithCancel(context.Background())
	p := &llmtest.Provider{AnswerErr: context.Canceled}
	e := newTestEngine(r, p, nil)

	cancel()
	_, err := e.Ask(ctx, AskRequest{Query: "vacation policy"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAsk_Variants(t *testing.T) {
	tests := []struct {
		name    string
		req     AskRequest
		p       *llmtest.Provider
		want    []string
		degrade bool
	}{
		{
			name: "multi query drops duplicates",
			req:  AskRequest{Query: "vacation policy", MultiQuery: true},
			p:    &llmtest.Provider{Variations: []string{"leave days", "Vacation Policy", " "}},
			want: []string{"vacation policy", "leave days"},
		},
		{
			name: "hyde appends hypothetical answer",
			req:  AskRequest{Query: "vacation policy", HyDE: true},
			p:    &llmtest.Provider{Hypothetical: " Employees get 25 days. "},
			want: []string{"vacation policy", "Employees get 25 days."},
		},
		{
			name:    "expansion failure degrades to the query",
			req:     AskRequest{Query: "vacation policy", MultiQuery: true, HyDE: true},
			p:       &llmtest.Provider{ExpandErr: errors.New("offline"), HyDEErr: errors.New("offline")},
			want:    []string{"vacation policy"},
			degrade: true,
		},
		{
			name: "variants capped",
			req:  AskRequest{Query: "q", MultiQuery: true},
			p:    &llmtest.Provider{Variations: []string{"v1", "v2", "v3", "v4", "v5", "v6"}},
			want: []string{"q", "v1", "v2", "v3", "v4"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRetriever{fallback: chunks("a")}
			tt.p.Answer = "ok [1]"
			e := newTestEngine(r, tt.p, nil)

			resp, err := e.Ask(context.Background(), tt.req)
			require.NoError(t, err)
			require.Len(t, r.multi, 1)
			assert.Equal(t, tt.want, r.multi[0])
			assert.Equal(t, tt.degrade, resp.Status.ExpansionDegraded)
		})
	}
}

func TestAsk_TopK(t *testing.T) {
	r := &fakeRetriever{fallback: chunks("a", "b", "c", "d")}
	p := &llmtest.Provider{Answer: "no markers"}
	e := newTestEngine(r, p, nil)

	resp, err := e.Ask(context.Background(), AskRequest{Query: "vacation policy", TopK: 2})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "d", resp.Sources[0].ChunkID)
	assert.Equal(t, "a", resp.Sources[1].ChunkID)
}

func TestAsk_BreadthQueryWindow(t *testing.T) {
	ids := make([]string, 40)
	for i := range ids {
		ids[i] = fmt.Sprintf("x%02d", i)
	}

	for _, q := range []string{"find the invoice", "list all vacation policies", "summary of the meeting"} {
		t.Run(q, func(t *testing.T) {
			r := &fakeRetriever{fallback: chunks(ids...)}
			e := newTestEngine(r, &llmtest.Provider{Answer: "no markers"}, nil)

			resp, err := e.Ask(context.Background(), AskRequest{Query: q})
			require.NoError(t, err)
			assert.Greater(t, len(resp.Sources), reranker.BaseTargetK)
			assert.LessOrEqual(t, len(resp.Sources), reranker.MaxTargetK)
			assert.Equal(t, []int{config.DefaultExhaustiveCandidateBudget}, r.ks)

			found, err := e.Search(context.Background(), q, 0)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(found.Results), reranker.MaxTargetK)
		})
	}
}

func TestAskIterative(t *testing.T) {
	r := &fakeRetriever{byQuery: map[string]retrieval.RankedList{
		"vacation policy": chunks("a", "b"),
		"carry over rules": chunks("c"),
	}}
	p := &llmtest.Provider{
		Assessments: []llmtest.AssessResult{llmtest.Confidence(0.6), llmtest.Confidence(0.9)},
		Followups:   []string{"carry over rules"},
		Answer:      "Vacation is 25 days [1] and carries over [3].",
	}
	e := newTestEngine(r, p, nil)

	resp, err := e.AskIterative(context.Background(), AskRequest{Query: "vacation policy"})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.TotalIterations)
	assert.Len(t, resp.Iterations, 2)
	assert.Equal(t, "carry over rules", resp.Iterations[1].SubQuery)
	assert.InDelta(t, 0.9, resp.FinalConfidence, 1e-9)
	assert.Equal(t, 3, resp.TotalSources)
	assert.Equal(t, "Vacation is 25 days [1] and carries over [3].", resp.Answer)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "a", resp.Sources[0].ChunkID)
	assert.Equal(t, "c", resp.Sources[1].ChunkID)
	assert.False(t, resp.Status.Degraded())
}

func TestAskIterative_EmptyIndex(t *testing.T) {
	p := &llmtest.Provider{Assessments: []llmtest.AssessResult{llmtest.Confidence(0.1)}, Followups: []string{"more"}}
	e := newTestEngine(&fakeRetriever{}, p, nil)

	resp, err := e.AskIterative(context.Background(), AskRequest{Query: "vacation policy"})
	require.NoError(t, err)
	assert.Equal(t, NoInformationAnswer, resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, p.AnswerCalls)
	assert.Equal(t, config.DefaultMaxIterations, resp.TotalIterations)
}

func TestAskIterative_ReportsDegradation(t *testing.T) {
	r := &fakeRetriever{fallback: chunks("a")}
	p := &llmtest.Provider{
		Assessments: []llmtest.AssessResult{{Err: errors.New("bad json")}},
		Answer:      "a [1]",
	}
	e := newTestEngine(r, p, errors.New("rerank down"))

	resp, err := e.AskIterative(context.Background(), AskRequest{Query: "vacation policy"})
	require.NoError(t, err)
	assert.True(t, resp.Status.AssessmentDegraded)
	assert.True(t, resp.Status.RerankDegraded)
	assert.Equal(t, []string{KindRerank, KindAssessment}, resp.Status.Kinds())
}

func TestSearchDocuments(t *testing.T) {
	r := &fakeRetriever{fallback: retrieval.RankedList{
		chunk("a1", "alpha", 0.030),
		chunk("b1", "beta", 0.032),
		chunk("a2", "alpha", 0.020),
		chunk("g1", "gamma", 0.030),
	}}
	e := newTestEngine(r, &llmtest.Provider{}, nil)

	resp, err := e.SearchDocuments(context.Background(), "vacation policy", 0, 0)
	require.NoError(t, err)

	assert.Equal(t, []int{DefaultDocumentChunks}, r.ks)
	assert.Equal(t, 4, resp.TotalChunks)
	require.Len(t, resp.Documents, 3)
	assert.Equal(t, "beta", resp.Documents[0].DocumentID)
	assert.Equal(t, "alpha", resp.Documents[1].DocumentID)
	assert.Equal(t, 2, resp.Documents[1].Hits)
	assert.Equal(t, []string{"a1", "a2"}, resp.Documents[1].Snippets)
	assert.Equal(t, "gamma", resp.Documents[2].DocumentID)

	resp, err = e.SearchDocuments(context.Background(), "vacation policy", 10, 1)
	require.NoError(t, err)
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, []int{DefaultDocumentChunks, 10}, r.ks)
}

func TestStatus_Kinds(t *testing.T) {
	s := newStatus()
	assert.False(t, s.Degraded())
	assert.Empty(t, s.Kinds())

	s.addSignals([]retrieval.SignalError{{Signal: "vector"}, {Signal: "vector"}, {Signal: "keyword"}})
	s.SynthesisSkipped = true
	s.BudgetExhausted = true
	assert.Equal(t, []string{"vector", "keyword"}, s.DegradedSignals)
	assert.Equal(t, []string{KindSignal, KindSynthesis, KindBudget}, s.Kinds())
	assert.True(t, s.Degraded())
}
