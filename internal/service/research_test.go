package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragengine/internal/llm/llmtest"
	"github.com/knoguchi/ragengine/internal/retrieval"
)

func TestResearch(t *testing.T) {
	r := &fakeRetriever{byQuery: map[string]retrieval.RankedList{
		"q1": chunks("a", "b"),
		"q2": chunks("b", "c"),
	}}
	p := &llmtest.Provider{
		SubQuestions: []string{"q1", "q2"},
		Answer:       "Found it [1].",
		Report:       "Both answered (doc-a.pdf).",
	}
	e := newTestEngine(r, p, nil)

	resp, err := e.Research(context.Background(), "how do vacation and travel interact")
	require.NoError(t, err)

	assert.Equal(t, "Both answered (doc-a.pdf).", resp.Answer)
	assert.Equal(t, 2, resp.NumSubQuestions)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, ResearchStep{Question: "q1", Answer: "Found it [1].", SourceIDs: []string{"a"}}, resp.Steps[0])
	assert.Equal(t, []string{"b"}, resp.Steps[1].SourceIDs)

	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "a", resp.Sources[0].ChunkID)
	assert.Equal(t, 1, resp.Sources[0].Marker)
	assert.Equal(t, "b", resp.Sources[1].ChunkID)
	assert.Equal(t, 2, resp.Sources[1].Marker)

	require.Len(t, p.Findings, 1)
	assert.Equal(t,
		"Question 1: q1\nAnswer: Found it [1].\nSources: doc-a.pdf\n\nQuestion 2: q2\nAnswer: Found it [1].\nSources: doc-b.pdf",
		p.Findings[0])
	assert.False(t, resp.Status.Degraded())
}

func TestResearch_DecompositionFailure(t *testing.T) {
	r := &fakeRetriever{fallback: chunks("a")}
	p := &llmtest.Provider{DecomposeErr: errors.New("offline"), Answer: "ok [1]", Report: "report"}
	e := newTestEngine(r, p, nil)

	resp, err := e.Research(context.Background(), "vacation policy")
	require.NoError(t, err)
	assert.True(t, resp.Status.DecompositionDegraded)
	assert.Equal(t, 1, resp.NumSubQuestions)
	assert.Equal(t, []string{"vacation policy"}, r.queries)
	assert.Equal(t, "report", resp.Answer)
}

func TestResearch_NothingFound(t *testing.T) {
	p := &llmtest.Provider{SubQuestions: []string{"q1", "q2"}, Report: "unused"}
	e := newTestEngine(&fakeRetriever{}, p, nil)

	resp, err := e.Research(context.Background(), "vacation policy")
	require.NoError(t, err)
	assert.Equal(t, NoInformationAnswer, resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.Empty(t, p.Findings)
	assert.Zero(t, p.AnswerCalls)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, NoInformationAnswer, resp.Steps[0].Answer)
}

func TestResearch_SynthesisFailure(t *testing.T) {
	r := &fakeRetriever{fallback: chunks("a")}
	p := &llmtest.Provider{SubQuestions: []string{"q1"}, Answer: "ok [1]", SynthesisErr: errors.New("offline")}
	e := newTestEngine(r, p, nil)

	resp, err := e.Research(context.Background(), "vacation policy")
	require.NoError(t, err)
	assert.True(t, resp.Status.SynthesisSkipped)
	assert.Empty(t, resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "ok [1]", resp.Steps[0].Answer)
}
