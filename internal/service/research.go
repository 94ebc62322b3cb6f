package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knoguchi/ragengine/internal/answer"
	"github.com/knoguchi/ragengine/internal/reranker"
	"github.com/knoguchi/ragengine/internal/timeout"
)

const (
	// ResearchStepSources caps the passages behind each sub-answer.
	ResearchStepSources = 5

	// findingSourceNames is how many file names a finding lists.
	findingSourceNames = 3
)

// ResearchStep is the answer to one sub-question.
type ResearchStep struct {
	Question  string   `json:"question"`
	Answer    string   `json:"answer"`
	SourceIDs []string `json:"source_ids"`
}

// ResearchResponse is the result of Research.
type ResearchResponse struct {
	Query           string            `json:"query"`
	Answer          string            `json:"answer"`
	Steps           []ResearchStep    `json:"research_steps"`
	Sources         []answer.Citation `json:"sources"`
	NumSubQuestions int               `json:"num_sub_questions"`
	LatencyMS       int64             `json:"latency_ms"`
	Status          Status            `json:"status"`
}

// Research decomposes query into sub-questions, answers each from its own
// retrieval and synthesizes a report over the sub-answers.
func (e *Engine) Research(ctx context.Context, query string) (ResearchResponse, error) {
	start := time.Now()
	if err := validateQuery(query); err != nil {
		return ResearchResponse{}, err
	}
	status := newStatus()

	questions, err := timeout.Call(ctx, e.cfg.GenerationTimeout, func(ctx context.Context) ([]string, error) {
		return e.provider.DecomposeQuestion(ctx, query)
	})
	if err != nil || len(questions) == 0 {
		e.logger.Warn("question decomposition unavailable, researching the query itself", "error", err)
		status.DecompositionDegraded = true
		questions = []string{query}
	}

	resp := ResearchResponse{
		Query:           query,
		Steps:           make([]ResearchStep, 0, len(questions)),
		Sources:         []answer.Citation{},
		NumSubQuestions: len(questions),
	}
	sources := make(map[string]answer.Citation)

	for i, q := range questions {
		e.logger.Debug("researching sub-question", "index", i+1, "total", len(questions), "question", q)
		step, cited, err := e.researchStep(ctx, q, &status)
		if err != nil {
			return ResearchResponse{}, err
		}
		for _, c := range cited {
			if _, ok := sources[c.ChunkID]; ok {
				continue
			}
			c.Marker = len(resp.Sources) + 1
			sources[c.ChunkID] = c
			resp.Sources = append(resp.Sources, c)
		}
		resp.Steps = append(resp.Steps, step)
	}

	if len(resp.Sources) == 0 {
		resp.Answer = NoInformationAnswer
	} else {
		report, err := timeout.Call(ctx, e.cfg.GenerationTimeout, func(ctx context.Context) (string, error) {
			return e.provider.SynthesizeFindings(ctx, query, formatFindings(resp.Steps, sources))
		})
		if err != nil {
			if ctx.Err() != nil {
				return ResearchResponse{}, fmt.Errorf("failed to synthesize research: %w", ctx.Err())
			}
			e.logger.Warn("research synthesis failed, returning steps only", "error", err)
			status.SynthesisSkipped = true
		}
		resp.Answer = report
	}

	resp.Status = status
	resp.LatencyMS = time.Since(start).Milliseconds()
	e.logger.Info("research complete",
		"sub_questions", len(questions),
		"sources", len(resp.Sources),
		"degraded", status.Kinds(),
		"latency_ms", resp.LatencyMS)
	return resp, nil
}

// researchStep retrieves, reranks and answers one sub-question. It returns the
// citations the sub-answer relies on.
func (e *Engine) researchStep(ctx context.Context, question string, status *Status) (ResearchStep, []answer.Citation, error) {
	step := ResearchStep{Question: question, SourceIDs: []string{}}

	exhaustive := reranker.IsExhaustive(question)
	res, err := e.retriever.Retrieve(ctx, question, e.budget(exhaustive))
	if err != nil {
		return step, nil, fmt.Errorf("failed to research %q: %w", question, err)
	}
	status.addSignals(res.Degraded)
	if len(res.Candidates) == 0 {
		step.Answer = NoInformationAnswer
		return step, nil, nil
	}

	k := min(ResearchStepSources, reranker.TargetK(question, false))
	ranked := e.rerank(ctx, question, res.Candidates, k, status)

	text, cited, err := e.synthesize(ctx, question, answer.Assemble(ranked, k), status)
	if err != nil {
		return step, nil, err
	}
	step.Answer = text
	for _, c := range cited {
		step.SourceIDs = append(step.SourceIDs, c.ChunkID)
	}
	return step, cited, nil
}

func formatFindings(steps []ResearchStep, sources map[string]answer.Citation) string {
	parts := make([]string, 0, len(steps))
	for i, s := range steps {
		var names []string
		seen := make(map[string]bool)
		for _, id := range s.SourceIDs {
			name := sources[id].DocumentName
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
			if len(names) == findingSourceNames {
				break
			}
		}
		answerText := s.Answer
		if answerText == "" {
			answerText = "(no answer)"
		}
		parts = append(parts, fmt.Sprintf("Question %d: %s\nAnswer: %s\nSources: %s",
			i+1, s.Question, answerText, strings.Join(names, ", ")))
	}
	return strings.Join(parts, "\n\n")
}
