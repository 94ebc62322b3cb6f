// Package llmtest provides a scripted generation provider for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/knoguchi/ragengine/internal/llm"
)

// AssessResult is one scripted AssessCoverage outcome.
type AssessResult struct {
	Assessment llm.Assessment
	Err        error
}

// Confidence builds a scripted assessment with the given confidence and a
// non-empty missing list, so that the loop keeps expanding.
func Confidence(c float64) AssessResult {
	return AssessResult{Assessment: llm.Assessment{Confidence: c, MissingInfo: []string{"more detail"}}}
}

// Provider replays scripted answers. Assessments are consumed in order and the
// last one repeats once the script runs out. The zero value answers everything
// with empty results.
type Provider struct {
	mu sync.Mutex

	Assessments []AssessResult

	Followups   []string
	FollowupErr error

	Answer    string
	AnswerErr error

	Variations []string
	ExpandErr  error

	Hypothetical string
	HyDEErr      error

	SubQuestions []string
	DecomposeErr error

	Report       string
	SynthesisErr error

	// Recorded calls.
	AssessCalls   int
	FollowupCalls int
	AnswerCalls   int
	AssessedSizes []int
	Contexts      []string
	Questions     []string
	Findings      []string
}

// AssessCoverage returns the next scripted assessment.
func (p *Provider) AssessCoverage(ctx context.Context, query string, passages []llm.Passage) (llm.Assessment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AssessCalls++
	p.AssessedSizes = append(p.AssessedSizes, len(passages))
	if len(p.Assessments) == 0 {
		return llm.Assessment{}, nil
	}
	next := p.Assessments[0]
	if len(p.Assessments) > 1 {
		p.Assessments = p.Assessments[1:]
	}
	return next.Assessment, next.Err
}

// GenerateFollowupQuery returns the next scripted follow-up, or FollowupErr.
func (p *Provider) GenerateFollowupQuery(ctx context.Context, query string, missing []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FollowupCalls++
	if p.FollowupErr != nil {
		return "", p.FollowupErr
	}
	if len(p.Followups) == 0 {
		return "", llm.ErrEmptyCompletion
	}
	next := p.Followups[0]
	if len(p.Followups) > 1 {
		p.Followups = p.Followups[1:]
	}
	return next, nil
}

// GenerateAnswer returns Answer and records the context it was given.
func (p *Provider) GenerateAnswer(ctx context.Context, query, contextText string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AnswerCalls++
	p.Questions = append(p.Questions, query)
	p.Contexts = append(p.Contexts, contextText)
	if p.AnswerErr != nil {
		return "", p.AnswerErr
	}
	return p.Answer, nil
}

// ExpandQuery returns the query followed by Variations.
func (p *Provider) ExpandQuery(ctx context.Context, query string) ([]string, error) {
	if p.ExpandErr != nil {
		return nil, p.ExpandErr
	}
	return append([]string{query}, p.Variations...), nil
}

// HypotheticalDocument returns Hypothetical.
func (p *Provider) HypotheticalDocument(ctx context.Context, query string) (string, error) {
	if p.HyDEErr != nil {
		return "", p.HyDEErr
	}
	return p.Hypothetical, nil
}

// DecomposeQuestion returns SubQuestions.
func (p *Provider) DecomposeQuestion(ctx context.Context, query string) ([]string, error) {
	if p.DecomposeErr != nil {
		return nil, p.DecomposeErr
	}
	if len(p.SubQuestions) == 0 {
		return nil, llm.ErrEmptyCompletion
	}
	return p.SubQuestions, nil
}

// SynthesizeFindings returns Report.
func (p *Provider) SynthesizeFindings(ctx context.Context, query, findings string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Findings = append(p.Findings, findings)
	if p.SynthesisErr != nil {
		return "", p.SynthesisErr
	}
	return p.Report, nil
}

// Name returns "scripted".
func (p *Provider) Name() string { return "scripted" }
