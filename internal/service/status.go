package service

import (
	"github.com/knoguchi/ragengine/internal/agent"
	"github.com/knoguchi/ragengine/internal/answer"
	"github.com/knoguchi/ragengine/internal/retrieval"
)

// Degradation kinds, as reported to metrics.
const (
	KindSignal        = "signal"
	KindRerank        = "rerank"
	KindAssessment    = "assessment"
	KindFollowup      = "followup"
	KindExpansion     = "expansion"
	KindDecomposition = "decomposition"
	KindSynthesis     = "synthesis"
	KindCitation      = "citation"
	KindBudget        = "budget"
)

// Status reports every fallback taken while serving a request. A zero Status
// means the full pipeline ran.
type Status struct {
	DegradedSignals       []string `json:"degraded_signals"`
	RerankDegraded        bool     `json:"rerank_degraded"`
	AssessmentDegraded    bool     `json:"assessment_degraded"`
	FollowupDegraded      bool     `json:"followup_degraded"`
	ExpansionDegraded     bool     `json:"expansion_degraded"`
	DecompositionDegraded bool     `json:"decomposition_degraded"`
	SynthesisSkipped      bool     `json:"synthesis_skipped"`
	CitationMismatches    []string `json:"citation_mismatches"`
	BudgetExhausted       bool     `json:"budget_exhausted"`
}

func newStatus() Status {
	return Status{DegradedSignals: []string{}, CitationMismatches: []string{}}
}

// Kinds lists the degradation kinds present, once each.
func (s Status) Kinds() []string {
	var kinds []string
	add := func(on bool, kind string) {
		if on {
			kinds = append(kinds, kind)
		}
	}
	add(len(s.DegradedSignals) > 0, KindSignal)
	add(s.RerankDegraded, KindRerank)
	add(s.AssessmentDegraded, KindAssessment)
	add(s.FollowupDegraded, KindFollowup)
	add(s.ExpansionDegraded, KindExpansion)
	add(s.DecompositionDegraded, KindDecomposition)
	add(s.SynthesisSkipped, KindSynthesis)
	add(len(s.CitationMismatches) > 0, KindCitation)
	add(s.BudgetExhausted, KindBudget)
	return kinds
}

// Degraded reports whether any fallback was taken.
func (s Status) Degraded() bool {
	return len(s.Kinds()) > 0
}

func (s *Status) addSignals(errs []retrieval.SignalError) {
	for _, e := range errs {
		seen := false
		for _, name := range s.DegradedSignals {
			if name == e.Signal {
				seen = true
				break
			}
		}
		if !seen {
			s.DegradedSignals = append(s.DegradedSignals, e.Signal)
		}
	}
}

func (s *Status) addMismatches(ms []answer.ValidationMismatch) {
	for _, m := range ms {
		s.CitationMismatches = append(s.CitationMismatches, m.Marker)
	}
}

func (s *Status) addOrchestration(d agent.Degradation) {
	s.addSignals(d.Signals)
	s.RerankDegraded = s.RerankDegraded || d.RerankDegraded
	s.AssessmentDegraded = d.AssessmentDegraded
	s.FollowupDegraded = d.FollowupDegraded
	s.BudgetExhausted = d.BudgetExhausted
}
