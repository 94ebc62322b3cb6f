package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/knoguchi/ragengine/internal/config"
)

const (
	// MaxQueryVariants bounds ExpandQuery's output, original included.
	MaxQueryVariants = 5

	// MaxSubQuestions bounds DecomposeQuestion's output.
	MaxSubQuestions = 5

	assessSnippetChars = 200
	followupMissingMax = 3
)

// Passage is a retrieved text shown to the model during coverage assessment.
type Passage struct {
	DocumentName string
	Text         string
}

// Assessment is the model's judgement of how well the sources cover a question.
type Assessment struct {
	CanAnswer bool
	// Confidence is normalized to [0,1].
	Confidence  float64
	MissingInfo []string
	Reasoning   string
}

// Provider is the generation capability used by the retrieval engine. The set of
// implementations is closed: LocalModelProvider and RemoteAPIProvider.
type Provider interface {
	// AssessCoverage judges whether passages answer query.
	AssessCoverage(ctx context.Context, query string, passages []Passage) (Assessment, error)

	// GenerateFollowupQuery writes a search query targeting the missing items.
	GenerateFollowupQuery(ctx context.Context, query string, missing []string) (string, error)

	// GenerateAnswer answers query from the rendered, numbered context.
	GenerateAnswer(ctx context.Context, query, contextText string) (string, error)

	// ExpandQuery returns the original query followed by up to four rephrasings.
	ExpandQuery(ctx context.Context, query string) ([]string, error)

	// HypotheticalDocument writes a pseudo-answer used as an extra search query.
	HypotheticalDocument(ctx context.Context, query string) (string, error)

	// DecomposeQuestion splits a broad question into focused sub-questions.
	DecomposeQuestion(ctx context.Context, query string) ([]string, error)

	// SynthesizeFindings writes one report answering query from per
	// sub-question findings.
	SynthesizeFindings(ctx context.Context, query, findings string) (string, error)

	// Name identifies the variant in logs and responses.
	Name() string

	sealed()
}

// NewClient builds the completion client selected by cfg.LLMProvider.
func NewClient(cfg *config.Config) (LLM, error) {
	switch cfg.LLMProvider {
	case config.ProviderOllama:
		return NewOllamaClient(
			WithBaseURL(cfg.OllamaURL),
			WithModel(cfg.OllamaLLMModel),
			WithMaxRetries(cfg.LLMMaxRetries),
		), nil
	case config.ProviderOpenAI:
		client, err := NewOpenAIClient(OpenAIConfig{
			BaseURL:    cfg.OpenAIBaseURL,
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.OpenAIModel,
			MaxRetries: cfg.LLMMaxRetries,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.LLMProvider)
	}
}

// NewProvider builds the provider selected by cfg.LLMProvider over client.
func NewProvider(cfg *config.Config, client LLM, logger *slog.Logger) (Provider, error) {
	switch cfg.LLMProvider {
	case config.ProviderOllama:
		return NewLocalModelProvider(client, logger), nil
	case config.ProviderOpenAI:
		return NewRemoteAPIProvider(client, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.LLMProvider)
	}
}

// LocalModelProvider generates with a locally hosted model through Ollama.
type LocalModelProvider struct {
	prompter
}

// NewLocalModelProvider wraps an Ollama-style completion client.
func NewLocalModelProvider(client LLM, logger *slog.Logger) *LocalModelProvider {
	return &LocalModelProvider{prompter: newPrompter(client, logger, "local")}
}

// Name returns "local".
func (p *LocalModelProvider) Name() string { return p.name }

func (*LocalModelProvider) sealed() {}

// RemoteAPIProvider generates through an OpenAI-compatible hosted API.
type RemoteAPIProvider struct {
	prompter
}

// NewRemoteAPIProvider wraps an OpenAI-compatible completion client.
func NewRemoteAPIProvider(client LLM, logger *slog.Logger) *RemoteAPIProvider {
	return &RemoteAPIProvider{prompter: newPrompter(client, logger, "remote")}
}

// Name returns "remote".
func (p *RemoteAPIProvider) Name() string { return p.name }

func (*RemoteAPIProvider) sealed() {}

// prompter holds the prompt construction and response parsing shared by both
// variants. Only the completion transport differs.
type prompter struct {
	llm    LLM
	logger *slog.Logger
	name   string
}

func newPrompter(client LLM, logger *slog.Logger, name string) prompter {
	if logger == nil {
		logger = slog.Default()
	}
	return prompter{llm: client, logger: logger.With("component", "llm", "provider", name), name: name}
}

type assessmentJSON struct {
	CanAnswer   bool     `json:"can_answer"`
	Confidence  *float64 `json:"confidence"`
	MissingInfo []string `json:"missing_info"`
	Reasoning   string   `json:"reasoning"`
}

func (p prompter) AssessCoverage(ctx context.Context, query string, passages []Passage) (Assessment, error) {
	var sb strings.Builder
	for i, passage := range passages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		name := passage.DocumentName
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(&sb, "[Source %d] %s: %s", i+1, name, truncateRunes(passage.Text, assessSnippetChars))
	}

	prompt := fmt.Sprintf(assessPrompt, query, len(passages), sb.String())
	response, err := p.llm.Generate(ctx, prompt, GenerateOptions{JSON: true})
	if err != nil {
		return Assessment{}, fmt.Errorf("failed to assess coverage: %w", err)
	}

	var parsed assessmentJSON
	if err := DecodeObject(response, &parsed); err != nil {
		p.logger.Warn("unparseable assessment", "response", response, "error", err)
		return Assessment{}, err
	}
	if parsed.Confidence == nil {
		return Assessment{}, fmt.Errorf("%w: confidence missing", ErrMalformedResponse)
	}
	confidence, err := NormalizeConfidence(*parsed.Confidence)
	if err != nil {
		return Assessment{}, err
	}

	missing := make([]string, 0, len(parsed.MissingInfo))
	for _, m := range parsed.MissingInfo {
		if m = strings.TrimSpace(m); m != "" {
			missing = append(missing, m)
		}
	}
	return Assessment{
		CanAnswer:   parsed.CanAnswer,
		Confidence:  confidence,
		MissingInfo: missing,
		Reasoning:   parsed.Reasoning,
	}, nil
}

// NormalizeConfidence maps the 0-100 confidence the assessment prompt asks for
// onto [0,1]. NaN and anything outside [0,100] is rejected.
func NormalizeConfidence(c float64) (float64, error) {
	if math.IsNaN(c) || c < 0 || c > 100 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidConfidence, c)
	}
	return c / 100, nil
}

func (p prompter) GenerateFollowupQuery(ctx context.Context, query string, missing []string) (string, error) {
	if len(missing) > followupMissingMax {
		missing = missing[:followupMissingMax]
	}
	prompt := fmt.Sprintf(followupPrompt, query, strings.Join(missing, ", "))
	response, err := p.llm.Generate(ctx, prompt, GenerateOptions{MaxTokens: 100, Temperature: DefaultTemperature})
	if err != nil {
		return "", fmt.Errorf("failed to generate follow-up query: %w", err)
	}
	q := cleanLine(response)
	if q == "" {
		return "", ErrEmptyCompletion
	}
	return q, nil
}

func (p prompter) GenerateAnswer(ctx context.Context, query, contextText string) (string, error) {
	opts := GenerateOptions{
		SystemPrompt: fmt.Sprintf(answerSystemPrompt, contextText),
		Temperature:  DefaultTemperature,
	}
	response, err := p.llm.Generate(ctx, fmt.Sprintf("QUESTION: %s\n\nANSWER:", query), opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate answer: %w", err)
	}
	answer := strings.TrimSpace(response)
	if answer == "" {
		return "", ErrEmptyCompletion
	}
	return answer, nil
}

func (p prompter) ExpandQuery(ctx context.Context, query string) ([]string, error) {
	response, err := p.llm.Generate(ctx, fmt.Sprintf(multiQueryPrompt, query), GenerateOptions{Temperature: DefaultTemperature})
	if err != nil {
		return nil, fmt.Errorf("failed to expand query: %w", err)
	}

	queries := []string{query}
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(query)): true}
	for _, line := range strings.Split(response, "\n") {
		if len(queries) == MaxQueryVariants {
			break
		}
		q := cleanLine(line)
		if q == "" || seen[strings.ToLower(q)] {
			continue
		}
		seen[strings.ToLower(q)] = true
		queries = append(queries, q)
	}
	return queries, nil
}

func (p prompter) HypotheticalDocument(ctx context.Context, query string) (string, error) {
	response, err := p.llm.Generate(ctx, fmt.Sprintf(hydePrompt, query), GenerateOptions{Temperature: DefaultTemperature})
	if err != nil {
		return "", fmt.Errorf("failed to generate hypothetical document: %w", err)
	}
	doc := strings.TrimSpace(response)
	if doc == "" {
		return "", ErrEmptyCompletion
	}
	return doc, nil
}

func (p prompter) DecomposeQuestion(ctx context.Context, query string) ([]string, error) {
	response, err := p.llm.Generate(ctx, fmt.Sprintf(decomposePrompt, query), GenerateOptions{JSON: true})
	if err != nil {
		return nil, fmt.Errorf("failed to decompose question: %w", err)
	}

	var parsed struct {
		SubQuestions []string `json:"sub_questions"`
	}
	var candidates []string
	if err := DecodeObject(response, &parsed); err == nil {
		candidates = parsed.SubQuestions
	} else {
		// Models that ignore JSON mode usually still answer one question per line.
		for _, line := range strings.Split(response, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[") {
				continue
			}
			if strings.Contains(line, "?") || len(strings.Fields(line)) > 3 {
				candidates = append(candidates, line)
			}
		}
	}

	out := make([]string, 0, MaxSubQuestions)
	for _, c := range candidates {
		if c = cleanLine(c); c != "" {
			out = append(out, c)
		}
		if len(out) == MaxSubQuestions {
			break
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyCompletion
	}
	return out, nil
}

func (p prompter) SynthesizeFindings(ctx context.Context, query, findings string) (string, error) {
	opts := GenerateOptions{
		SystemPrompt: fmt.Sprintf(synthesisSystemPrompt, findings),
		Temperature:  DefaultTemperature,
	}
	response, err := p.llm.Generate(ctx, fmt.Sprintf("RESEARCH QUESTION: %s\n\nREPORT:", query), opts)
	if err != nil {
		return "", fmt.Errorf("failed to synthesize findings: %w", err)
	}
	report := strings.TrimSpace(response)
	if report == "" {
		return "", ErrEmptyCompletion
	}
	return report, nil
}

// cleanLine strips list markers and quotes from a single line of model output.
func cleanLine(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "-*• ")
	if i := strings.IndexAny(s, ".)"); i > 0 && i <= 2 && isDigits(s[:i]) && strings.HasPrefix(s[i+1:], " ") {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	_ Provider = (*LocalModelProvider)(nil)
	_ Provider = (*RemoteAPIProvider)(nil)
)
