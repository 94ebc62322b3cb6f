package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClient implements LLM against any OpenAI-compatible chat endpoint.
type OpenAIClient struct {
	client     llms.Model
	maxRetries uint64
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxRetries uint64
}

// NewOpenAIClient creates a chat client for an OpenAI-compatible API.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	token := cfg.APIKey
	if token == "" {
		// Local OpenAI-compatible servers accept any token.
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return &OpenAIClient{client: client, maxRetries: cfg.MaxRetries}, nil
}

// Generate sends the prompt as a chat exchange and returns the first choice.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	content := make([]llms.MessageContent, 0, 2)
	if opts.SystemPrompt != "" {
		content = append(content, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(opts.SystemPrompt)},
		})
	}
	content = append(content, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(prompt)},
	})

	callOpts := []llms.CallOption{llms.WithTemperature(float64(opts.Temperature))}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Model != "" {
		callOpts = append(callOpts, llms.WithModel(opts.Model))
	}
	if opts.JSON {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	return withRetry(ctx, c.maxRetries, func(ctx context.Context) (string, error) {
		resp, err := c.client.GenerateContent(ctx, content, callOpts...)
		if err != nil {
			return "", fmt.Errorf("failed to generate content: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", ErrEmptyCompletion
		}
		return strings.TrimSpace(resp.Choices[0].Content), nil
	})
}

var _ LLM = (*OpenAIClient)(nil)
