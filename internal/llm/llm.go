// Package llm provides interfaces and implementations for Large Language Model clients.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrUnknownProvider is returned by NewProvider for an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown llm provider")

	// ErrEmptyCompletion is returned when the model answers with no usable text.
	ErrEmptyCompletion = errors.New("empty completion")

	// ErrMalformedResponse is returned when a structured answer cannot be parsed.
	ErrMalformedResponse = errors.New("malformed model response")

	// ErrInvalidConfidence is returned when an assessment carries a confidence
	// outside [0,1] after normalization.
	ErrInvalidConfidence = errors.New("confidence out of range")
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model specifies the LLM model to use (e.g., "llama3.2", "mistral").
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int

	// JSON asks the backend to constrain output to a JSON object.
	JSON bool
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt to the LLM and returns the complete response.
	// It blocks until the full response is received or an error occurs.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}
