package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaClient_Generate(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: "hi", Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL+"/"), WithModel("qwen"))
	out, err := c.Generate(context.Background(), "prompt", GenerateOptions{SystemPrompt: "sys", JSON: true, MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
	assert.Equal(t, "qwen", got.Model)
	assert.Equal(t, "sys", got.System)
	assert.Equal(t, "json", got.Format)
	assert.False(t, got.Stream)
	assert.EqualValues(t, 10, got.Options["num_predict"])
}

func TestOllamaClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: "ok", Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL), WithMaxRetries(2))
	out, err := c.Generate(context.Background(), "p", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOllamaClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL), WithMaxRetries(3))
	_, err := c.Generate(context.Background(), "p", GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIClient_Generate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"model": "test-model",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": " remote answer "}, "finish_reason": "stop"}]
		}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, Model: "test-model"})
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "question", GenerateOptions{SystemPrompt: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "remote answer", out)
	assert.Equal(t, "test-model", body["model"])

	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestDecodeObject(t *testing.T) {
	var v struct {
		Scores []int `json:"scores"`
	}
	require.NoError(t, DecodeObject("```json\n{\"scores\": [1, 2,]}\n```", &v))
	assert.Equal(t, []int{1, 2}, v.Scores)

	assert.ErrorIs(t, DecodeObject("none", &v), ErrMalformedResponse)
	assert.ErrorIs(t, DecodeObject("{not json at all", &v), ErrMalformedResponse)
}
