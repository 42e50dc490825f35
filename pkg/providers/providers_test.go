package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/promptforge/chainforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workspaceCredential(provider string) models.ProviderCredential {
	return models.ProviderCredential{
		Provider: provider,
		Key:      "test-key",
		Source:   models.CredentialSourceWorkspace,
	}
}

func TestOpenAIComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest

		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "cats are great"}},
			},
			"usage": map[string]any{"total_tokens": 17},
		})
	}))
	defer server.Close()

	gateway := NewOpenAIWithOptions(server.URL, 0)

	result, err := gateway.Complete(context.Background(), CompletionRequest{
		Prompt:       "Summarize cats",
		SystemPrompt: "Be brief",
		Model:        "gpt-4o-mini",
		Credential:   workspaceCredential("openai"),
	})
	require.NoError(t, err)

	assert.Equal(t, "cats are great", result.Output)
	assert.Equal(t, 17, result.TokensUsed)
	assert.Equal(t, models.CredentialSourceWorkspace, result.Source)
}

func TestOpenAITokenEstimateFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "output text"}},
			},
		})
	}))
	defer server.Close()

	gateway := NewOpenAIWithOptions(server.URL, 0)

	result, err := gateway.Complete(context.Background(), CompletionRequest{
		Prompt:     "12345678",
		Model:      "gpt-4o-mini",
		Credential: workspaceCredential("openai"),
	})
	require.NoError(t, err)

	assert.Equal(t, EstimateTokens("12345678")+EstimateTokens("output text"), result.TokensUsed)
	assert.Positive(t, result.TokensUsed)
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		transient bool
	}{
		{http.StatusUnauthorized, ErrorKindAuth, false},
		{http.StatusForbidden, ErrorKindAuth, false},
		{http.StatusTooManyRequests, ErrorKindRateLimited, true},
		{http.StatusInternalServerError, ErrorKindUnavailable, true},
		{http.StatusServiceUnavailable, ErrorKindUnavailable, true},
		{http.StatusBadRequest, ErrorKindInvalidRequest, false},
		{http.StatusNotFound, ErrorKindInvalidRequest, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			gateway := NewOpenAIWithOptions(server.URL, 0)

			_, err := gateway.Complete(context.Background(), CompletionRequest{
				Prompt:     "hi",
				Model:      "gpt-4o-mini",
				Credential: workspaceCredential("openai"),
			})
			require.Error(t, err)

			perr, ok := AsProviderError(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, perr.Kind)
			assert.Equal(t, tt.transient, perr.Transient())
			assert.Equal(t, "openai", perr.Provider)
		})
	}
}

func TestOpenAIUnreachableHost(t *testing.T) {
	gateway := NewOpenAIWithOptions("http://127.0.0.1:1", 0)

	_, err := gateway.Complete(context.Background(), CompletionRequest{
		Prompt:     "hi",
		Model:      "gpt-4o-mini",
		Credential: workspaceCredential("openai"),
	})
	require.Error(t, err)

	perr, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorKindUnavailable, perr.Kind)
	assert.True(t, perr.Transient())
}

func TestAnthropicComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest

		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, anthropicDefaultMaxToken, req.MaxTokens)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "feline summary"},
			},
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer server.Close()

	gateway := NewAnthropicWithOptions(server.URL, 0)

	result, err := gateway.Complete(context.Background(), CompletionRequest{
		Prompt:     "Summarize cats",
		Model:      "claude-sonnet-4-20250514",
		Credential: workspaceCredential("anthropic"),
	})
	require.NoError(t, err)

	assert.Equal(t, "feline summary", result.Output)
	assert.Equal(t, 15, result.TokensUsed)
}

func TestGoogleAIComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "models/gemini-2.0-flash:generateContent")
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "gemini summary"}}}},
			},
			"usageMetadata": map[string]any{"totalTokenCount": 21},
		})
	}))
	defer server.Close()

	gateway := NewGoogleAIWithOptions(server.URL, 0)

	result, err := gateway.Complete(context.Background(), CompletionRequest{
		Prompt:     "Summarize cats",
		Model:      "gemini-2.0-flash",
		Credential: workspaceCredential("googleai"),
	})
	require.NoError(t, err)

	assert.Equal(t, "gemini summary", result.Output)
	assert.Equal(t, 21, result.TokensUsed)
}

func TestMockComplete(t *testing.T) {
	gateway := NewMock()

	result, err := gateway.Complete(context.Background(), CompletionRequest{
		Prompt: "Summarize cats",
		Model:  "anything",
		Credential: models.ProviderCredential{
			Provider: "openai",
			Source:   models.CredentialSourceMock,
		},
	})
	require.NoError(t, err)

	assert.Contains(t, result.Output, DemoMarker)
	assert.Contains(t, result.Output, "Summarize cats")
	assert.Equal(t, models.CredentialSourceMock, result.Source)
	assert.Positive(t, result.TokensUsed)

	// Deterministic: same request, same output.
	again, err := gateway.Complete(context.Background(), CompletionRequest{Prompt: "Summarize cats"})
	require.NoError(t, err)
	assert.Equal(t, result.Output, again.Output)
}

func TestRegistry(t *testing.T) {
	registry := NewDefaultRegistry()

	for _, name := range []string{"openai", "anthropic", "googleai"} {
		gateway, err := registry.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, gateway.Name())
	}

	_, err := registry.Get("unknown-vendor")
	require.Error(t, err)

	assert.Equal(t, "mock", registry.Mock().Name())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 3, EstimateTokens("123456789"))
}
