// ABOUTME: Tests for the Gemini REST client
// ABOUTME: Uses httptest to verify request shape, error handling and key redaction

package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geminiReply(text string) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]any{{"text": text}}}},
		},
	}
}

func TestGeminiClient_GenerateReply(t *testing.T) {
	var gotPath, gotKey string
	var gotReq generateRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(geminiReply("  ¡Claro que sí!  "))
	}))
	defer server.Close()

	client, err := NewGeminiClient("test-key", "gemini-1.5-flash", nil, WithBaseURL(server.URL))
	require.NoError(t, err)

	reply, err := client.GenerateReply(context.Background(), Prompt{UserMessage: "¿tienen tacos?"})
	require.NoError(t, err)

	assert.Equal(t, "¡Claro que sí!", reply, "reply is trimmed")
	assert.Equal(t, "/models/gemini-1.5-flash:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)

	require.Len(t, gotReq.Contents, 1)
	require.Len(t, gotReq.Contents[0].Parts, 1)
	assert.Contains(t, gotReq.Contents[0].Parts[0].Text, "Usuario: ¿tienen tacos?")
}

func TestGeminiClient_Summarize_IncludesInstruction(t *testing.T) {
	var gotReq generateRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(geminiReply("El usuario preguntó por el menú."))
	}))
	defer server.Close()

	client, err := NewGeminiClient("test-key", "gemini-1.5-flash", nil, WithBaseURL(server.URL))
	require.NoError(t, err)

	summary, err := client.Summarize(context.Background(), "Usuario: hola\nAsistente: buenas\n")
	require.NoError(t, err)
	assert.Equal(t, "El usuario preguntó por el menú.", summary)

	text := gotReq.Contents[0].Parts[0].Text
	assert.Contains(t, text, "Resume la siguiente conversación")
	assert.Contains(t, text, "Usuario: hola")
}

func TestGeminiClient_UpstreamErrorOmitsAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewGeminiClient("secret-key", "gemini-1.5-flash", nil, WithBaseURL(server.URL))
	require.NoError(t, err)

	_, err = client.GenerateReply(context.Background(), Prompt{UserMessage: "hola"})
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.NotContains(t, err.Error(), "secret-key")
}

func TestGeminiClient_EmptyCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	}))
	defer server.Close()

	client, err := NewGeminiClient("test-key", "gemini-1.5-flash", nil, WithBaseURL(server.URL))
	require.NoError(t, err)

	_, err = client.GenerateReply(context.Background(), Prompt{UserMessage: "hola"})
	assert.ErrorContains(t, err, "empty response")
}

func TestNewGeminiClient_RequiresCredentials(t *testing.T) {
	_, err := NewGeminiClient("", "gemini-1.5-flash", nil)
	assert.Error(t, err)

	_, err = NewGeminiClient("key", "", nil)
	assert.Error(t, err)
}
