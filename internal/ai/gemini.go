// ABOUTME: Gemini REST client implementing the Responder interface
// ABOUTME: Minimal generateContent request/response shapes over net/http

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// FallbackReply is sent to the user when the AI backend fails, so every
// inbound message still gets a response.
const FallbackReply = "Lo siento, no puedo procesar tu solicitud en este momento."

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Responder generates conversational replies and session summaries.
type Responder interface {
	GenerateReply(ctx context.Context, prompt Prompt) (string, error)
	Summarize(ctx context.Context, transcript string) (string, error)
}

// generateRequest is the minimal request shape for the generateContent endpoint.
type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

// generateResponse is the minimal response shape returned by generateContent.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// GeminiClient is a focused client for the Gemini generateContent API.
type GeminiClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a GeminiClient.
type Option func(*GeminiClient)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(baseURL string) Option {
	return func(c *GeminiClient) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *GeminiClient) {
		c.httpClient = httpClient
	}
}

// NewGeminiClient creates a client for the given API key and model. The
// default HTTP client has a 30 second timeout; generation is the longest
// blocking call on the request path and must stay bounded.
func NewGeminiClient(apiKey, model string, logger *slog.Logger, opts ...Option) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	if model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &GeminiClient{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "gemini"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GenerateReply renders the prompt and asks the model for the assistant's
// next turn.
func (c *GeminiClient) GenerateReply(ctx context.Context, prompt Prompt) (string, error) {
	return c.generate(ctx, prompt.Render())
}

// Summarize asks the model for a short summary of a finished conversation.
func (c *GeminiClient) Summarize(ctx context.Context, transcript string) (string, error) {
	return c.generate(ctx, summaryInstruction+"\n\n"+transcript)
}

func (c *GeminiClient) generate(ctx context.Context, text string) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	reqBody := generateRequest{
		Contents: []content{{Parts: []part{{Text: text}}}},
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encoding generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling gemini: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading gemini response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPStatusError{
			StatusCode: resp.StatusCode,
			// Key is a query parameter; don't leak it through error text.
			URL:  fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model),
			Body: strings.TrimSpace(string(respBody)),
		}
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decoding gemini response: %w", err)
	}

	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("gemini: empty response")
	}

	reply := strings.TrimSpace(parsed.Candidates[0].Content.Parts[0].Text)
	c.logger.Debug("generated response", "chars", len(reply))
	return reply, nil
}

// Ensure GeminiClient implements Responder
var _ Responder = (*GeminiClient)(nil)
