// ABOUTME: Outbound delivery client for the WhatsApp Cloud API
// ABOUTME: Sends text messages via graph.facebook.com and returns the platform message id

package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://graph.facebook.com/v22.0"

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Client sends messages through the WhatsApp Cloud API on behalf of one
// phone number id.
type Client struct {
	baseURL       string
	accessToken   string
	phoneNumberID string
	httpClient    *http.Client
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the Cloud API base URL (used by tests).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a delivery client for the given access token and phone
// number id. The default HTTP client has a 15 second timeout; delivery is a
// request-path blocking call and must stay bounded.
func NewClient(accessToken, phoneNumberID string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:       defaultBaseURL,
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        logger.With("component", "whatsapp"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendText delivers a text message to the given recipient wa_id and returns
// the platform-assigned message id of the outbound message.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)

	payload := SendMessageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             TextBody{Body: body},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding send payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading send response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPStatusError{
			StatusCode: resp.StatusCode,
			URL:        url,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	var parsed SendMessageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decoding send response: %w", err)
	}

	var messageID string
	if len(parsed.Messages) > 0 {
		messageID = parsed.Messages[0].ID
	}

	c.logger.Info("message sent", "to", to, "wa_message_id", messageID)
	return messageID, nil
}
