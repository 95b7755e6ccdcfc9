package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrServiceUnavailable means every configured credential was refused.
// Callers should degrade gracefully rather than retry immediately.
var ErrServiceUnavailable = errors.New("llm: all credentials exhausted")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	BaseURL string
	Model   string
	// APIKeys are tried strictly in order; the first accepted key wins.
	APIKeys []string
	Timeout time.Duration
}

// Client calls an OpenAI-style chat-completions endpoint with an
// ordered credential list. A key that comes back 401, 403 or 429 is
// skipped in favor of the next one; any other failure is returned
// as-is without rotating.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	if len(c.cfg.APIKeys) == 0 {
		return "", ErrServiceUnavailable
	}

	body, err := json.Marshal(completionRequest{Model: c.cfg.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	for _, key := range c.cfg.APIKeys {
		reply, retryNext, err := c.attempt(ctx, key, body)
		if err == nil {
			return reply, nil
		}
		if !retryNext {
			return "", err
		}
	}
	return "", ErrServiceUnavailable
}

func (c *Client) attempt(ctx context.Context, key string, body []byte) (reply string, retryNext bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("completion request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return "", true, fmt.Errorf("credential refused: status %d", resp.StatusCode)
	default:
		return "", false, fmt.Errorf("completion failed: status %d", resp.StatusCode)
	}

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", false, errors.New("completion response has no choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}
