package gateclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	ErrProviderNotFound = errors.New("gate: provider not found")
	ErrUnavailable      = errors.New("gate: service unavailable")
)

// Status is the subscription gate verdict for a provider. When the
// gate is locked, ContactPhone and Message carry the administrative
// renewal instructions to surface verbatim.
type Status struct {
	Usable          bool   `json:"usable"`
	SubscriptionEnd string `json:"subscription_end,omitempty"`
	ContactPhone    string `json:"contact_phone,omitempty"`
	Message         string `json:"message,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) Check(ctx context.Context, providerID string) (Status, error) {
	u := c.baseURL + "/api/v1/providers/" + url.PathEscape(providerID) + "/gate"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Status{}, ErrProviderNotFound
	default:
		return Status{}, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return status, nil
}
