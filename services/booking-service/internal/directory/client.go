package directory

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
	ErrNotFound    = errors.New("directory: not found")
	ErrUnavailable = errors.New("directory: service unavailable")
)

// Client reads client/provider display records from provider-service.
// Booking snapshots these at creation time so appointment reads never
// fan out.
type Client struct {
	baseURL string
	http    *http.Client
}

type ClientRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type ProviderRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ServiceType  string `json:"service_type"`
	Location     string `json:"location"`
	ContactPhone string `json:"contact_phone"`
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

func (c *Client) GetClient(ctx context.Context, id string) (ClientRecord, error) {
	var rec ClientRecord
	if err := c.get(ctx, "/api/v1/clients/"+url.PathEscape(id), &rec); err != nil {
		return ClientRecord{}, err
	}
	return rec, nil
}

func (c *Client) GetProvider(ctx context.Context, id string) (ProviderRecord, error) {
	var rec ProviderRecord
	if err := c.get(ctx, "/api/v1/providers/"+url.PathEscape(id), &rec); err != nil {
		return ProviderRecord{}, err
	}
	return rec, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}
