package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	ErrNotFound    = errors.New("ledger: appointment not found")
	ErrUnavailable = errors.New("ledger: service unavailable")
)

// Appointment is the joined appointment record served by
// booking-service, including the snapshotted display fields.
type Appointment struct {
	AppointmentID       int64  `json:"appointment_id"`
	ClientID            string `json:"client_id"`
	ProviderID          string `json:"provider_id"`
	Service             string `json:"service"`
	OfferTitle          string `json:"offer_title"`
	StartTime           string `json:"start_time"`
	ClientName          string `json:"client_name"`
	ClientPhone         string `json:"client_phone"`
	ProviderName        string `json:"provider_name"`
	ProviderServiceType string `json:"provider_service_type"`
	ProviderLocation    string `json:"provider_location"`
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

func (c *Client) FetchAppointment(ctx context.Context, id int64) (Appointment, error) {
	url := fmt.Sprintf("%s/api/v1/bookings/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Appointment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Appointment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Appointment{}, ErrNotFound
	default:
		return Appointment{}, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var appt Appointment
	if err := json.NewDecoder(resp.Body).Decode(&appt); err != nil {
		return Appointment{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return appt, nil
}
