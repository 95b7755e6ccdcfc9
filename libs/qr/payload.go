package qr

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotDetected means the image contains no readable QR code at all.
	ErrNotDetected = errors.New("no qr code detected")
	// ErrInvalidPayload means a code was read but its contents are not a
	// valid appointment payload (bad JSON or missing appointment id).
	ErrInvalidPayload = errors.New("invalid qr payload")
)

// Payload is the appointment projection carried inside a QR code. Only
// AppointmentID is load-bearing: verification re-fetches the canonical
// record from the ledger and treats everything else as display hints.
type Payload struct {
	AppointmentID int64  `json:"appointment_id"`
	ClientName    string `json:"client_name,omitempty"`
	ProviderID    string `json:"provider_id,omitempty"`
	OfferTitle    string `json:"offer_title,omitempty"`
	Date          string `json:"date,omitempty"`
	Time          string `json:"time,omitempty"`
}

func (p Payload) MarshalText() ([]byte, error) {
	return json.Marshal(p)
}

// ParsePayload validates decoded QR text. It returns ErrInvalidPayload
// for anything that is not a well-formed payload with a positive
// appointment id; callers must not distinguish further (a fake code and
// a truncated one read the same to the user).
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, ErrInvalidPayload
	}
	if p.AppointmentID <= 0 {
		return Payload{}, ErrInvalidPayload
	}
	return p, nil
}
