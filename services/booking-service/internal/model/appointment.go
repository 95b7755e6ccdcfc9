package model

import "time"

// Appointment is one confirmed booking. Rows are created once by the
// conversational flow and never mutated afterwards; client and provider
// display fields are snapshotted at creation so the QR and verification
// surfaces can be served from a single read.
type Appointment struct {
	ID                  int64
	ClientID            string
	ProviderID          string
	Service             string
	OfferTitle          string
	StartTime           time.Time
	ClientName          string
	ClientPhone         string
	ClientEmail         string
	ProviderName        string
	ProviderServiceType string
	ProviderLocation    string
	CreatedAt           time.Time
}
