package model

import "time"

type Client struct {
	ID           string
	Name         string
	Phone        string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Provider is a service provider (doctor, salon, ...) in the Tangier
// directory. SubscriptionActive and SubscriptionEnd are the raw gate
// inputs; usability is always derived from them at read time.
type Provider struct {
	ID                 string
	Name               string
	ServiceType        string
	Location           string
	ContactPhone       string
	PasswordHash       string
	SubscriptionActive bool
	SubscriptionEnd    *time.Time
	CreatedAt          time.Time
}
