package storage

import (
	"context"

	"github.com/tangerconnect/tangerconnect/libs/db"
)

type Notification struct {
	AppointmentID int64
	ClientID      string
	Channel       string
	Recipient     string
	Body          string
	Status        string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (appointment_id, client_id, channel, recipient, body, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.AppointmentID, n.ClientID, n.Channel, n.Recipient, n.Body, n.Status)
	return err
}
