package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/tangerconnect/tangerconnect/libs/db"
	"github.com/tangerconnect/tangerconnect/services/booking-service/internal/model"
)

type BookingRepository struct {
	pool *db.Pool
}

func NewBookingRepository(pool *db.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

func (r *BookingRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *BookingRepository) Create(ctx context.Context, tx pgx.Tx, appt *model.Appointment) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO appointments
			(client_id, provider_id, service, offer_title, start_time,
			 client_name, client_phone, client_email, provider_name, provider_service_type, provider_location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, appt.ClientID, appt.ProviderID, appt.Service, appt.OfferTitle, appt.StartTime,
		appt.ClientName, appt.ClientPhone, appt.ClientEmail, appt.ProviderName,
		appt.ProviderServiceType, appt.ProviderLocation).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *BookingRepository) Get(ctx context.Context, id int64) (model.Appointment, error) {
	var appt model.Appointment
	err := r.pool.QueryRow(ctx, `
		SELECT id, client_id::text, provider_id::text, service, COALESCE(offer_title, ''),
			start_time, client_name, client_phone, COALESCE(client_email, ''), provider_name,
			provider_service_type, provider_location, created_at
		FROM appointments
		WHERE id = $1
	`, id).Scan(
		&appt.ID,
		&appt.ClientID,
		&appt.ProviderID,
		&appt.Service,
		&appt.OfferTitle,
		&appt.StartTime,
		&appt.ClientName,
		&appt.ClientPhone,
		&appt.ClientEmail,
		&appt.ProviderName,
		&appt.ProviderServiceType,
		&appt.ProviderLocation,
		&appt.CreatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

func (r *BookingRepository) ListByClient(ctx context.Context, clientID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, client_id::text, provider_id::text, service, COALESCE(offer_title, ''),
			start_time, client_name, client_phone, COALESCE(client_email, ''), provider_name,
			provider_service_type, provider_location, created_at
		FROM appointments
		WHERE client_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		var appt model.Appointment
		if err := rows.Scan(
			&appt.ID,
			&appt.ClientID,
			&appt.ProviderID,
			&appt.Service,
			&appt.OfferTitle,
			&appt.StartTime,
			&appt.ClientName,
			&appt.ClientPhone,
			&appt.ClientEmail,
			&appt.ProviderName,
			&appt.ProviderServiceType,
			&appt.ProviderLocation,
			&appt.CreatedAt,
		); err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
