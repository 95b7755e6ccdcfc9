package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tangerconnect/tangerconnect/libs/db"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/model"
)

var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) CreateClient(ctx context.Context, c *model.Client) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO clients (name, phone, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, c.Name, c.Phone, c.Email, c.PasswordHash).Scan(&id)
	return id, err
}

func (r *Repository) GetClient(ctx context.Context, id string) (model.Client, error) {
	var c model.Client
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, phone, COALESCE(email, ''), password_hash, created_at
		FROM clients
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.PasswordHash, &c.CreatedAt)
	if err != nil {
		return model.Client{}, err
	}
	return c, nil
}

func (r *Repository) GetClientByPhone(ctx context.Context, phone string) (model.Client, error) {
	var c model.Client
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, phone, COALESCE(email, ''), password_hash, created_at
		FROM clients
		WHERE phone = $1
	`, phone).Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.PasswordHash, &c.CreatedAt)
	if err != nil {
		return model.Client{}, err
	}
	return c, nil
}

func (r *Repository) CreateProvider(ctx context.Context, p *model.Provider) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO providers (name, service_type, location, contact_phone, password_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, p.Name, p.ServiceType, p.Location, p.ContactPhone, p.PasswordHash).Scan(&id)
	return id, err
}

func (r *Repository) GetProvider(ctx context.Context, id string) (model.Provider, error) {
	var p model.Provider
	var end *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, service_type, location, contact_phone, password_hash,
			subscription_active, subscription_end, created_at
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.ServiceType, &p.Location, &p.ContactPhone, &p.PasswordHash,
		&p.SubscriptionActive, &end, &p.CreatedAt)
	if err != nil {
		return model.Provider{}, err
	}
	p.SubscriptionEnd = end
	return p, nil
}

func (r *Repository) GetProviderByPhone(ctx context.Context, phone string) (model.Provider, error) {
	var p model.Provider
	var end *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, service_type, location, contact_phone, password_hash,
			subscription_active, subscription_end, created_at
		FROM providers
		WHERE contact_phone = $1
	`, phone).Scan(&p.ID, &p.Name, &p.ServiceType, &p.Location, &p.ContactPhone, &p.PasswordHash,
		&p.SubscriptionActive, &end, &p.CreatedAt)
	if err != nil {
		return model.Provider{}, err
	}
	p.SubscriptionEnd = end
	return p, nil
}

func (r *Repository) GetProviderForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Provider, error) {
	var p model.Provider
	var end *time.Time
	err := tx.QueryRow(ctx, `
		SELECT id::text, name, service_type, location, contact_phone, password_hash,
			subscription_active, subscription_end, created_at
		FROM providers
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&p.ID, &p.Name, &p.ServiceType, &p.Location, &p.ContactPhone, &p.PasswordHash,
		&p.SubscriptionActive, &end, &p.CreatedAt)
	if err != nil {
		return model.Provider{}, err
	}
	p.SubscriptionEnd = end
	return p, nil
}

func (r *Repository) UpdateSubscription(ctx context.Context, tx pgx.Tx, providerID string, active bool, end *time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE providers
		SET subscription_active = $2,
			subscription_end = $3,
			updated_at = now()
		WHERE id = $1
	`, providerID, active, end)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ProviderEvent records an external billing-provider event id so that
// webhook replays are ignored.
type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

func (r *Repository) InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, evt.Payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func IsDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
