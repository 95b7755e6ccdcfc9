package storage

import (
	"context"
	"time"

	"github.com/tangerconnect/tangerconnect/libs/db"
)

const (
	OutcomeVerified = "verified"
	OutcomeRejected = "rejected"
)

// AuditRepository records terminal verification outcomes. Appointments
// are never mutated by a verification; this trail is the only record
// that a pass was presented.
type AuditRepository struct {
	pool *db.Pool
}

func NewAuditRepository(pool *db.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

type AuditEntry struct {
	ID            int64
	ProviderID    string
	AppointmentID *int64
	Outcome       string
	VerifiedAt    time.Time
}

func (r *AuditRepository) Insert(ctx context.Context, providerID string, appointmentID *int64, outcome string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO verification_audit (provider_id, appointment_id, outcome)
		VALUES ($1, $2, $3)
	`, providerID, appointmentID, outcome)
	return err
}

func (r *AuditRepository) ListByProvider(ctx context.Context, providerID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id::text, appointment_id, outcome, verified_at
		FROM verification_audit
		WHERE provider_id = $1
		ORDER BY verified_at DESC
		LIMIT $2
	`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.AppointmentID, &e.Outcome, &e.VerifiedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
