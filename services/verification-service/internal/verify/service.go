package verify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tangerconnect/tangerconnect/libs/qr"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/ledger"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/scan"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/storage"
)

// DiscountDisplay is the promotional figure shown on every verified
// summary. It is display-only and not tied to offer data.
const DiscountDisplay = "19%"

// ErrInvalidCode covers both unknown appointments and payloads whose
// contents do not resolve. Providers see one generic rejection for
// either case.
var ErrInvalidCode = errors.New("verify: invalid or unknown code")

type Ledger interface {
	FetchAppointment(ctx context.Context, id int64) (ledger.Appointment, error)
}

type AuditStore interface {
	Insert(ctx context.Context, providerID string, appointmentID *int64, outcome string) error
}

// Service resolves decoded payloads against the appointment ledger and
// writes the verification audit trail. It implements scan.Verifier.
type Service struct {
	ledger Ledger
	audit  AuditStore
	logger *slog.Logger
}

func New(ledgerClient Ledger, audit AuditStore, logger *slog.Logger) *Service {
	return &Service{ledger: ledgerClient, audit: audit, logger: logger}
}

func (s *Service) Verify(ctx context.Context, providerID string, payload qr.Payload) (scan.Summary, error) {
	appt, err := s.ledger.FetchAppointment(ctx, payload.AppointmentID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.record(ctx, providerID, &payload.AppointmentID, storage.OutcomeRejected)
			return scan.Summary{}, ErrInvalidCode
		}
		s.logger.Error("appointment lookup failed", "error", err, "appointment_id", payload.AppointmentID)
		return scan.Summary{}, err
	}

	// A code only verifies for the provider it was booked with. Anyone
	// else gets the same generic rejection as an unknown code.
	if appt.ProviderID != providerID {
		s.record(ctx, providerID, &payload.AppointmentID, storage.OutcomeRejected)
		return scan.Summary{}, ErrInvalidCode
	}

	s.record(ctx, providerID, &appt.AppointmentID, storage.OutcomeVerified)
	return scan.Summary{
		AppointmentID: appt.AppointmentID,
		ClientName:    appt.ClientName,
		ClientPhone:   appt.ClientPhone,
		Service:       appt.Service,
		ProviderName:  appt.ProviderName,
		Location:      appt.ProviderLocation,
		Discount:      DiscountDisplay,
	}, nil
}

// RecordRejected audits a code that never produced an appointment id
// (malformed payload decoded from a scanned frame).
func (s *Service) RecordRejected(ctx context.Context, providerID string) {
	s.record(ctx, providerID, nil, storage.OutcomeRejected)
}

func (s *Service) record(ctx context.Context, providerID string, appointmentID *int64, outcome string) {
	if err := s.audit.Insert(ctx, providerID, appointmentID, outcome); err != nil {
		s.logger.Error("verification audit insert failed", "error", err, "provider_id", providerID)
	}
}
