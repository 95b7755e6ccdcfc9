package verify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/tangerconnect/tangerconnect/libs/qr"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/ledger"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/storage"
)

type fakeLedger struct {
	appts map[int64]ledger.Appointment
	err   error
}

func (l *fakeLedger) FetchAppointment(ctx context.Context, id int64) (ledger.Appointment, error) {
	if l.err != nil {
		return ledger.Appointment{}, l.err
	}
	appt, ok := l.appts[id]
	if !ok {
		return ledger.Appointment{}, ledger.ErrNotFound
	}
	return appt, nil
}

type auditRow struct {
	providerID    string
	appointmentID *int64
	outcome       string
}

type fakeAudit struct {
	rows []auditRow
}

func (a *fakeAudit) Insert(ctx context.Context, providerID string, appointmentID *int64, outcome string) error {
	a.rows = append(a.rows, auditRow{providerID, appointmentID, outcome})
	return nil
}

func newService(l *fakeLedger, a *fakeAudit) *Service {
	return New(l, a, slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))
}

func TestVerifyKnownAppointment(t *testing.T) {
	l := &fakeLedger{appts: map[int64]ledger.Appointment{
		42: {
			AppointmentID:    42,
			ProviderID:       "p-1",
			ClientName:       "Youssef Amrani",
			ClientPhone:      "+212600000001",
			Service:          "plumbing",
			ProviderName:     "Atlas Plumbing",
			ProviderLocation: "Tangier",
		},
	}}
	audit := &fakeAudit{}
	svc := newService(l, audit)

	summary, err := svc.Verify(context.Background(), "p-1", qr.Payload{AppointmentID: 42})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if summary.ClientName != "Youssef Amrani" || summary.Location != "Tangier" {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Discount != DiscountDisplay {
		t.Errorf("discount = %q, want %q", summary.Discount, DiscountDisplay)
	}

	if len(audit.rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audit.rows))
	}
	row := audit.rows[0]
	if row.outcome != storage.OutcomeVerified || row.appointmentID == nil || *row.appointmentID != 42 {
		t.Errorf("audit row = %+v", row)
	}
}

func TestVerifyUnknownAppointment(t *testing.T) {
	audit := &fakeAudit{}
	svc := newService(&fakeLedger{}, audit)

	_, err := svc.Verify(context.Background(), "p-1", qr.Payload{AppointmentID: 9999})
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
	if len(audit.rows) != 1 || audit.rows[0].outcome != storage.OutcomeRejected {
		t.Errorf("audit rows = %+v", audit.rows)
	}
}

func TestVerifyForeignAppointment(t *testing.T) {
	l := &fakeLedger{appts: map[int64]ledger.Appointment{
		42: {
			AppointmentID: 42,
			ProviderID:    "p-1",
			ClientName:    "Youssef Amrani",
			ClientPhone:   "+212600000001",
		},
	}}
	audit := &fakeAudit{}
	svc := newService(l, audit)

	summary, err := svc.Verify(context.Background(), "p-2", qr.Payload{AppointmentID: 42})
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
	if summary.ClientName != "" || summary.ClientPhone != "" {
		t.Errorf("summary leaked client details: %+v", summary)
	}
	if len(audit.rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audit.rows))
	}
	row := audit.rows[0]
	if row.outcome != storage.OutcomeRejected || row.providerID != "p-2" {
		t.Errorf("audit row = %+v", row)
	}
}

func TestVerifyLedgerDown(t *testing.T) {
	audit := &fakeAudit{}
	svc := newService(&fakeLedger{err: ledger.ErrUnavailable}, audit)

	_, err := svc.Verify(context.Background(), "p-1", qr.Payload{AppointmentID: 1})
	if errors.Is(err, ErrInvalidCode) {
		t.Fatal("dependency failure must not be reported as an invalid code")
	}
	if len(audit.rows) != 0 {
		t.Errorf("no audit row expected on dependency failure, got %+v", audit.rows)
	}
}

func TestRecordRejected(t *testing.T) {
	audit := &fakeAudit{}
	svc := newService(&fakeLedger{}, audit)

	svc.RecordRejected(context.Background(), "p-1")
	if len(audit.rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audit.rows))
	}
	if audit.rows[0].appointmentID != nil {
		t.Error("rejected code without id must audit a nil appointment id")
	}
}
