package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tangerconnect/tangerconnect/libs/qr"
	"github.com/tangerconnect/tangerconnect/services/booking-service/internal/directory"
	"github.com/tangerconnect/tangerconnect/services/booking-service/internal/model"
	"github.com/tangerconnect/tangerconnect/services/booking-service/internal/outbox"
)

const eventAppointmentBooked = "booking.appointment.booked.v1"

// Store is the appointment ledger surface the handlers depend on.
// Appointments are written once inside a transaction and read many times.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, tx pgx.Tx, appt *model.Appointment) (int64, error)
	Get(ctx context.Context, id int64) (model.Appointment, error)
	ListByClient(ctx context.Context, clientID string, limit int) ([]model.Appointment, error)
}

type OutboxStore interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type Directory interface {
	GetClient(ctx context.Context, id string) (directory.ClientRecord, error)
	GetProvider(ctx context.Context, id string) (directory.ProviderRecord, error)
}

type BookingHandler struct {
	repo       Store
	outboxRepo OutboxStore
	dir        Directory
	logger     *slog.Logger
	now        func() time.Time
}

func NewBookingHandler(repo Store, outboxRepo OutboxStore, dir Directory, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{
		repo:       repo,
		outboxRepo: outboxRepo,
		dir:        dir,
		logger:     logger,
		now:        time.Now,
	}
}

type createBookingRequest struct {
	ClientID   string `json:"client_id"`
	ProviderID string `json:"provider_id"`
	Service    string `json:"service"`
	OfferTitle string `json:"offer_title"`
	StartTime  string `json:"start_time"`
}

type appointmentResponse struct {
	AppointmentID       int64  `json:"appointment_id"`
	ClientID            string `json:"client_id"`
	ProviderID          string `json:"provider_id"`
	Service             string `json:"service"`
	OfferTitle          string `json:"offer_title,omitempty"`
	StartTime           string `json:"start_time"`
	ClientName          string `json:"client_name"`
	ClientPhone         string `json:"client_phone"`
	ProviderName        string `json:"provider_name"`
	ProviderServiceType string `json:"provider_service_type"`
	ProviderLocation    string `json:"provider_location"`
	QRPath              string `json:"qr_path"`
	CreatedAt           string `json:"created_at"`
}

type bookedEventPayload struct {
	AppointmentID int64  `json:"appointment_id"`
	ClientID      string `json:"client_id"`
	ProviderID    string `json:"provider_id"`
	ClientName    string `json:"client_name"`
	ClientPhone   string `json:"client_phone"`
	ClientEmail   string `json:"client_email,omitempty"`
	ProviderName  string `json:"provider_name"`
	Service       string `json:"service"`
	OfferTitle    string `json:"offer_title,omitempty"`
	StartTime     string `json:"start_time"`
	QRPath        string `json:"qr_path"`
	BookedAt      string `json:"booked_at"`
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	req.ClientID = strings.TrimSpace(req.ClientID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.Service = strings.TrimSpace(req.Service)
	req.OfferTitle = strings.TrimSpace(req.OfferTitle)

	if req.ClientID == "" || req.ProviderID == "" || req.Service == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	client, err := h.dir.GetClient(ctx, req.ClientID)
	if err != nil {
		h.directoryError(w, "client", err)
		return
	}
	provider, err := h.dir.GetProvider(ctx, req.ProviderID)
	if err != nil {
		h.directoryError(w, "provider", err)
		return
	}

	appt := &model.Appointment{
		ClientID:            req.ClientID,
		ProviderID:          req.ProviderID,
		Service:             req.Service,
		OfferTitle:          req.OfferTitle,
		StartTime:           startTime,
		ClientName:          client.Name,
		ClientPhone:         client.Phone,
		ClientEmail:         client.Email,
		ProviderName:        provider.Name,
		ProviderServiceType: provider.ServiceType,
		ProviderLocation:    provider.Location,
	}

	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id, err := h.repo.Create(ctx, tx, appt)
	if err != nil {
		h.logger.Error("create appointment failed", "error", err)
		http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		return
	}
	appt.ID = id

	payload, err := json.Marshal(bookedEventPayload{
		AppointmentID: id,
		ClientID:      appt.ClientID,
		ProviderID:    appt.ProviderID,
		ClientName:    appt.ClientName,
		ClientPhone:   appt.ClientPhone,
		ClientEmail:   appt.ClientEmail,
		ProviderName:  appt.ProviderName,
		Service:       appt.Service,
		OfferTitle:    appt.OfferTitle,
		StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
		QRPath:        qrPath(id),
		BookedAt:      h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   strconv.FormatInt(id, 10),
		EventType:     eventAppointmentBooked,
		Payload:       payload,
	}); err != nil {
		h.logger.Error("outbox insert failed", "error", err)
		http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		return
	}

	appt.CreatedAt = h.now()
	h.logger.Info("appointment booked",
		"appointment_id", id,
		"client_id", appt.ClientID,
		"provider_id", appt.ProviderID,
	)
	writeJSON(w, http.StatusCreated, toResponse(*appt))
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid appointment id", http.StatusBadRequest)
		return
	}

	appt, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get appointment failed", "error", err, "appointment_id", id)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *BookingHandler) ListByClient(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.PathValue("id"))
	if clientID == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	appts, err := h.repo.ListByClient(r.Context(), clientID, limit)
	if err != nil {
		h.logger.Error("list appointments failed", "error", err, "client_id", clientID)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	items := make([]appointmentResponse, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toResponse(appt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": items})
}

// QRImage renders the appointment's pass as a downloadable PNG. The image
// embeds the full appointment context so a provider-side scan works offline.
func (h *BookingHandler) QRImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid appointment id", http.StatusBadRequest)
		return
	}

	appt, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get appointment failed", "error", err, "appointment_id", id)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	png, err := qr.Encode(qr.Payload{
		AppointmentID: appt.ID,
		ClientName:    appt.ClientName,
		ProviderID:    appt.ProviderID,
		OfferTitle:    appt.OfferTitle,
		Date:          appt.StartTime.Format("2006-01-02"),
		Time:          appt.StartTime.Format("15:04"),
	})
	if err != nil {
		h.logger.Error("qr encode failed", "error", err, "appointment_id", id)
		http.Error(w, "failed to render qr code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=appointment-%d.png", id))
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	_, _ = w.Write(png)
}

func (h *BookingHandler) directoryError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, directory.ErrNotFound) {
		http.Error(w, kind+" not found", http.StatusUnprocessableEntity)
		return
	}
	h.logger.Error("directory lookup failed", "error", err, "kind", kind)
	http.Error(w, "directory service unavailable", http.StatusServiceUnavailable)
}

func toResponse(appt model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		AppointmentID:       appt.ID,
		ClientID:            appt.ClientID,
		ProviderID:          appt.ProviderID,
		Service:             appt.Service,
		OfferTitle:          appt.OfferTitle,
		StartTime:           appt.StartTime.UTC().Format(time.RFC3339),
		ClientName:          appt.ClientName,
		ClientPhone:         appt.ClientPhone,
		ProviderName:        appt.ProviderName,
		ProviderServiceType: appt.ProviderServiceType,
		ProviderLocation:    appt.ProviderLocation,
		QRPath:              qrPath(appt.ID),
	}
	if !appt.CreatedAt.IsZero() {
		resp.CreatedAt = appt.CreatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func qrPath(id int64) string {
	return fmt.Sprintf("/api/v1/bookings/%d/qr", id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
