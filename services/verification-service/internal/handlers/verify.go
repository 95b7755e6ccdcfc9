package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tangerconnect/tangerconnect/libs/qr"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/gateclient"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/scan"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/storage"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/verify"
)

const maxImageBytes = 8 << 20

const uploadFallbackMessage = "camera unavailable; select an image file instead"

type Gate interface {
	Check(ctx context.Context, providerID string) (gateclient.Status, error)
}

type AuditLog interface {
	ListByProvider(ctx context.Context, providerID string, limit int) ([]storage.AuditEntry, error)
}

type Handler struct {
	manager  *scan.Manager
	verifier scan.Verifier
	gate     Gate
	audit    AuditLog
	logger   *slog.Logger
}

func New(manager *scan.Manager, verifier scan.Verifier, gate Gate, audit AuditLog, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, verifier: verifier, gate: gate, audit: audit, logger: logger}
}

type startSessionRequest struct {
	ProviderID string `json:"provider_id"`
}

type sessionResponse struct {
	SessionID string        `json:"session_id"`
	State     string        `json:"state"`
	Summary   *scan.Summary `json:"summary,omitempty"`
	Message   string        `json:"message,omitempty"`
}

type gateLockedResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message,omitempty"`
	ContactPhone string `json:"contact_phone,omitempty"`
}

// StartSession opens a continuous-scan session for a provider. Locked
// subscriptions are refused with the administrative renewal contact;
// a source that cannot be acquired points the caller at file upload.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if req.ProviderID == "" {
		http.Error(w, "missing provider_id", http.StatusBadRequest)
		return
	}

	if !h.checkGate(w, r, req.ProviderID) {
		return
	}

	session, err := h.manager.Begin(req.ProviderID)
	if err != nil {
		if errors.Is(err, scan.ErrSourceUnavailable) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":   "frame source unavailable",
				"message": uploadFallbackMessage,
			})
			return
		}
		h.logger.Error("start scan session failed", "error", err, "provider_id", req.ProviderID)
		http.Error(w, "failed to start session", http.StatusInternalServerError)
		return
	}

	state, _, _ := session.Snapshot()
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: session.ID, State: string(state)})
}

// IngestFrame accepts one multipart frame for a scanning session.
// Frames with no detectable barcode are consumed silently; the session
// only leaves the scanning state on a decode or a cancel.
func (h *Handler) IngestFrame(w http.ResponseWriter, r *http.Request) {
	session, ok := h.manager.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	state, _, _ := session.Snapshot()
	if state != scan.StateScanning {
		writeJSON(w, http.StatusConflict, sessionResponse{SessionID: session.ID, State: string(state)})
		return
	}

	frame, ok := h.readImage(w, r, "frame")
	if !ok {
		return
	}
	session.Push(frame)

	state, _, _ = session.Snapshot()
	writeJSON(w, http.StatusAccepted, sessionResponse{SessionID: session.ID, State: string(state)})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.manager.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	state, summary, failure := session.Snapshot()
	resp := sessionResponse{SessionID: session.ID, State: string(state)}
	switch state {
	case scan.StateSuccess:
		resp.Summary = &summary
	case scan.StateFailure:
		resp.Message = failure
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelSession tears the session down. The response is written only
// after the session's frame source has been released.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	if !h.manager.Cancel(r.PathValue("id")) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyImageResponse struct {
	Outcome string        `json:"outcome"`
	Summary *scan.Summary `json:"summary,omitempty"`
	Message string        `json:"message,omitempty"`
}

// VerifyImage is the single-shot file path: one decode attempt against
// an uploaded image. A frame with no barcode and a malformed payload
// are distinct outcomes; either way the endpoint can be re-hit
// immediately.
func (h *Handler) VerifyImage(w http.ResponseWriter, r *http.Request) {
	providerID := strings.TrimSpace(r.FormValue("provider_id"))
	if providerID == "" {
		http.Error(w, "missing provider_id", http.StatusBadRequest)
		return
	}
	if !h.checkGate(w, r, providerID) {
		return
	}

	img, ok := h.readImage(w, r, "image")
	if !ok {
		return
	}

	payload, err := qr.DecodeImage(img)
	switch {
	case errors.Is(err, qr.ErrNotDetected):
		writeJSON(w, http.StatusUnprocessableEntity, verifyImageResponse{
			Outcome: "not_detected",
			Message: "no QR code found in the image",
		})
		return
	case err != nil:
		h.verifier.RecordRejected(r.Context(), providerID)
		writeJSON(w, http.StatusUnprocessableEntity, verifyImageResponse{
			Outcome: "invalid_code",
			Message: scan.FailureMessage,
		})
		return
	}

	summary, err := h.verifier.Verify(r.Context(), providerID, payload)
	switch {
	case errors.Is(err, verify.ErrInvalidCode):
		writeJSON(w, http.StatusUnprocessableEntity, verifyImageResponse{
			Outcome: "invalid_code",
			Message: scan.FailureMessage,
		})
		return
	case err != nil:
		h.logger.Error("verification failed", "error", err, "provider_id", providerID)
		http.Error(w, "verification unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, verifyImageResponse{Outcome: "verified", Summary: &summary})
}

type auditEntryResponse struct {
	AppointmentID *int64 `json:"appointment_id,omitempty"`
	Outcome       string `json:"outcome"`
	VerifiedAt    string `json:"verified_at"`
}

// ScanHistory lists a provider's most recent verification outcomes,
// newest first.
func (h *Handler) ScanHistory(w http.ResponseWriter, r *http.Request) {
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		http.Error(w, "missing provider_id", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = v
	}

	entries, err := h.audit.ListByProvider(r.Context(), providerID, limit)
	if err != nil {
		h.logger.Error("audit lookup failed", "error", err, "provider_id", providerID)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			AppointmentID: e.AppointmentID,
			Outcome:       e.Outcome,
			VerifiedAt:    e.VerifiedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// checkGate refuses locked providers with the renewal contact details.
// It writes the response itself and returns false when refused.
func (h *Handler) checkGate(w http.ResponseWriter, r *http.Request, providerID string) bool {
	status, err := h.gate.Check(r.Context(), providerID)
	if err != nil {
		if errors.Is(err, gateclient.ErrProviderNotFound) {
			http.Error(w, "provider not found", http.StatusNotFound)
			return false
		}
		h.logger.Error("gate check failed", "error", err, "provider_id", providerID)
		http.Error(w, "gate service unavailable", http.StatusServiceUnavailable)
		return false
	}
	if !status.Usable {
		writeJSON(w, http.StatusForbidden, gateLockedResponse{
			Error:        "subscription inactive",
			Message:      status.Message,
			ContactPhone: status.ContactPhone,
		})
		return false
	}
	return true
}

func (h *Handler) readImage(w http.ResponseWriter, r *http.Request, field string) (image.Image, bool) {
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return nil, false
	}
	file, _, err := r.FormFile(field)
	if err != nil {
		http.Error(w, "missing "+field+" file", http.StatusBadRequest)
		return nil, false
	}
	defer func(f multipart.File) { _ = f.Close() }(file)

	img, _, err := image.Decode(file)
	if err != nil {
		http.Error(w, "unsupported image format", http.StatusBadRequest)
		return nil, false
	}
	return img, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
