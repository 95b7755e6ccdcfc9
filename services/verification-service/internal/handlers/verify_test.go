package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tangerconnect/tangerconnect/libs/qr"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/gateclient"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/scan"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/storage"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/verify"
)

type fakeAudit struct {
	entries []storage.AuditEntry
	err     error
}

func (a *fakeAudit) ListByProvider(ctx context.Context, providerID string, limit int) ([]storage.AuditEntry, error) {
	if a.err != nil {
		return nil, a.err
	}
	var out []storage.AuditEntry
	for _, e := range a.entries {
		if e.ProviderID == providerID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeGate struct {
	statuses map[string]gateclient.Status
	err      error
}

func (g *fakeGate) Check(ctx context.Context, providerID string) (gateclient.Status, error) {
	if g.err != nil {
		return gateclient.Status{}, g.err
	}
	status, ok := g.statuses[providerID]
	if !ok {
		return gateclient.Status{}, gateclient.ErrProviderNotFound
	}
	return status, nil
}

type fakeVerifier struct {
	mu       sync.Mutex
	summary  scan.Summary
	err      error
	rejected int
}

func (v *fakeVerifier) Verify(ctx context.Context, providerID string, payload qr.Payload) (scan.Summary, error) {
	return v.summary, v.err
}

func (v *fakeVerifier) RecordRejected(ctx context.Context, providerID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejected++
}

func openGate() *fakeGate {
	return &fakeGate{statuses: map[string]gateclient.Status{
		"p-1": {Usable: true},
	}}
}

func lockedGate() *fakeGate {
	return &fakeGate{statuses: map[string]gateclient.Status{
		"p-1": {
			Usable:       false,
			ContactPhone: "+212-539-000-000",
			Message:      "subscription expired; contact the administrator to renew",
		},
	}}
}

func newTestMux(t *testing.T, verifier scan.Verifier, gate Gate, factory scan.SourceFactory) *http.ServeMux {
	return newTestMuxWithAudit(t, verifier, gate, factory, &fakeAudit{})
}

func newTestMuxWithAudit(t *testing.T, verifier scan.Verifier, gate Gate, factory scan.SourceFactory, audit AuditLog) *http.ServeMux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	manager := scan.NewManager(context.Background(), verifier, factory, logger, time.Millisecond)
	h := New(manager, verifier, gate, audit, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/verify/sessions", h.StartSession)
	mux.HandleFunc("POST /api/v1/verify/sessions/{id}/frames", h.IngestFrame)
	mux.HandleFunc("GET /api/v1/verify/sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /api/v1/verify/sessions/{id}", h.CancelSession)
	mux.HandleFunc("POST /api/v1/verify/image", h.VerifyImage)
	mux.HandleFunc("GET /api/v1/verify/audit", h.ScanHistory)
	return mux
}

func qrPNG(t *testing.T, payload qr.Payload) []byte {
	t.Helper()
	data, err := qr.Encode(payload)
	if err != nil {
		t.Fatalf("encode qr: %v", err)
	}
	return data
}

func blankPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 64))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, field string, imageBytes []byte, values map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	fw, err := mw.CreateFormFile(field, "upload.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(imageBytes); err != nil {
		t.Fatalf("write image: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func startSession(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/sessions", strings.NewReader(`{"provider_id":"p-1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start session status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != string(scan.StateScanning) {
		t.Fatalf("state = %q, want scanning", resp.State)
	}
	return resp.SessionID
}

func pollSession(t *testing.T, mux *http.ServeMux, id string, want scan.SessionState) sessionResponse {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/verify/sessions/"+id, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("get session status = %d", rec.Code)
		}
		var resp sessionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.State == string(want) {
			return resp
		}
		select {
		case <-deadline:
			t.Fatalf("session state = %q, want %q", resp.State, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSessionScanFlow(t *testing.T) {
	verifier := &fakeVerifier{summary: scan.Summary{
		AppointmentID: 42,
		ClientName:    "Youssef Amrani",
		Discount:      "19%",
	}}
	mux := newTestMux(t, verifier, openGate(), nil)
	id := startSession(t, mux)

	// A blank frame is consumed silently.
	body, ct := multipartBody(t, "frame", blankPNG(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/sessions/"+id+"/frames", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("frame status = %d: %s", rec.Code, rec.Body.String())
	}

	body, ct = multipartBody(t, "frame", qrPNG(t, qr.Payload{AppointmentID: 42}), nil)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/verify/sessions/"+id+"/frames", body)
	req.Header.Set("Content-Type", ct)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("frame status = %d: %s", rec.Code, rec.Body.String())
	}

	resp := pollSession(t, mux, id, scan.StateSuccess)
	if resp.Summary == nil || resp.Summary.ClientName != "Youssef Amrani" {
		t.Errorf("summary = %+v", resp.Summary)
	}
}

func TestSessionFailure(t *testing.T) {
	verifier := &fakeVerifier{err: errors.New("unknown appointment")}
	mux := newTestMux(t, verifier, openGate(), nil)
	id := startSession(t, mux)

	body, ct := multipartBody(t, "frame", qrPNG(t, qr.Payload{AppointmentID: 9999}), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/sessions/"+id+"/frames", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	resp := pollSession(t, mux, id, scan.StateFailure)
	if resp.Message != scan.FailureMessage {
		t.Errorf("message = %q, want %q", resp.Message, scan.FailureMessage)
	}
	if resp.Summary != nil {
		t.Error("failure response must not carry a summary")
	}
}

func TestStartSessionLockedGate(t *testing.T) {
	mux := newTestMux(t, &fakeVerifier{}, lockedGate(), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/sessions", strings.NewReader(`{"provider_id":"p-1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	var resp gateLockedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ContactPhone == "" {
		t.Error("locked response must carry the administrative contact phone")
	}
}

func TestStartSessionSourceUnavailable(t *testing.T) {
	factory := func(string) (scan.FrameSource, error) { return nil, scan.ErrSourceUnavailable }
	mux := newTestMux(t, &fakeVerifier{}, openGate(), factory)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/sessions", strings.NewReader(`{"provider_id":"p-1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if !strings.Contains(rec.Body.String(), "image file") {
		t.Errorf("response must point at the file-upload fallback: %s", rec.Body.String())
	}
}

func TestCancelSession(t *testing.T) {
	mux := newTestMux(t, &fakeVerifier{}, openGate(), nil)
	id := startSession(t, mux)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/verify/sessions/"+id, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/verify/sessions/"+id, nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestVerifyImageOutcomes(t *testing.T) {
	t.Run("verified", func(t *testing.T) {
		verifier := &fakeVerifier{summary: scan.Summary{AppointmentID: 42, ClientName: "Youssef Amrani"}}
		mux := newTestMux(t, verifier, openGate(), nil)

		body, ct := multipartBody(t, "image", qrPNG(t, qr.Payload{AppointmentID: 42}), map[string]string{"provider_id": "p-1"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/image", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var resp verifyImageResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Outcome != "verified" || resp.Summary == nil {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("not detected", func(t *testing.T) {
		mux := newTestMux(t, &fakeVerifier{}, openGate(), nil)

		body, ct := multipartBody(t, "image", blankPNG(t), map[string]string{"provider_id": "p-1"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/image", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp verifyImageResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Outcome != "not_detected" {
			t.Errorf("outcome = %q, want not_detected", resp.Outcome)
		}
	})

	t.Run("unknown appointment", func(t *testing.T) {
		verifier := &fakeVerifier{err: verify.ErrInvalidCode}
		mux := newTestMux(t, verifier, openGate(), nil)

		body, ct := multipartBody(t, "image", qrPNG(t, qr.Payload{AppointmentID: 9999}), map[string]string{"provider_id": "p-1"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/image", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp verifyImageResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Outcome != "invalid_code" {
			t.Errorf("outcome = %q, want invalid_code", resp.Outcome)
		}
	})

	t.Run("locked gate", func(t *testing.T) {
		mux := newTestMux(t, &fakeVerifier{}, lockedGate(), nil)

		body, ct := multipartBody(t, "image", blankPNG(t), map[string]string{"provider_id": "p-1"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/image", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
		}
	})

	t.Run("ledger down", func(t *testing.T) {
		verifier := &fakeVerifier{err: errors.New("connection refused")}
		mux := newTestMux(t, verifier, openGate(), nil)

		body, ct := multipartBody(t, "image", qrPNG(t, qr.Payload{AppointmentID: 42}), map[string]string{"provider_id": "p-1"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/image", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
	})
}

func TestScanHistory(t *testing.T) {
	apptID := int64(42)
	audit := &fakeAudit{entries: []storage.AuditEntry{
		{ID: 2, ProviderID: "p-1", AppointmentID: &apptID, Outcome: storage.OutcomeVerified, VerifiedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{ID: 1, ProviderID: "p-1", Outcome: storage.OutcomeRejected, VerifiedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{ID: 3, ProviderID: "p-2", AppointmentID: &apptID, Outcome: storage.OutcomeVerified, VerifiedAt: time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)},
	}}
	mux := newTestMuxWithAudit(t, &fakeVerifier{}, openGate(), nil, audit)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/verify/audit?provider_id=p-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Entries []auditEntryResponse `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(resp.Entries))
	}
	if resp.Entries[0].Outcome != storage.OutcomeVerified || resp.Entries[0].AppointmentID == nil {
		t.Errorf("first entry = %+v", resp.Entries[0])
	}
	if resp.Entries[1].AppointmentID != nil {
		t.Error("rejected entry must not carry an appointment id")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/verify/audit", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing provider_id status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
