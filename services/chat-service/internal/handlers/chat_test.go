package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tangerconnect/tangerconnect/services/chat-service/internal/confirm"
	"github.com/tangerconnect/tangerconnect/services/chat-service/internal/llm"
)

type fakeCompleter struct {
	reply    string
	err      error
	received []llm.Message
}

func (c *fakeCompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	c.received = messages
	return c.reply, c.err
}

type fakeHistory struct {
	prior    []llm.Message
	appended []llm.Message
}

func (h *fakeHistory) Load(ctx context.Context, conversationID string) ([]llm.Message, error) {
	return h.prior, nil
}

func (h *fakeHistory) Append(ctx context.Context, conversationID string, msgs ...llm.Message) error {
	h.appended = append(h.appended, msgs...)
	return nil
}

type fakeBooker struct {
	id   int64
	err  error
	conf *confirm.Confirmation
}

func (b *fakeBooker) CreateBooking(ctx context.Context, conf confirm.Confirmation) (int64, error) {
	b.conf = &conf
	return b.id, b.err
}

func newHandler(c *fakeCompleter, h *fakeHistory, b *fakeBooker) *ChatHandler {
	return NewChatHandler(c, h, b, slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))
}

func postMessage(t *testing.T, h *ChatHandler, body string) (*httptest.ResponseRecorder, messageResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.PostMessage(rec, req)

	var resp messageResponse
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, resp
}

const bookingReply = "Done!\n```booking\n" +
	`{"client_id":"c-1","provider_id":"p-1","service":"plumbing","start_time":"2024-06-01T10:00:00Z"}` +
	"\n```"

func TestPostMessagePlainReply(t *testing.T) {
	completer := &fakeCompleter{reply: "What time suits you?"}
	hist := &fakeHistory{prior: []llm.Message{{Role: "user", Content: "I need a plumber"}}}
	h := newHandler(completer, hist, &fakeBooker{})

	rec, resp := postMessage(t, h, `{"conversation_id":"conv-1","client_id":"c-1","text":"tomorrow morning"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Reply != "What time suits you?" || resp.AppointmentID != 0 {
		t.Errorf("response = %+v", resp)
	}

	// system prompt + one prior turn + the new user message
	if len(completer.received) != 3 {
		t.Fatalf("messages sent = %d, want 3", len(completer.received))
	}
	if completer.received[0].Role != "system" {
		t.Errorf("first message role = %q, want system", completer.received[0].Role)
	}
	if len(hist.appended) != 2 {
		t.Errorf("history appended = %d messages, want user+assistant", len(hist.appended))
	}
}

func TestPostMessageBooksOnConfirmation(t *testing.T) {
	completer := &fakeCompleter{reply: bookingReply}
	booker := &fakeBooker{id: 42}
	h := newHandler(completer, &fakeHistory{}, booker)

	rec, resp := postMessage(t, h, `{"conversation_id":"conv-1","client_id":"c-1","text":"yes, book it"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if resp.AppointmentID != 42 {
		t.Errorf("appointment_id = %d, want 42", resp.AppointmentID)
	}
	if booker.conf == nil || booker.conf.ProviderID != "p-1" {
		t.Errorf("booker conf = %+v", booker.conf)
	}
}

func TestPostMessageBookingFailureKeepsReply(t *testing.T) {
	completer := &fakeCompleter{reply: bookingReply}
	booker := &fakeBooker{err: errors.New("db down")}
	h := newHandler(completer, &fakeHistory{}, booker)

	rec, resp := postMessage(t, h, `{"conversation_id":"conv-1","client_id":"c-1","text":"yes, book it"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, booking failure must not fail the chat", rec.Code)
	}
	if resp.Reply == "" || resp.BookingError == "" {
		t.Errorf("response = %+v, want reply plus booking_error", resp)
	}
	if resp.AppointmentID != 0 {
		t.Error("no appointment id expected on booking failure")
	}
}

func TestPostMessageClientMismatch(t *testing.T) {
	completer := &fakeCompleter{reply: bookingReply}
	booker := &fakeBooker{id: 42}
	h := newHandler(completer, &fakeHistory{}, booker)

	_, resp := postMessage(t, h, `{"conversation_id":"conv-1","client_id":"c-2","text":"yes"}`)
	if resp.BookingError == "" {
		t.Error("expected a booking error on client mismatch")
	}
	if booker.conf != nil {
		t.Error("booking must not be created for a mismatched client")
	}
}

func TestPostMessageMalformedBlock(t *testing.T) {
	completer := &fakeCompleter{reply: "```booking\n{not json}\n```"}
	h := newHandler(completer, &fakeHistory{}, &fakeBooker{})

	rec, resp := postMessage(t, h, `{"conversation_id":"conv-1","client_id":"c-1","text":"yes"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.BookingError == "" {
		t.Error("expected a booking error for a malformed block")
	}
}

func TestPostMessageAssistantDown(t *testing.T) {
	completer := &fakeCompleter{err: llm.ErrServiceUnavailable}
	h := newHandler(completer, &fakeHistory{}, &fakeBooker{})

	rec, _ := postMessage(t, h, `{"conversation_id":"conv-1","client_id":"c-1","text":"hi"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestPostMessageValidation(t *testing.T) {
	h := newHandler(&fakeCompleter{}, &fakeHistory{}, &fakeBooker{})
	for _, body := range []string{`{`, `{"conversation_id":"conv-1"}`, `{"conversation_id":"c","client_id":"c-1","text":"  "}`} {
		rec, _ := postMessage(t, h, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q status = %d, want 400", body, rec.Code)
		}
	}
}
