package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tangerconnect/tangerconnect/services/chat-service/internal/confirm"
	"github.com/tangerconnect/tangerconnect/services/chat-service/internal/llm"
)

// systemPrompt instructs the model to negotiate a booking in prose and
// emit the structured intent only once the client has agreed. The
// fenced block is the machine boundary; everything else is display text.
const systemPrompt = `You are the booking assistant for a local-services marketplace in Tangier.
Help the client choose a provider and a time slot. Once the client has clearly
agreed to a specific booking, include a fenced code block tagged "booking"
containing only JSON with the keys client_id, provider_id, service,
offer_title (optional) and start_time (RFC 3339). Never emit the block before
the client has agreed.`

type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

type History interface {
	Load(ctx context.Context, conversationID string) ([]llm.Message, error)
	Append(ctx context.Context, conversationID string, msgs ...llm.Message) error
}

type Booker interface {
	CreateBooking(ctx context.Context, conf confirm.Confirmation) (int64, error)
}

type ChatHandler struct {
	llm     Completer
	history History
	booker  Booker
	logger  *slog.Logger
}

func NewChatHandler(completer Completer, history History, booker Booker, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{llm: completer, history: history, booker: booker, logger: logger}
}

type messageRequest struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	Text           string `json:"text"`
}

type messageResponse struct {
	Reply         string `json:"reply"`
	AppointmentID int64  `json:"appointment_id,omitempty"`
	BookingError  string `json:"booking_error,omitempty"`
}

func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.Text = strings.TrimSpace(req.Text)
	if req.ConversationID == "" || req.ClientID == "" || req.Text == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	prior, err := h.history.Load(ctx, req.ConversationID)
	if err != nil {
		h.logger.Error("load history failed", "error", err, "conversation_id", req.ConversationID)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	userMsg := llm.Message{Role: "user", Content: req.Text}
	messages := make([]llm.Message, 0, len(prior)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, prior...)
	messages = append(messages, userMsg)

	reply, err := h.llm.Complete(ctx, messages)
	if err != nil {
		if errors.Is(err, llm.ErrServiceUnavailable) {
			http.Error(w, "assistant unavailable", http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("completion failed", "error", err, "conversation_id", req.ConversationID)
		http.Error(w, "assistant error", http.StatusBadGateway)
		return
	}

	if err := h.history.Append(ctx, req.ConversationID, userMsg, llm.Message{Role: "assistant", Content: reply}); err != nil {
		h.logger.Error("append history failed", "error", err, "conversation_id", req.ConversationID)
	}

	resp := messageResponse{Reply: reply}
	conf, found, err := confirm.Extract(reply)
	switch {
	case err != nil:
		h.logger.Warn("malformed booking block", "error", err, "conversation_id", req.ConversationID)
		resp.BookingError = "assistant produced an invalid booking; please confirm again"
	case found:
		if conf.ClientID != req.ClientID {
			h.logger.Warn("booking block client mismatch",
				"conversation_id", req.ConversationID,
				"request_client", req.ClientID,
				"block_client", conf.ClientID,
			)
			resp.BookingError = "booking was not created: client mismatch"
			break
		}
		id, err := h.booker.CreateBooking(ctx, conf)
		if err != nil {
			h.logger.Error("create booking failed", "error", err, "conversation_id", req.ConversationID)
			resp.BookingError = "booking could not be created; please try again"
			break
		}
		resp.AppointmentID = id
		h.logger.Info("booking created from conversation",
			"conversation_id", req.ConversationID,
			"appointment_id", id,
		)
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
