package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tangerconnect/tangerconnect/libs/auth"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/gate"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/model"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/storage"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/subscription"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	JWTSecret                     string
	TokenTTL                      time.Duration
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
}

type Handler struct {
	repo   *storage.Repository
	subSvc *subscription.Service
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

func New(repo *storage.Repository, subSvc *subscription.Service, logger *slog.Logger, cfg Config) *Handler {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Handler{
		repo:   repo,
		subSvc: subSvc,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

type registerClientRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

type registerProviderRequest struct {
	Name         string `json:"name"`
	ServiceType  string `json:"service_type"`
	Location     string `json:"location"`
	ContactPhone string `json:"contact_phone"`
	Password     string `json:"password"`
}

func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Phone == "" || req.Password == "" {
		http.Error(w, "name, phone, and password are required", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}

	id, err := h.repo.CreateClient(r.Context(), &model.Client{
		Name:         req.Name,
		Phone:        req.Phone,
		Email:        req.Email,
		PasswordHash: string(hash),
	})
	if err != nil {
		if storage.IsDuplicate(err) {
			http.Error(w, "phone already registered", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create client", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req registerProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.ServiceType = strings.TrimSpace(req.ServiceType)
	req.Location = strings.TrimSpace(req.Location)
	req.ContactPhone = strings.TrimSpace(req.ContactPhone)
	if req.Name == "" || req.ServiceType == "" || req.ContactPhone == "" || req.Password == "" {
		http.Error(w, "name, service_type, contact_phone, and password are required", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}

	id, err := h.repo.CreateProvider(r.Context(), &model.Provider{
		Name:         req.Name,
		ServiceType:  req.ServiceType,
		Location:     req.Location,
		ContactPhone: req.ContactPhone,
		PasswordHash: string(hash),
	})
	if err != nil {
		if storage.IsDuplicate(err) {
			http.Error(w, "phone already registered", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create provider", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type loginRequest struct {
	Role     string `json:"role"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Role = strings.TrimSpace(strings.ToLower(req.Role))
	req.Phone = strings.TrimSpace(req.Phone)

	var sub, providerID, hash string
	switch req.Role {
	case "client":
		c, err := h.repo.GetClientByPhone(r.Context(), req.Phone)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		sub, hash = c.ID, c.PasswordHash
	case "provider":
		p, err := h.repo.GetProviderByPhone(r.Context(), req.Phone)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		sub, providerID, hash = p.ID, p.ID, p.PasswordHash
	default:
		http.Error(w, "role must be client or provider", http.StatusBadRequest)
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	now := h.now()
	token, err := auth.SignHS256(auth.Claims{
		Sub:        sub,
		ProviderID: providerID,
		Role:       req.Role,
		Iat:        now.Unix(),
		Exp:        now.Add(h.cfg.TokenTTL).Unix(),
	}, h.cfg.JWTSecret)
	if err != nil {
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	c, err := h.repo.GetClient(r.Context(), r.PathValue("id"))
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "client not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load client", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    c.ID,
		"name":  c.Name,
		"phone": c.Phone,
		"email": c.Email,
	})
}

func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "provider not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load provider", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":            p.ID,
		"name":          p.Name,
		"service_type":  p.ServiceType,
		"location":      p.Location,
		"contact_phone": p.ContactPhone,
	})
}

type gateResponse struct {
	Usable          bool   `json:"usable"`
	SubscriptionEnd string `json:"subscription_end,omitempty"`
	ContactPhone    string `json:"contact_phone,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Gate evaluates the subscription predicate with fresh wall-clock time.
// Locked providers get exactly one recovery action: call the
// administration.
func (h *Handler) Gate(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "provider not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load provider", http.StatusInternalServerError)
		return
	}

	resp := gateResponse{Usable: gate.Usable(p.SubscriptionActive, p.SubscriptionEnd, h.now())}
	if p.SubscriptionEnd != nil {
		resp.SubscriptionEnd = p.SubscriptionEnd.UTC().Format(time.RFC3339)
	}
	if !resp.Usable {
		resp.ContactPhone = adminContactPhone
		resp.Message = "subscription expired or inactive; contact the administration to renew"
	}
	writeJSON(w, http.StatusOK, resp)
}

// adminContactPhone is the single phone-call action shown on the lock
// screen.
const adminContactPhone = "+212-539-000-000"

func (h *Handler) RenewSubscription(w http.ResponseWriter, r *http.Request) {
	h.applySubscriptionChange(w, r, func(tx pgx.Tx, id string, now time.Time) (model.Provider, error) {
		return h.subSvc.Renew(r.Context(), tx, id, now, "admin")
	})
}

func (h *Handler) ActivateProvider(w http.ResponseWriter, r *http.Request) {
	h.applySubscriptionChange(w, r, func(tx pgx.Tx, id string, now time.Time) (model.Provider, error) {
		return h.subSvc.SetActive(r.Context(), tx, id, true, now, "admin")
	})
}

func (h *Handler) DeactivateProvider(w http.ResponseWriter, r *http.Request) {
	h.applySubscriptionChange(w, r, func(tx pgx.Tx, id string, now time.Time) (model.Provider, error) {
		return h.subSvc.SetActive(r.Context(), tx, id, false, now, "admin")
	})
}

func (h *Handler) applySubscriptionChange(w http.ResponseWriter, r *http.Request, apply func(tx pgx.Tx, id string, now time.Time) (model.Provider, error)) {
	id := r.PathValue("id")

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	p, err := apply(tx, id, h.now())
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "provider not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to update subscription", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	var end string
	if p.SubscriptionEnd != nil {
		end = p.SubscriptionEnd.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               p.ID,
		"active":           p.SubscriptionActive,
		"subscription_end": end,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
