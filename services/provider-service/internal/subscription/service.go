package subscription

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/gate"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/model"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/outbox"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/storage"
)

// Service owns provider subscription transitions and their outbox side
// effects. Keeping it out of the HTTP handlers makes it reusable for
// both the admin endpoints and the Stripe webhook flow.
type Service struct {
	repo       *storage.Repository
	outboxRepo *outbox.Repository
}

func New(repo *storage.Repository, outboxRepo *outbox.Repository) *Service {
	return &Service{repo: repo, outboxRepo: outboxRepo}
}

// Renew extends the provider's subscription end date by one renewal
// period, counted from the old end date when still valid, from now when
// lapsed. The active flag is left untouched; renewal and activation are
// separate administrative actions.
func (s *Service) Renew(ctx context.Context, tx pgx.Tx, providerID string, now time.Time, source string) (model.Provider, error) {
	p, err := s.repo.GetProviderForUpdate(ctx, tx, providerID)
	if err != nil {
		return model.Provider{}, err
	}

	newEnd := gate.Renew(p.SubscriptionEnd, now)
	if err := s.repo.UpdateSubscription(ctx, tx, p.ID, p.SubscriptionActive, &newEnd); err != nil {
		return model.Provider{}, err
	}
	p.SubscriptionEnd = &newEnd

	if err := s.emitUpdated(ctx, tx, p, now, source); err != nil {
		return model.Provider{}, err
	}
	return p, nil
}

// SetActive toggles the active flag. Activating a provider whose end
// date is missing or already expired auto-grants a full validity
// period; deactivation leaves the end date alone so a later
// reactivation within the period restores the remaining time.
func (s *Service) SetActive(ctx context.Context, tx pgx.Tx, providerID string, active bool, now time.Time, source string) (model.Provider, error) {
	p, err := s.repo.GetProviderForUpdate(ctx, tx, providerID)
	if err != nil {
		return model.Provider{}, err
	}

	end := activationGrant(p.SubscriptionEnd, active, now)
	if err := s.repo.UpdateSubscription(ctx, tx, p.ID, active, end); err != nil {
		return model.Provider{}, err
	}
	p.SubscriptionActive = active
	p.SubscriptionEnd = end

	if err := s.emitUpdated(ctx, tx, p, now, source); err != nil {
		return model.Provider{}, err
	}
	return p, nil
}

// activationGrant returns the end date to store when toggling the
// active flag. Activation with no usable end date grants a full period;
// any other toggle keeps the stored date.
func activationGrant(end *time.Time, active bool, now time.Time) *time.Time {
	if active && (end == nil || !end.After(now)) {
		granted := now.Add(gate.RenewalPeriod)
		return &granted
	}
	return end
}

func (s *Service) emitUpdated(ctx context.Context, tx pgx.Tx, p model.Provider, now time.Time, source string) error {
	var end string
	if p.SubscriptionEnd != nil {
		end = p.SubscriptionEnd.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(map[string]any{
		"provider_id":      p.ID,
		"active":           p.SubscriptionActive,
		"subscription_end": end,
		"usable":           gate.Usable(p.SubscriptionActive, p.SubscriptionEnd, now),
		"source":           source,
		"updated_at":       now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "provider",
		AggregateID:   p.ID,
		EventType:     "provider.subscription.updated.v1",
		Payload:       payload,
	})
}
