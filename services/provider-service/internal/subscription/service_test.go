package subscription

import (
	"testing"
	"time"

	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/gate"
)

func TestActivationGrant(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(48 * time.Hour)

	t.Run("first activation grants a period", func(t *testing.T) {
		end := activationGrant(nil, true, now)
		if end == nil || !end.Equal(now.Add(gate.RenewalPeriod)) {
			t.Fatalf("expected grant of %s, got %v", now.Add(gate.RenewalPeriod), end)
		}
	})

	t.Run("activation with expired end re-grants", func(t *testing.T) {
		end := activationGrant(&past, true, now)
		if end == nil || !end.Equal(now.Add(gate.RenewalPeriod)) {
			t.Fatalf("expected re-grant, got %v", end)
		}
	})

	t.Run("activation with valid end keeps it", func(t *testing.T) {
		end := activationGrant(&future, true, now)
		if end == nil || !end.Equal(future) {
			t.Fatalf("expected end to be kept, got %v", end)
		}
	})

	t.Run("deactivation never touches the end date", func(t *testing.T) {
		if end := activationGrant(&past, false, now); end == nil || !end.Equal(past) {
			t.Fatalf("expected end to be kept, got %v", end)
		}
		if end := activationGrant(nil, false, now); end != nil {
			t.Fatalf("expected nil end to stay nil, got %v", end)
		}
	})
}
