package powers

import (
	"context"
	"testing"
	"time"

	"github.com/schoolpower/powers/pkg/models"
)

func TestRenewalDue(t *testing.T) {
	loc := time.UTC
	at := func(day, hour int) time.Time { return time.Date(2026, 3, day, hour, 0, 0, 0, loc) }

	tests := []struct {
		name string
		last time.Time
		now  time.Time
		want bool
	}{
		{"same window after boundary", at(10, 7), at(10, 9), false},
		{"crossed today's boundary", at(10, 5), at(10, 9), true},
		{"before boundary, renewed yesterday after boundary", at(9, 8), at(10, 5), false},
		{"before boundary, last renewal two windows back", at(9, 5), at(10, 5), true},
		{"days later", at(3, 12), at(10, 12), true},
		{"never renewed", time.Time{}, at(10, 12), true},
	}
	for _, tt := range tests {
		if got := renewalDue(tt.last, tt.now, 6, loc); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRenewIfDueOncePerWindow(t *testing.T) {
	yesterday := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, harnessConfig{
		identity: testIdentity,
		seed:     &models.Balance{Available: 2, Used: 8, DailyLimit: 10, LastRenewal: yesterday},
	})
	ctx := context.Background()

	// Init already applied the due renewal.
	if h.svc.Available() != 10 || h.svc.Used() != 0 {
		t.Fatalf("expected renewed 10/0, got %d/%d", h.svc.Available(), h.svc.Used())
	}
	if h.ledger.Resets() != 1 {
		t.Errorf("expected one remote reset, got %d", h.ledger.Resets())
	}

	for range 3 {
		renewed, err := h.svc.RenewIfDue(ctx)
		if err != nil || renewed {
			t.Fatalf("expected no second renewal, got %v (%v)", renewed, err)
		}
	}
	h.charge(t, costFour, 1)
	h.settle()
	if renewed, _ := h.svc.RenewIfDue(ctx); renewed {
		t.Fatal("renewal within the window must not restore the charge")
	}

	renewals := 0
	for _, ev := range h.eventsSnapshot() {
		if ev.Reason == ReasonRenewal {
			renewals++
		}
	}
	if renewals != 1 {
		t.Errorf("expected 1 renewal event, got %d", renewals)
	}

	h.clock.Advance(24 * time.Hour)
	renewed, err := h.svc.RenewIfDue(ctx)
	if err != nil || !renewed {
		t.Fatalf("expected renewal next day, got %v (%v)", renewed, err)
	}
	if h.svc.Available() != 10 {
		t.Errorf("expected 10 after renewal, got %d", h.svc.Available())
	}
}

func TestRenewalKeptWhenRemoteResetFails(t *testing.T) {
	h := newHarness(t, harnessConfig{identity: testIdentity, seed: balanceOf(1, 9)})
	h.ledger.FailAll(true)

	h.clock.Advance(24 * time.Hour)
	renewed, err := h.svc.RenewIfDue(context.Background())
	if err != nil || !renewed {
		t.Fatalf("expected local renewal, got %v (%v)", renewed, err)
	}
	if h.svc.Available() != 10 {
		t.Errorf("expected 10, got %d", h.svc.Available())
	}
	if got := h.journal.outcomes(models.OpReset); len(got) != 1 || got[0] != models.OutcomeFailed {
		t.Errorf("expected failed reset in journal, got %v", got)
	}
}
