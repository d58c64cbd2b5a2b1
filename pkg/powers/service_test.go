package powers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/schoolpower/powers/pkg/models"
	"github.com/schoolpower/powers/pkg/store"
)

func TestInitDefaultsWithoutCache(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	b := h.svc.Balance()
	if b.Available != 10 || b.Used != 0 || b.DailyLimit != 10 || len(b.Transactions) != 0 {
		t.Errorf("unexpected default balance %+v", b)
	}
	if h.svc.FormatBalance() != "10/10" {
		t.Errorf("unexpected format %q", h.svc.FormatBalance())
	}
	if h.svc.Identity() != "" {
		t.Errorf("expected unknown identity, got %q", h.svc.Identity())
	}
}

type corruptStore struct {
	*store.SQLiteStore
}

func (c corruptStore) LoadBalance(context.Context) (models.Balance, error) {
	return models.Balance{}, store.ErrCorrupt
}

func TestInitRecoversFromCorruptCache(t *testing.T) {
	h := newHarness(t, harnessConfig{
		options: func(o *Options) {
			o.Store = corruptStore{SQLiteStore: o.Store.(*store.SQLiteStore)}
		},
	})
	if h.svc.Available() != 10 || h.svc.Used() != 0 {
		t.Errorf("expected default balance, got %d/%d", h.svc.Available(), h.svc.Used())
	}
}

func TestIdentityResolutionOrder(t *testing.T) {
	h := newHarness(t, harnessConfig{
		options: func(o *Options) {
			o.Identity = func() (string, bool) { return "host@example.com", true }
		},
	})
	if h.svc.Identity() != "host@example.com" {
		t.Fatalf("expected host identity, got %q", h.svc.Identity())
	}

	explicit := newHarness(t, harnessConfig{
		identity: "explicit@example.com",
		options: func(o *Options) {
			o.Identity = func() (string, bool) { return "host@example.com", true }
		},
	})
	if explicit.svc.Identity() != "explicit@example.com" {
		t.Errorf("expected explicit identity to win, got %q", explicit.svc.Identity())
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "restart.db")

	st, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	clock := newClock()
	settings := DefaultSettings()
	settings.DailyLimit = 10

	svc, err := New(Options{Store: st, Settings: settings, Now: clock.Now, Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Init(ctx, "restart@example.com"); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Charge(ctx, "criar_arquivo", 1, models.ChargeMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	st.Close()

	st2, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	svc2, err := New(Options{Store: st2, Settings: settings, Now: clock.Now, Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc2.Init(ctx, ""); err != nil {
		t.Fatal(err)
	}
	defer svc2.Shutdown(ctx)

	if svc2.Available() != 5 || svc2.Used() != 5 {
		t.Errorf("expected 5/5 after restart, got %d/%d", svc2.Available(), svc2.Used())
	}
	if svc2.Identity() != "restart@example.com" {
		t.Errorf("expected cached identity, got %q", svc2.Identity())
	}
	pending := svc2.Pending()
	if len(pending) != 1 || pending[0].ID != res.TransactionID {
		t.Errorf("expected queued debit to survive restart, got %+v", pending)
	}
}

func TestNotificationsInMutationOrder(t *testing.T) {
	h := newHarness(t, harnessConfig{seed: balanceOf(10, 0)})
	var points []int64
	unsubscribe := h.svc.OnPointsChanged(func(v int64) { points = append(points, v) })

	h.charge(t, costOne, 1)
	h.charge(t, costOne, 2)
	unsubscribe()
	h.charge(t, costOne, 1)

	if len(points) != 2 || points[0] != 9 || points[1] != 7 {
		t.Errorf("unexpected points %v", points)
	}
	events := h.eventsSnapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 balance events, got %d", len(events))
	}
	for i, want := range []int64{9, 7, 6} {
		if events[i].Balance.Available != want || events[i].Reason != ReasonCharge {
			t.Errorf("event %d: unexpected %+v", i, events[i])
		}
	}
}

func TestListenersMayReadDuringConcurrentCharges(t *testing.T) {
	h := newHarness(t, harnessConfig{seed: balanceOf(10, 0)})
	var seen []int64
	h.svc.OnBalanceChanged(func(ev BalanceEvent) {
		_ = h.svc.Balance()
		seen = append(seen, ev.Balance.Available)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Charge(context.Background(), costOne, 1, models.ChargeMetadata{})
		}()
	}
	wg.Wait()

	if len(seen) != 10 {
		t.Fatalf("expected 10 events, got %d", len(seen))
	}
	for i, v := range seen {
		if v != int64(9-i) {
			t.Fatalf("events out of order: %v", seen)
		}
	}
}

func TestResetRestoresDefault(t *testing.T) {
	h := newHarness(t, harnessConfig{seed: balanceOf(10, 0)})
	h.charge(t, costFive, 1)

	if err := h.svc.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	b := h.svc.Balance()
	if b.Available != 10 || b.Used != 0 || len(b.Transactions) != 0 {
		t.Errorf("unexpected balance after reset %+v", b)
	}
	events := h.eventsSnapshot()
	if events[len(events)-1].Reason != ReasonReset {
		t.Errorf("expected reset event, got %s", events[len(events)-1].Reason)
	}
}

func TestStatement(t *testing.T) {
	h := newHarness(t, harnessConfig{seed: balanceOf(10, 0)})
	res := h.charge(t, costFour, 1)

	lines := h.svc.Statement()
	if len(lines) != 1 {
		t.Fatalf("expected 1 statement line, got %d", len(lines))
	}
	if lines[0].ID != res.TransactionID || lines[0].CreditChange != -4 || lines[0].Title != "Four (1 unit)" {
		t.Errorf("unexpected statement line %+v", lines[0])
	}
}
