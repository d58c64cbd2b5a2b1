package powers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/schoolpower/powers/pkg/ledger"
	"github.com/schoolpower/powers/pkg/ledger/ledgertest"
	"github.com/schoolpower/powers/pkg/models"
	"github.com/schoolpower/powers/pkg/pricing"
	"github.com/schoolpower/powers/pkg/store"
)

const (
	testIdentity = "ana@school.example"
	costFour     = "test_four"
	costFive     = "test_five"
	costOne      = "test_one"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memJournal struct {
	mu     sync.Mutex
	events []models.SyncEvent
}

func (j *memJournal) Record(_ context.Context, ev models.SyncEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) outcomes(op models.SyncOperation) []models.SyncOutcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []models.SyncOutcome
	for _, ev := range j.events {
		if ev.Operation == op {
			out = append(out, ev.Outcome)
		}
	}
	return out
}

type harness struct {
	svc     *Service
	clock   *fakeClock
	ledger  *ledgertest.Server
	store   *store.SQLiteStore
	journal *memJournal
	reg     *prometheus.Registry

	mu     sync.Mutex
	events []BalanceEvent
}

type harnessConfig struct {
	identity string
	seed     *models.Balance
	settings func(*Settings)
	options  func(*Options)
	loop     bool
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	ctx := context.Background()

	srv := ledgertest.New(10)
	t.Cleanup(srv.Close)

	st, err := store.New(filepath.Join(t.TempDir(), "powers_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	clock := newClock()
	if hc.seed != nil {
		seed := *hc.seed
		if seed.LastRenewal.IsZero() {
			seed.LastRenewal = clock.Now()
		}
		if err := st.SaveBalance(ctx, seed); err != nil {
			t.Fatal(err)
		}
	}

	client, err := ledger.New(ledger.Config{
		BaseURL:         srv.URL,
		Timeout:         2 * time.Second,
		BreakerFailures: 100,
		BreakerWindow:   100,
	})
	if err != nil {
		t.Fatal(err)
	}

	settings := DefaultSettings()
	settings.DailyLimit = 10
	settings.Location = time.UTC
	if hc.settings != nil {
		hc.settings(&settings)
	}

	h := &harness{
		clock:   clock,
		ledger:  srv,
		store:   st,
		journal: &memJournal{},
		reg:     prometheus.NewRegistry(),
	}
	opts := Options{
		Store:  st,
		Remote: client,
		Pricing: pricing.New([]models.CapabilityPrice{
			{ID: costFour, Name: "Four", ItemLabel: "unit", Price: 4},
			{ID: costFive, Name: "Five", ItemLabel: "unit", Price: 5},
			{ID: costOne, Name: "One", ItemLabel: "unit", Price: 1},
		}),
		Journal:    h.journal,
		Settings:   settings,
		Now:        clock.Now,
		Registerer: h.reg,
		Manual:     !hc.loop,
	}
	if hc.options != nil {
		hc.options(&opts)
	}

	svc, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	svc.OnBalanceChanged(func(ev BalanceEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	h.svc = svc

	if _, err := svc.Init(ctx, hc.identity); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return h
}

func (h *harness) eventsSnapshot() []BalanceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]BalanceEvent, len(h.events))
	copy(out, h.events)
	return out
}

func (h *harness) charge(t *testing.T, capability string, items int) models.ChargeResult {
	t.Helper()
	res, err := h.svc.Charge(context.Background(), capability, items, models.ChargeMetadata{})
	if err != nil {
		t.Fatalf("charge %s: %v", capability, err)
	}
	return res
}

// settle waits for the inline push started by Charge.
func (h *harness) settle() {
	h.svc.inflight.Wait()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func balanceOf(available, used int64) *models.Balance {
	return &models.Balance{Available: available, Used: used, DailyLimit: 10}
}
