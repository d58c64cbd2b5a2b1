package powers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/schoolpower/powers/pkg/models"
	"github.com/schoolpower/powers/pkg/pricing"
)

func TestChargeSuccess(t *testing.T) {
	h := newHarness(t, harnessConfig{identity: testIdentity, seed: balanceOf(10, 0)})

	res := h.charge(t, costFour, 1)
	if !res.Success || res.Charged != 4 || res.RemainingBalance != 6 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.TransactionID, "tx_") {
		t.Errorf("unexpected transaction id %q", res.TransactionID)
	}

	txs := h.svc.Transactions(0)
	if len(txs) != 1 || txs[0].TotalCost != 4 || txs[0].CostPerItem != 4 {
		t.Fatalf("unexpected transactions %+v", txs)
	}
	if txs[0].Description != "Four (1 unit)" {
		t.Errorf("unexpected description %q", txs[0].Description)
	}

	h.settle()
	if got := h.ledger.Deducted(); len(got) != 1 || got[0] != 4 {
		t.Errorf("expected remote deduct of 4, got %v", got)
	}
	if !h.svc.Transactions(1)[0].SyncedToDB {
		t.Error("expected transaction marked synced")
	}
	if len(h.svc.Pending()) != 0 {
		t.Error("expected empty queue after confirmed push")
	}
	if v := testutil.ToFloat64(h.svc.metrics.charges.WithLabelValues("charged")); v != 1 {
		t.Errorf("expected 1 charged metric, got %v", v)
	}
}

func TestChargeInsufficientBalance(t *testing.T) {
	h := newHarness(t, harnessConfig{identity: testIdentity, seed: balanceOf(3, 7)})
	before := h.svc.Balance()

	res, err := h.svc.Charge(context.Background(), costFive, 1, models.ChargeMetadata{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	var ie *InsufficientBalanceError
	if !errors.As(err, &ie) || ie.Available != 3 || ie.Required != 5 {
		t.Fatalf("unexpected error detail %+v", ie)
	}
	if res.Success || res.RemainingBalance != 3 {
		t.Errorf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Error, "3") || !strings.Contains(res.Error, "5") {
		t.Errorf("error message should state the shortfall: %q", res.Error)
	}

	after := h.svc.Balance()
	if after.Available != before.Available || after.Used != before.Used || len(after.Transactions) != 0 {
		t.Errorf("balance mutated by rejected charge: %+v", after)
	}
	if len(h.eventsSnapshot()) != 0 {
		t.Error("rejected charge must not notify")
	}
	h.settle()
	if h.ledger.Deducts() != 0 {
		t.Error("rejected charge must not reach the ledger")
	}
}

func TestChargeFreeCapability(t *testing.T) {
	h := newHarness(t, harnessConfig{identity: testIdentity, seed: balanceOf(2, 8)})

	res := h.charge(t, pricing.SearchAvailable, 3)
	if !res.Success || res.Charged != 0 || res.RemainingBalance != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	b := h.svc.Balance()
	if b.Available != 2 || b.Used != 8 || len(b.Transactions) != 0 {
		t.Errorf("free charge mutated balance: %+v", b)
	}
	h.settle()
	if h.ledger.Deducts() != 0 || len(h.svc.Pending()) != 0 {
		t.Error("free charge must not sync")
	}
}

func TestChargeAppliedBeforeRemoteResolves(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, harnessConfig{
		identity: testIdentity,
		seed:     balanceOf(10, 0),
		options: func(o *Options) {
			o.Remote = &gatedRemote{Remote: o.Remote, release: gate}
		},
	})

	res := h.charge(t, costFour, 2)
	if res.Charged != 8 {
		t.Fatalf("expected 8 charged, got %d", res.Charged)
	}
	if h.svc.Available() != 2 || h.svc.Used() != 8 {
		t.Errorf("expected optimistic 2/8, got %d/%d", h.svc.Available(), h.svc.Used())
	}
	if h.ledger.Deducts() != 0 {
		t.Error("remote should still be blocked")
	}

	close(gate)
	h.settle()
	if h.ledger.Deducts() != 1 {
		t.Errorf("expected 1 deduct after release, got %d", h.ledger.Deducts())
	}
}

type gatedRemote struct {
	Remote
	release chan struct{}
}

func (g *gatedRemote) Deduct(ctx context.Context, identity string, amount int64) (int64, error) {
	<-g.release
	return g.Remote.Deduct(ctx, identity, amount)
}

func TestHistoryBounded(t *testing.T) {
	h := newHarness(t, harnessConfig{
		seed:     &models.Balance{Available: 1000, DailyLimit: 1000},
		settings: func(s *Settings) { s.DailyLimit = 1000 },
	})

	var ids []string
	for range 105 {
		ids = append(ids, h.charge(t, costOne, 1).TransactionID)
	}

	txs := h.svc.Transactions(0)
	if len(txs) != 100 {
		t.Fatalf("expected 100 transactions, got %d", len(txs))
	}
	for i := range txs {
		if want := ids[len(ids)-1-i]; txs[i].ID != want {
			t.Fatalf("transaction %d: expected %s, got %s", i, want, txs[i].ID)
		}
	}
	if h.svc.Used() != 105 {
		t.Errorf("expected 105 used, got %d", h.svc.Used())
	}
}

func TestChargeValidation(t *testing.T) {
	h := newHarness(t, harnessConfig{identity: testIdentity})
	ctx := context.Background()

	if _, err := h.svc.Charge(ctx, costFour, 0, models.ChargeMetadata{}); !errors.Is(err, ErrInvalidItemCount) {
		t.Errorf("expected ErrInvalidItemCount, got %v", err)
	}
	if _, err := h.svc.Charge(ctx, "nope", 1, models.ChargeMetadata{}); !errors.Is(err, pricing.ErrUnknownCapability) {
		t.Errorf("expected ErrUnknownCapability, got %v", err)
	}

	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Charge(ctx, costFour, 1, models.ChargeMetadata{}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized after shutdown, got %v", err)
	}
}

func TestChargeDescriptionWithActivity(t *testing.T) {
	h := newHarness(t, harnessConfig{seed: balanceOf(10, 0)})

	_, err := h.svc.Charge(context.Background(), costOne, 2, models.ChargeMetadata{
		ActivityID:    "act-7",
		ActivityTitle: "Fractions quiz",
	})
	if err != nil {
		t.Fatal(err)
	}
	tx := h.svc.Transactions(1)[0]
	if tx.Description != "One: Fractions quiz" || tx.ActivityID != "act-7" {
		t.Errorf("unexpected transaction %+v", tx)
	}
}

func TestCanAffordAndEstimate(t *testing.T) {
	h := newHarness(t, harnessConfig{seed: balanceOf(9, 1)})

	cost, err := h.svc.EstimatedCost(costFour, 2)
	if err != nil || cost != 8 {
		t.Fatalf("expected cost 8, got %d (%v)", cost, err)
	}
	if ok, _ := h.svc.CanAfford(costFour, 2); !ok {
		t.Error("expected 8 to be affordable with 9 left")
	}
	if ok, _ := h.svc.CanAfford(costFive, 2); ok {
		t.Error("expected 10 to be unaffordable with 9 left")
	}
	if _, err := h.svc.EstimatedCost(costFour, -1); !errors.Is(err, ErrInvalidItemCount) {
		t.Errorf("expected ErrInvalidItemCount, got %v", err)
	}
}

func TestChargePersistsWithCancelledContext(t *testing.T) {
	h := newHarness(t, harnessConfig{seed: balanceOf(10, 0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.svc.Charge(ctx, costFour, 1, models.ChargeMetadata{})
	if err != nil || !res.Success {
		t.Fatalf("charge: %+v (%v)", res, err)
	}

	stored, err := h.store.LoadBalance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stored.Available != 6 || stored.Used != 4 {
		t.Errorf("expected persisted 6/4, got %d/%d", stored.Available, stored.Used)
	}
	if len(stored.Transactions) != 1 || stored.Transactions[0].ID != res.TransactionID {
		t.Errorf("transaction not persisted: %+v", stored.Transactions)
	}
	pending, err := h.store.LoadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != res.TransactionID {
		t.Errorf("queued debit not persisted: %+v", pending)
	}
}
