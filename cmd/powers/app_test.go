package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/schoolpower/powers/pkg/ledger/ledgertest"
	"github.com/schoolpower/powers/pkg/models"
)

func writeConfig(t *testing.T, ledgerURL string) *globalOptions {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
db_path: %s
powers:
  daily_limit: 10
  timezone: UTC
ledger:
  url: %s
journal:
  enabled: true
  db_path: %s
`, filepath.Join(dir, "powers.db"), ledgerURL, filepath.Join(dir, "journal.db"))
	path := filepath.Join(dir, "powers.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return &globalOptions{configPath: path, identity: "cli@example.com", logLevel: "error"}
}

func TestOpenAppChargeAndSync(t *testing.T) {
	srv := ledgertest.New(10)
	defer srv.Close()
	g := writeConfig(t, srv.URL)
	ctx := context.Background()

	a, err := openApp(ctx, g, true)
	if err != nil {
		t.Fatal(err)
	}
	res, err := a.powers.Charge(ctx, "criar_arquivo", 1, models.ChargeMetadata{})
	if err != nil || res.Charged != 5 {
		t.Fatalf("unexpected charge %+v (%v)", res, err)
	}
	a.Close()

	if srv.Balance("cli@example.com") != 5 {
		t.Errorf("expected remote 5 after close, got %d", srv.Balance("cli@example.com"))
	}

	// A fresh process sees the persisted balance and the journaled push.
	a, err = openApp(ctx, g, true)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.powers.Available() != 5 {
		t.Errorf("expected 5 available, got %d", a.powers.Available())
	}
	if err := a.powers.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	events, err := a.journal.Query(ctx, models.SyncQueryOpts{Operation: models.OpDeduct})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Outcome != models.OutcomeConfirmed {
		t.Errorf("expected one confirmed deduct, got %+v", events)
	}
}

func TestOpenAppWithoutLedger(t *testing.T) {
	g := writeConfig(t, "")
	ctx := context.Background()

	a, err := openApp(ctx, g, true)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.powers.Charge(ctx, "criar_atividade", 1, models.ChargeMetadata{}); err != nil {
		t.Fatal(err)
	}
	if len(a.powers.Pending()) != 1 {
		t.Errorf("expected debit queued without a ledger, got %d", len(a.powers.Pending()))
	}
}

func TestParseSince(t *testing.T) {
	if _, err := parseSince("03/10/2026", time.Time{}); err == nil {
		t.Error("expected error for bad date")
	}
	got, err := parseSince("2026-03-10", time.Time{})
	if err != nil || got.Day() != 10 {
		t.Errorf("unexpected parse %v (%v)", got, err)
	}
}

func TestPurgeLocalState(t *testing.T) {
	g := writeConfig(t, "")
	ctx := context.Background()

	a, err := openApp(ctx, g, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.powers.Charge(ctx, "criar_atividade", 1, models.ChargeMetadata{}); err != nil {
		t.Fatal(err)
	}
	a.Close()

	if err := purgeLocalState(ctx, g); err != nil {
		t.Fatal(err)
	}

	g.identity = ""
	a, err = openApp(ctx, g, true)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.powers.Available() != 10 || len(a.powers.Pending()) != 0 || a.powers.Identity() != "" {
		t.Errorf("expected fresh state, got %s pending=%d identity=%q",
			a.powers.FormatBalance(), len(a.powers.Pending()), a.powers.Identity())
	}
}
