package pricing

import (
	"errors"
	"testing"

	"github.com/schoolpower/powers/pkg/models"
)

func TestTotalCost(t *testing.T) {
	tbl := New(nil)

	cost, err := tbl.TotalCost(CreateActivity, 3)
	if err != nil {
		t.Fatal(err)
	}
	if cost != 30 {
		t.Errorf("expected 30, got %d", cost)
	}

	cost, err = tbl.TotalCost(SearchAvailable, 50)
	if err != nil {
		t.Fatal(err)
	}
	if cost != 0 {
		t.Errorf("expected free capability to cost 0, got %d", cost)
	}
}

func TestUnknownCapability(t *testing.T) {
	tbl := New(nil)
	if _, err := tbl.TotalCost("teleport", 1); !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("expected ErrUnknownCapability, got %v", err)
	}
}

func TestOverrides(t *testing.T) {
	tbl := New([]models.CapabilityPrice{
		{ID: CreateActivity, Price: 4},
		{ID: "gerar_quiz", Name: "Quiz generation", ItemLabel: "quiz", Price: 2},
	})

	p, err := tbl.Lookup(CreateActivity)
	if err != nil {
		t.Fatal(err)
	}
	if p.Price != 4 {
		t.Errorf("expected overridden price 4, got %d", p.Price)
	}
	if p.Name != "Activity creation" {
		t.Errorf("expected name to survive override, got %q", p.Name)
	}

	cost, err := tbl.TotalCost("gerar_quiz", 2)
	if err != nil {
		t.Fatal(err)
	}
	if cost != 4 {
		t.Errorf("expected 4, got %d", cost)
	}
}

func TestDescribe(t *testing.T) {
	tbl := New(nil)

	if got := tbl.Describe(CreateActivity, 1, models.ChargeMetadata{}); got != "Activity creation (1 activity)" {
		t.Errorf("single item: got %q", got)
	}
	if got := tbl.Describe(CreateFile, 3, models.ChargeMetadata{}); got != "File creation (3 files)" {
		t.Errorf("plural: got %q", got)
	}
	got := tbl.Describe(CreateActivity, 1, models.ChargeMetadata{ActivityTitle: "Fractions quiz"})
	if got != "Activity creation: Fractions quiz" {
		t.Errorf("with title: got %q", got)
	}
}

func TestCapabilitiesSorted(t *testing.T) {
	caps := New(nil).Capabilities()
	if len(caps) != 7 {
		t.Fatalf("expected 7 built-in capabilities, got %d", len(caps))
	}
	for i := 1; i < len(caps); i++ {
		if caps[i-1].ID > caps[i].ID {
			t.Fatalf("capabilities not sorted: %s before %s", caps[i-1].ID, caps[i].ID)
		}
	}
}
