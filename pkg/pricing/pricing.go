// Package pricing holds the fixed capability price table. Costs are a pure
// function of capability and quantity; nothing here touches the network.
package pricing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/schoolpower/powers/pkg/models"
)

// ErrUnknownCapability is returned for capability ids missing from the table.
var ErrUnknownCapability = errors.New("unknown capability")

// Built-in capability ids.
const (
	CreateActivity   = "criar_atividade"
	CreateFile       = "criar_arquivo"
	GenerateContent  = "gerar_conteudo"
	SearchAvailable  = "pesquisar_atividades_disponiveis"
	SearchAccount    = "pesquisar_atividades_conta"
	DecideActivities = "decidir_atividades_criar"
	SaveActivities   = "salvar_atividades_bd"
)

var defaults = []models.CapabilityPrice{
	{ID: CreateActivity, Name: "Activity creation", ItemLabel: "activity", Price: 10},
	{ID: CreateFile, Name: "File creation", ItemLabel: "file", Price: 5},
	{ID: GenerateContent, Name: "Content generation", ItemLabel: "item", Price: 3},
	{ID: SearchAvailable, Name: "Activity search", ItemLabel: "search", Price: 0},
	{ID: SearchAccount, Name: "Account activity search", ItemLabel: "search", Price: 0},
	{ID: DecideActivities, Name: "Activity planning", ItemLabel: "plan", Price: 0},
	{ID: SaveActivities, Name: "Activity save", ItemLabel: "activity", Price: 0},
}

// Table resolves capability prices.
type Table struct {
	entries map[string]models.CapabilityPrice
}

// New returns the built-in table with overrides applied on top. An override
// with an existing id replaces that entry; a new id extends the table.
func New(overrides []models.CapabilityPrice) *Table {
	t := &Table{entries: make(map[string]models.CapabilityPrice, len(defaults)+len(overrides))}
	for _, p := range defaults {
		t.entries[p.ID] = p
	}
	for _, p := range overrides {
		if base, ok := t.entries[p.ID]; ok {
			if p.Name == "" {
				p.Name = base.Name
			}
			if p.ItemLabel == "" {
				p.ItemLabel = base.ItemLabel
			}
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.ItemLabel == "" {
			p.ItemLabel = "item"
		}
		t.entries[p.ID] = p
	}
	return t
}

// Lookup returns the price entry for a capability.
func (t *Table) Lookup(id string) (models.CapabilityPrice, error) {
	p, ok := t.entries[id]
	if !ok {
		return models.CapabilityPrice{}, fmt.Errorf("%w: %s", ErrUnknownCapability, id)
	}
	return p, nil
}

// Price returns the per-item price of a capability.
func (t *Table) Price(id string) (int64, error) {
	p, err := t.Lookup(id)
	if err != nil {
		return 0, err
	}
	return p.Price, nil
}

// TotalCost returns price * itemCount. Free capabilities always cost 0.
func (t *Table) TotalCost(id string, itemCount int) (int64, error) {
	price, err := t.Price(id)
	if err != nil {
		return 0, err
	}
	if price == 0 || itemCount <= 0 {
		return 0, nil
	}
	return price * int64(itemCount), nil
}

// Describe builds the human-readable transaction label.
func (t *Table) Describe(id string, itemCount int, meta models.ChargeMetadata) string {
	p, err := t.Lookup(id)
	if err != nil {
		p = models.CapabilityPrice{ID: id, Name: id, ItemLabel: "item"}
	}
	if meta.ActivityTitle != "" {
		return fmt.Sprintf("%s: %s", p.Name, meta.ActivityTitle)
	}
	if itemCount == 1 {
		return fmt.Sprintf("%s (1 %s)", p.Name, p.ItemLabel)
	}
	return fmt.Sprintf("%s (%d %ss)", p.Name, itemCount, p.ItemLabel)
}

// Capabilities lists every priced capability sorted by id.
func (t *Table) Capabilities() []models.CapabilityPrice {
	out := make([]models.CapabilityPrice, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
