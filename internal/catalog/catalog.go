// Package catalog holds the preset and price tables. A default catalog
// is compiled in; deployments can point CATALOG_PATH at their own file
// to swap prompts or provider price IDs without rebuilding.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/mapleshot/mapleshot/internal/models"
)

//go:embed catalog.toml
var defaultCatalog []byte

type Preset struct {
	ID           string   `toml:"id"`
	Name         string   `toml:"name"`
	Description  string   `toml:"description"`
	Kind         string   `toml:"kind"`
	RequiresRefs bool     `toml:"requires_refs"`
	Prompts      []string `toml:"prompts"`
}

// CreditType returns the credit type a generation with this preset
// spends.
func (p Preset) CreditType() models.CreditType {
	return models.CreditType(p.Kind)
}

type Price struct {
	ID         string `toml:"id"`
	PriceID    string `toml:"price_id"`
	Label      string `toml:"label"`
	Amount     string `toml:"amount"`
	CreditType string `toml:"credit_type"`
	Credits    int    `toml:"credits"`
}

// Style is an optional prompt modifier the caller can stack on any
// preset. An empty modifier leaves prompts untouched.
type Style struct {
	ID          string `toml:"id"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Modifier    string `toml:"modifier"`
}

type Catalog struct {
	presets      map[string]Preset
	presetOrder  []string
	styles       map[string]Style
	styleOrder   []string
	prices       map[string]Price
	byProviderID map[string]Price
	priceOrder   []string
}

type catalogFile struct {
	BaseStyle string   `toml:"base_style"`
	Presets   []Preset `toml:"presets"`
	Styles    []Style  `toml:"styles"`
	Prices    []Price  `toml:"prices"`
}

// Load reads the catalog from path, or the compiled-in default when
// path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		data = b
	}

	var file catalogFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		presets:      make(map[string]Preset, len(file.Presets)),
		styles:       make(map[string]Style, len(file.Styles)),
		prices:       make(map[string]Price, len(file.Prices)),
		byProviderID: make(map[string]Price, len(file.Prices)),
	}

	for _, p := range file.Presets {
		if p.ID == "" {
			return nil, fmt.Errorf("preset with empty id")
		}
		if !models.CreditType(p.Kind).Valid() {
			return nil, fmt.Errorf("preset %s: unknown kind %q", p.ID, p.Kind)
		}
		if len(p.Prompts) == 0 {
			return nil, fmt.Errorf("preset %s: no prompts", p.ID)
		}
		if _, dup := c.presets[p.ID]; dup {
			return nil, fmt.Errorf("duplicate preset id %s", p.ID)
		}
		if file.BaseStyle != "" {
			styled := make([]string, len(p.Prompts))
			for i, prompt := range p.Prompts {
				styled[i] = file.BaseStyle + ". " + prompt
			}
			p.Prompts = styled
		}
		c.presets[p.ID] = p
		c.presetOrder = append(c.presetOrder, p.ID)
	}

	for _, s := range file.Styles {
		if s.ID == "" {
			return nil, fmt.Errorf("style with empty id")
		}
		if _, dup := c.styles[s.ID]; dup {
			return nil, fmt.Errorf("duplicate style id %s", s.ID)
		}
		c.styles[s.ID] = s
		c.styleOrder = append(c.styleOrder, s.ID)
	}

	for _, pr := range file.Prices {
		if pr.ID == "" || pr.PriceID == "" {
			return nil, fmt.Errorf("price entry missing id or price_id")
		}
		if !models.CreditType(pr.CreditType).Valid() {
			return nil, fmt.Errorf("price %s: unknown credit type %q", pr.ID, pr.CreditType)
		}
		if pr.Credits <= 0 {
			return nil, fmt.Errorf("price %s: non-positive credits", pr.ID)
		}
		if _, dup := c.byProviderID[pr.PriceID]; dup {
			return nil, fmt.Errorf("duplicate provider price id %s", pr.PriceID)
		}
		c.prices[pr.ID] = pr
		c.byProviderID[pr.PriceID] = pr
		c.priceOrder = append(c.priceOrder, pr.ID)
	}

	return c, nil
}

// Preset looks up one preset by its catalog ID.
func (c *Catalog) Preset(id string) (Preset, bool) {
	p, ok := c.presets[id]
	return p, ok
}

// Presets returns all presets in catalog order.
func (c *Catalog) Presets() []Preset {
	out := make([]Preset, 0, len(c.presetOrder))
	for _, id := range c.presetOrder {
		out = append(out, c.presets[id])
	}
	return out
}

// Style looks up one prompt-modifier style by ID.
func (c *Catalog) Style(id string) (Style, bool) {
	s, ok := c.styles[id]
	return s, ok
}

// Styles returns all styles in catalog order.
func (c *Catalog) Styles() []Style {
	out := make([]Style, 0, len(c.styleOrder))
	for _, id := range c.styleOrder {
		out = append(out, c.styles[id])
	}
	return out
}

// Price looks up a price entry by its catalog ID.
func (c *Catalog) Price(id string) (Price, bool) {
	p, ok := c.prices[id]
	return p, ok
}

// PriceByProviderID resolves the provider's price identifier, as it
// appears in webhook line items.
func (c *Catalog) PriceByProviderID(priceID string) (Price, bool) {
	p, ok := c.byProviderID[priceID]
	return p, ok
}

// Prices returns all price entries in catalog order.
func (c *Catalog) Prices() []Price {
	out := make([]Price, 0, len(c.priceOrder))
	for _, id := range c.priceOrder {
		out = append(out, c.prices[id])
	}
	return out
}

// ValidateRefs checks that every preset requiring reference images can
// actually be served with the configured reference set.
func (c *Catalog) ValidateRefs(refPaths []string) error {
	for _, id := range c.presetOrder {
		p := c.presets[id]
		if p.RequiresRefs && len(refPaths) == 0 {
			return fmt.Errorf("preset %s requires reference images but none are configured", id)
		}
	}
	return nil
}
